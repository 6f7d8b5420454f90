package verifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	spl402 "github.com/astrohackerx/spl402-sub000"
	"github.com/astrohackerx/spl402-sub000/mechanisms/svm"
	"github.com/astrohackerx/spl402-sub000/test/mocks/ledger"
)

var testNow = time.UnixMilli(1_700_000_000_000)

type recordingMetrics struct {
	mu       sync.Mutex
	counters map[string]int
	reasons  map[string]int
	schemes  map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{counters: map[string]int{}, reasons: map[string]int{}, schemes: map[string]int{}}
}

func (r *recordingMetrics) IncCounter(name string, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name]++
	if reason := labels["reason"]; reason != "" {
		r.reasons[reason]++
	}
	if scheme := labels["scheme"]; scheme != "" {
		r.schemes[scheme]++
	}
}

func (r *recordingMetrics) ObserveLatency(string, time.Duration, map[string]string) {}

func (r *recordingMetrics) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

func newSignature(seed byte) solana.Signature {
	var sig solana.Signature
	for i := range sig {
		sig[i] = seed + byte(i)
	}
	return sig
}

type fixture struct {
	ledger    *ledger.Ledger
	verifier  *Verifier
	metrics   *recordingMetrics
	payer     solana.PublicKey
	recipient solana.PublicKey
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		ledger:    ledger.New(),
		metrics:   newRecordingMetrics(),
		payer:     solana.NewWallet().PublicKey(),
		recipient: solana.NewWallet().PublicKey(),
	}
	opts = append([]Option{
		WithClock(func() time.Time { return testNow }),
		WithMetrics(f.metrics),
	}, opts...)
	f.verifier = New(f.ledger, opts...)
	return f
}

func (f *fixture) nativeExpectation(amount string) Expectation {
	return Expectation{
		Amount:    decimal.RequireFromString(amount),
		Recipient: f.recipient.String(),
		Network:   spl402.NetworkDevnet,
	}
}

func nativePayload(sig solana.Signature, timestamp time.Time) *spl402.PaymentPayload {
	return &spl402.PaymentPayload{
		Version: spl402.Version,
		Scheme:  spl402.SchemeTransfer,
		Network: spl402.NetworkDevnet,
		Payload: &spl402.TransferPayload{
			From:      "payer",
			To:        "recipient",
			Amount:    decimal.RequireFromString("0.001"),
			Signature: sig.String(),
			Timestamp: timestamp.UnixMilli(),
		},
	}
}

func TestVerifyRejectsUnsupportedVersion(t *testing.T) {
	f := newFixture(t)
	payload := nativePayload(newSignature(1), testNow)
	payload.Version = 2

	result, err := f.verifier.Verify(context.Background(), payload, f.nativeExpectation("0.001"))
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, spl402.ReasonUnsupportedVersion, result.Code)
	assert.Contains(t, result.Reason, "Unsupported spl402 version")
	assert.Contains(t, result.Reason, "2")
	assert.Equal(t, 0, f.ledger.TransactionCalls)
}

func TestVerifyNetworkMismatchTakesPrecedence(t *testing.T) {
	f := newFixture(t)
	payload := nativePayload(newSignature(1), testNow)
	payload.Network = spl402.NetworkMainnet
	payload.Payload.Transfer().Signature = "not-a-signature"

	result, err := f.verifier.Verify(context.Background(), payload, f.nativeExpectation("0.001"))
	require.NoError(t, err)
	assert.Equal(t, spl402.ReasonNetworkMismatch, result.Code)
	assert.Equal(t, "Network mismatch", result.Reason)
}

func TestVerifyRejectsInvalidRecipient(t *testing.T) {
	f := newFixture(t)
	exp := f.nativeExpectation("0.001")
	exp.Recipient = "bogus"

	result, err := f.verifier.Verify(context.Background(), nativePayload(newSignature(1), testNow), exp)
	require.NoError(t, err)
	assert.Equal(t, spl402.ReasonInvalidRecipient, result.Code)
}

func TestVerifyRejectsUnsupportedScheme(t *testing.T) {
	f := newFixture(t)

	for _, scheme := range []spl402.Scheme{"swap", "swap-2", "x"} {
		payload := &spl402.PaymentPayload{Version: 1, Scheme: scheme, Network: spl402.NetworkDevnet}
		result, err := f.verifier.Verify(context.Background(), payload, f.nativeExpectation("0.001"))
		require.NoError(t, err)
		assert.Equal(t, spl402.ReasonUnsupportedScheme, result.Code)
	}

	f.metrics.mu.Lock()
	defer f.metrics.mu.Unlock()
	assert.Equal(t, map[string]int{"unknown": 3}, f.metrics.schemes)
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	f := newFixture(t)
	payload := nativePayload(newSignature(1), testNow)
	payload.Payload.Transfer().Signature = "invalid-signature"

	result, err := f.verifier.Verify(context.Background(), payload, f.nativeExpectation("0.001"))
	require.NoError(t, err)
	assert.Equal(t, spl402.ReasonInvalidSignature, result.Code)
}

func TestVerifyNativeTransferAndReplay(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	f := newFixture(t, WithLogger(zap.New(core)))
	sig := newSignature(1)
	f.ledger.AddNativeTransfer(sig, f.payer, f.recipient, 1_000_000)

	result, err := f.verifier.Verify(context.Background(), nativePayload(sig, testNow), f.nativeExpectation("0.001"))
	require.NoError(t, err)
	require.True(t, result.Valid, result.Reason)
	assert.Equal(t, sig.String(), result.TxHash)
	assert.Equal(t, f.payer.String(), result.Payer)
	assert.Equal(t, uint64(1_000_000), result.Amount)

	replayed, err := f.verifier.Verify(context.Background(), nativePayload(sig, testNow), f.nativeExpectation("0.001"))
	require.NoError(t, err)
	assert.False(t, replayed.Valid)
	assert.Equal(t, spl402.ReasonReplayBlocked, replayed.Code)
	assert.Contains(t, replayed.Reason, "replay")
	assert.Equal(t, 1, f.ledger.TransactionCalls)

	assert.Equal(t, 1, f.metrics.count("payment_verified"))
	assert.Equal(t, 1, f.metrics.count("replay_blocked"))
	warnings := logs.FilterLevelExact(zap.WarnLevel).FilterMessage("replay attack blocked")
	assert.Equal(t, 1, warnings.Len())
}

func TestVerifyTimestampWindow(t *testing.T) {
	tests := []struct {
		name      string
		timestamp time.Time
		wantCode  spl402.ReasonCode
	}{
		{name: "four minutes old", timestamp: testNow.Add(-4 * time.Minute)},
		{name: "exactly five minutes old", timestamp: testNow.Add(-5 * time.Minute)},
		{name: "five minutes and one ms old", timestamp: testNow.Add(-5*time.Minute - time.Millisecond), wantCode: spl402.ReasonTimestampExpired},
		{name: "six minutes in the future", timestamp: testNow.Add(6 * time.Minute), wantCode: spl402.ReasonTimestampExpired},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			sig := newSignature(byte(10 + i))
			f.ledger.AddNativeTransfer(sig, f.payer, f.recipient, 1_000_000)

			result, err := f.verifier.Verify(context.Background(), nativePayload(sig, tt.timestamp), f.nativeExpectation("0.001"))
			require.NoError(t, err)
			if tt.wantCode == "" {
				assert.True(t, result.Valid, result.Reason)
				return
			}
			assert.Equal(t, tt.wantCode, result.Code)
			assert.Equal(t, 0, f.ledger.TransactionCalls)
		})
	}
}

func TestVerifyFutureTimestampCannotOutliveReplayEntry(t *testing.T) {
	const window = 200 * time.Millisecond
	l := ledger.New()
	v := New(l,
		WithPaymentWindow(window),
		WithReplayStore(spl402.NewMemoryReplayCache(window, 0)),
	)
	payer, recipient := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()
	sig := newSignature(40)
	l.AddNativeTransfer(sig, payer, recipient, 1_000_000)
	exp := Expectation{Amount: decimal.RequireFromString("0.001"), Recipient: recipient.String(), Network: spl402.NetworkDevnet}
	payload := nativePayload(sig, time.Now().Add(190*time.Millisecond))

	result, err := v.Verify(context.Background(), payload, exp)
	require.NoError(t, err)
	require.True(t, result.Valid, result.Reason)

	// Past the replay TTL counted from now, still inside the window
	// counted from the payload timestamp.
	time.Sleep(250 * time.Millisecond)
	result, err = v.Verify(context.Background(), payload, exp)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, spl402.ReasonReplayBlocked, result.Code)
}

func TestVerifyTransactionNotFoundReleasesSignature(t *testing.T) {
	f := newFixture(t)
	sig := newSignature(2)

	result, err := f.verifier.Verify(context.Background(), nativePayload(sig, testNow), f.nativeExpectation("0.001"))
	require.NoError(t, err)
	assert.Equal(t, spl402.ReasonTransactionNotFound, result.Code)

	f.ledger.AddNativeTransfer(sig, f.payer, f.recipient, 1_000_000)
	result, err = f.verifier.Verify(context.Background(), nativePayload(sig, testNow), f.nativeExpectation("0.001"))
	require.NoError(t, err)
	assert.True(t, result.Valid, result.Reason)
}

func TestVerifyTransactionFailed(t *testing.T) {
	f := newFixture(t)
	sig := newSignature(3)
	tx := f.ledger.AddNativeTransfer(sig, f.payer, f.recipient, 1_000_000)
	tx.Err = map[string]any{"InstructionError": []any{0, "Custom"}}

	result, err := f.verifier.Verify(context.Background(), nativePayload(sig, testNow), f.nativeExpectation("0.001"))
	require.NoError(t, err)
	assert.Equal(t, spl402.ReasonTransactionFailed, result.Code)
}

func TestVerifyRecipientNotInTransaction(t *testing.T) {
	f := newFixture(t)
	sig := newSignature(4)
	f.ledger.AddNativeTransfer(sig, f.payer, solana.NewWallet().PublicKey(), 1_000_000)

	result, err := f.verifier.Verify(context.Background(), nativePayload(sig, testNow), f.nativeExpectation("0.001"))
	require.NoError(t, err)
	assert.Equal(t, spl402.ReasonRecipientNotInTransaction, result.Code)
}

func TestVerifyNativeAmount(t *testing.T) {
	t.Run("underpaid", func(t *testing.T) {
		f := newFixture(t)
		sig := newSignature(5)
		f.ledger.AddNativeTransfer(sig, f.payer, f.recipient, 999_999)

		result, err := f.verifier.Verify(context.Background(), nativePayload(sig, testNow), f.nativeExpectation("0.001"))
		require.NoError(t, err)
		assert.Equal(t, spl402.ReasonInsufficientAmount, result.Code)
		assert.Equal(t, 1, f.metrics.reasons["insufficient_amount"])
	})

	t.Run("overpaid", func(t *testing.T) {
		f := newFixture(t)
		sig := newSignature(6)
		f.ledger.AddNativeTransfer(sig, f.payer, f.recipient, 5_000_000)

		result, err := f.verifier.Verify(context.Background(), nativePayload(sig, testNow), f.nativeExpectation("0.001"))
		require.NoError(t, err)
		assert.True(t, result.Valid)
		assert.Equal(t, uint64(5_000_000), result.Amount)
	})
}

func TestVerifyLedgerErrorIsReturned(t *testing.T) {
	f := newFixture(t)
	sig := newSignature(7)
	f.ledger.Err = errors.New("connection refused")

	result, err := f.verifier.Verify(context.Background(), nativePayload(sig, testNow), f.nativeExpectation("0.001"))
	assert.Error(t, err)
	assert.Nil(t, result)

	seen, err := f.verifier.ReplayStore().Seen(context.Background(), sig.String())
	require.NoError(t, err)
	assert.False(t, seen)

	f.ledger.Err = nil
	f.ledger.AddNativeTransfer(sig, f.payer, f.recipient, 1_000_000)
	result, err = f.verifier.Verify(context.Background(), nativePayload(sig, testNow), f.nativeExpectation("0.001"))
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestVerifyConcurrentSameSignature(t *testing.T) {
	f := newFixture(t)
	sig := newSignature(8)
	f.ledger.AddNativeTransfer(sig, f.payer, f.recipient, 1_000_000)

	const workers = 20
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		valid int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.verifier.Verify(context.Background(), nativePayload(sig, testNow), f.nativeExpectation("0.001"))
			if err == nil && result.Valid {
				mu.Lock()
				valid++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, valid)
}

type tokenFixture struct {
	*fixture
	mint        solana.PublicKey
	source      solana.PublicKey
	destination solana.PublicKey
}

func newTokenFixture(t *testing.T) *tokenFixture {
	f := &tokenFixture{
		fixture:     newFixture(t),
		mint:        solana.NewWallet().PublicKey(),
		source:      solana.NewWallet().PublicKey(),
		destination: solana.NewWallet().PublicKey(),
	}
	f.ledger.SetTokenAccount(f.destination, solana.TokenProgramID, f.mint, f.recipient, 0)
	return f
}

func (f *tokenFixture) transfer(sig solana.Signature, amount uint64) ledger.TokenTransfer {
	return ledger.TokenTransfer{
		Owner:       f.payer,
		Source:      f.source,
		Destination: f.destination,
		Mint:        f.mint,
		Amount:      amount,
		Decimals:    6,
	}
}

func (f *tokenFixture) expectation(amount string) Expectation {
	decimals := uint8(6)
	return Expectation{
		Amount:    decimal.RequireFromString(amount),
		Recipient: f.recipient.String(),
		Network:   spl402.NetworkDevnet,
		Decimals:  &decimals,
	}
}

func (f *tokenFixture) payload(sig solana.Signature, mint solana.PublicKey) *spl402.PaymentPayload {
	return &spl402.PaymentPayload{
		Version: spl402.Version,
		Scheme:  spl402.SchemeTokenTransfer,
		Network: spl402.NetworkDevnet,
		Payload: &spl402.TokenTransferPayload{
			TransferPayload: spl402.TransferPayload{
				From:      f.payer.String(),
				To:        f.recipient.String(),
				Amount:    decimal.RequireFromString("1.5"),
				Signature: sig.String(),
				Timestamp: testNow.UnixMilli(),
			},
			Mint: mint.String(),
		},
	}
}

func TestVerifyTokenTransfer(t *testing.T) {
	t.Run("transferChecked", func(t *testing.T) {
		f := newTokenFixture(t)
		sig := newSignature(20)
		f.ledger.AddTokenTransfer(sig, f.transfer(sig, 1_500_000))

		result, err := f.verifier.Verify(context.Background(), f.payload(sig, f.mint), f.expectation("1.5"))
		require.NoError(t, err)
		require.True(t, result.Valid, result.Reason)
		assert.Equal(t, uint64(1_500_000), result.Amount)

		replayed, err := f.verifier.Verify(context.Background(), f.payload(sig, f.mint), f.expectation("1.5"))
		require.NoError(t, err)
		assert.Equal(t, spl402.ReasonReplayBlocked, replayed.Code)
	})

	t.Run("plain transfer opcode", func(t *testing.T) {
		f := newTokenFixture(t)
		sig := newSignature(21)
		transfer := f.transfer(sig, 1_500_000)
		transfer.Unchecked = true
		f.ledger.AddTokenTransfer(sig, transfer)

		result, err := f.verifier.Verify(context.Background(), f.payload(sig, f.mint), f.expectation("1.5"))
		require.NoError(t, err)
		assert.True(t, result.Valid, result.Reason)
	})

	t.Run("token-2022 accepted when program unset", func(t *testing.T) {
		f := newTokenFixture(t)
		sig := newSignature(22)
		f.ledger.SetTokenAccount(f.destination, solana.Token2022ProgramID, f.mint, f.recipient, 0)
		transfer := f.transfer(sig, 1_500_000)
		transfer.Program = solana.Token2022ProgramID
		f.ledger.AddTokenTransfer(sig, transfer)

		result, err := f.verifier.Verify(context.Background(), f.payload(sig, f.mint), f.expectation("1.5"))
		require.NoError(t, err)
		assert.True(t, result.Valid, result.Reason)
	})

	t.Run("program restricted", func(t *testing.T) {
		f := newTokenFixture(t)
		sig := newSignature(23)
		f.ledger.AddTokenTransfer(sig, f.transfer(sig, 1_500_000))

		exp := f.expectation("1.5")
		exp.TokenProgram = spl402.TokenProgramToken2022
		result, err := f.verifier.Verify(context.Background(), f.payload(sig, f.mint), exp)
		require.NoError(t, err)
		assert.Equal(t, spl402.ReasonTransferInstructionNotFound, result.Code)
	})

	t.Run("native transaction", func(t *testing.T) {
		f := newTokenFixture(t)
		sig := newSignature(24)
		f.ledger.AddNativeTransfer(sig, f.payer, f.recipient, 1_000_000)

		result, err := f.verifier.Verify(context.Background(), f.payload(sig, f.mint), f.expectation("1.5"))
		require.NoError(t, err)
		assert.Equal(t, spl402.ReasonTransferInstructionNotFound, result.Code)
	})

	t.Run("recipient mismatch", func(t *testing.T) {
		f := newTokenFixture(t)
		sig := newSignature(25)
		f.ledger.SetTokenAccount(f.destination, solana.TokenProgramID, f.mint, solana.NewWallet().PublicKey(), 0)
		f.ledger.AddTokenTransfer(sig, f.transfer(sig, 1_500_000))

		result, err := f.verifier.Verify(context.Background(), f.payload(sig, f.mint), f.expectation("1.5"))
		require.NoError(t, err)
		assert.Equal(t, spl402.ReasonRecipientMismatch, result.Code)
	})

	t.Run("mint mismatch", func(t *testing.T) {
		f := newTokenFixture(t)
		sig := newSignature(26)
		f.ledger.AddTokenTransfer(sig, f.transfer(sig, 1_500_000))

		result, err := f.verifier.Verify(context.Background(), f.payload(sig, solana.NewWallet().PublicKey()), f.expectation("1.5"))
		require.NoError(t, err)
		assert.Equal(t, spl402.ReasonMintMismatch, result.Code)
	})

	t.Run("unexpected mint", func(t *testing.T) {
		f := newTokenFixture(t)
		sig := newSignature(27)
		f.ledger.AddTokenTransfer(sig, f.transfer(sig, 1_500_000))

		exp := f.expectation("1.5")
		exp.Mint = solana.NewWallet().PublicKey().String()
		result, err := f.verifier.Verify(context.Background(), f.payload(sig, f.mint), exp)
		require.NoError(t, err)
		assert.Equal(t, spl402.ReasonMintMismatch, result.Code)
	})

	t.Run("insufficient amount", func(t *testing.T) {
		f := newTokenFixture(t)
		sig := newSignature(28)
		f.ledger.AddTokenTransfer(sig, f.transfer(sig, 1_499_999))

		result, err := f.verifier.Verify(context.Background(), f.payload(sig, f.mint), f.expectation("1.5"))
		require.NoError(t, err)
		assert.Equal(t, spl402.ReasonInsufficientAmount, result.Code)
	})

	t.Run("invalid mint", func(t *testing.T) {
		f := newTokenFixture(t)
		sig := newSignature(29)
		payload := f.payload(sig, f.mint)
		payload.Payload.(*spl402.TokenTransferPayload).Mint = "not-a-mint"

		result, err := f.verifier.Verify(context.Background(), payload, f.expectation("1.5"))
		require.NoError(t, err)
		assert.Equal(t, spl402.ReasonInvalidMint, result.Code)
		assert.Equal(t, 0, f.ledger.TransactionCalls)
	})

	t.Run("missing decimals", func(t *testing.T) {
		f := newTokenFixture(t)
		sig := newSignature(30)
		f.ledger.AddTokenTransfer(sig, f.transfer(sig, 1_500_000))
		exp := f.expectation("1.5")
		exp.Decimals = nil

		result, err := f.verifier.Verify(context.Background(), f.payload(sig, f.mint), exp)
		require.NoError(t, err)
		assert.False(t, result.Valid)
		assert.Equal(t, spl402.ReasonUnsupportedScheme, result.Code)
		assert.Equal(t, 0, f.ledger.TransactionCalls)

		seen, err := f.verifier.ReplayStore().Seen(context.Background(), sig.String())
		require.NoError(t, err)
		assert.False(t, seen)
	})

	t.Run("malformed legacy instruction falls through to token-2022", func(t *testing.T) {
		f := newTokenFixture(t)
		sig := newSignature(31)
		f.ledger.SetTokenAccount(f.destination, solana.Token2022ProgramID, f.mint, f.recipient, 0)
		transfer := f.transfer(sig, 1_500_000)
		transfer.Program = solana.Token2022ProgramID
		tx := f.ledger.AddTokenTransfer(sig, transfer)
		malformed := svm.Instruction{
			ProgramID: solana.TokenProgramID,
			Accounts:  []uint16{1},
			Data:      []byte{svm.TokenInstructionTransfer, 1, 0, 0, 0, 0, 0, 0, 0},
		}
		tx.Instructions = append([]svm.Instruction{malformed}, tx.Instructions...)

		result, err := f.verifier.Verify(context.Background(), f.payload(sig, f.mint), f.expectation("1.5"))
		require.NoError(t, err)
		assert.True(t, result.Valid, result.Reason)
	})

	t.Run("malformed instruction alone is reported", func(t *testing.T) {
		f := newTokenFixture(t)
		sig := newSignature(32)
		f.ledger.AddTransaction(&svm.Transaction{
			Signature:   sig,
			AccountKeys: []solana.PublicKey{f.payer, f.source, f.destination},
			Instructions: []svm.Instruction{{
				ProgramID: solana.TokenProgramID,
				Accounts:  []uint16{1},
				Data:      []byte{svm.TokenInstructionTransfer, 1, 0, 0, 0, 0, 0, 0, 0},
			}},
		})

		result, err := f.verifier.Verify(context.Background(), f.payload(sig, f.mint), f.expectation("1.5"))
		require.NoError(t, err)
		assert.Equal(t, spl402.ReasonTransferInstructionNotFound, result.Code)
		assert.Contains(t, result.Reason, "accounts")
	})
}

func TestExpectationFromRequirement(t *testing.T) {
	decimals := uint8(6)
	req := spl402.PaymentRequirement{
		Amount:       decimal.RequireFromString("2"),
		Recipient:    "R",
		Network:      spl402.NetworkMainnet,
		Scheme:       spl402.SchemeTokenTransfer,
		Mint:         "M",
		Decimals:     &decimals,
		TokenProgram: spl402.TokenProgramToken2022,
	}

	exp := ExpectationFromRequirement(req)
	assert.True(t, exp.Amount.Equal(req.Amount))
	assert.Equal(t, "M", exp.Mint)
	assert.Equal(t, spl402.TokenProgramToken2022, exp.TokenProgram)
	assert.Equal(t, &decimals, exp.Decimals)
}
