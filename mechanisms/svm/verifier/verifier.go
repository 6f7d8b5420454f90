// Package verifier checks SPL-402 payment payloads against the Solana ledger.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	spl402 "github.com/astrohackerx/spl402-sub000"
	"github.com/astrohackerx/spl402-sub000/mechanisms/svm"
	"github.com/astrohackerx/spl402-sub000/metrics"
)

const schemeUnknown = "unknown"

// Expectation is what the server requires a payment to satisfy.
type Expectation struct {
	Amount    decimal.Decimal
	Recipient string
	Network   spl402.Network
	// Decimals prices token-transfer payments. When nil, token-transfer
	// payloads are rejected as unsupported.
	Decimals *uint8
	// Mint, when set, pins token-transfer payments to this mint.
	Mint string
	// TokenProgram restricts token-transfer payments to one program. When
	// empty either token program is accepted.
	TokenProgram spl402.TokenProgram
}

// ExpectationFromRequirement builds the expectation a server derives from the
// requirement it issued.
func ExpectationFromRequirement(req spl402.PaymentRequirement) Expectation {
	return Expectation{
		Amount:       req.Amount,
		Recipient:    req.Recipient,
		Network:      req.Network,
		Decimals:     req.Decimals,
		Mint:         req.Mint,
		TokenProgram: req.TokenProgram,
	}
}

// Verifier validates payment payloads. It is safe for concurrent use; the
// replay store is its only shared state.
type Verifier struct {
	ledger  svm.Ledger
	replay  spl402.ReplayStore
	logger  *zap.Logger
	metrics metrics.Recorder
	now     func() time.Time
	window  time.Duration
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithReplayStore replaces the default in-memory replay cache.
func WithReplayStore(store spl402.ReplayStore) Option {
	return func(v *Verifier) {
		if store != nil {
			v.replay = store
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(v *Verifier) {
		if l != nil {
			v.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(v *Verifier) {
		if r != nil {
			v.metrics = r
		}
	}
}

// WithClock overrides the wall clock used for timestamp checks.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithPaymentWindow overrides the accepted clock skew between the payment
// timestamp and now.
func WithPaymentWindow(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.window = d
		}
	}
}

// New creates a Verifier reading from ledger.
func New(ledger svm.Ledger, opts ...Option) *Verifier {
	v := &Verifier{
		ledger:  ledger,
		logger:  zap.NewNop(),
		metrics: metrics.NoopRecorder{},
		now:     time.Now,
		window:  spl402.PaymentWindow,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.replay == nil {
		v.replay = spl402.NewMemoryReplayCache(spl402.ReplayTTL, spl402.ReplayCapacity)
	}
	return v
}

// ReplayStore returns the store used to record verified signatures.
func (v *Verifier) ReplayStore() spl402.ReplayStore {
	return v.replay
}

// Verify checks payload against exp. Rejections are reported in the result;
// an error means the ledger or replay store could not be consulted.
//
// Checks run in a fixed order and stop at the first failure: version,
// network, recipient, scheme, then the scheme-specific ledger checks.
func (v *Verifier) Verify(ctx context.Context, payload *spl402.PaymentPayload, exp Expectation) (*spl402.VerifyResult, error) {
	start := v.now()
	labels := map[string]string{metrics.LabelNetwork: string(exp.Network)}
	defer func() {
		v.metrics.ObserveLatency(metrics.OperationVerify, v.now().Sub(start), labels)
	}()

	if payload == nil {
		return v.reject(spl402.ReasonInvalidPayload, "missing payload", labels), nil
	}
	// The scheme comes from the client; only known values become labels.
	labels[metrics.LabelScheme] = schemeUnknown
	switch payload.Scheme {
	case spl402.SchemeTransfer, spl402.SchemeTokenTransfer:
		labels[metrics.LabelScheme] = string(payload.Scheme)
	}

	if payload.Version != spl402.Version {
		return v.reject(spl402.ReasonUnsupportedVersion, strconv.Itoa(payload.Version), labels), nil
	}
	if payload.Network != exp.Network {
		return v.reject(spl402.ReasonNetworkMismatch, "", labels), nil
	}
	recipient, err := solana.PublicKeyFromBase58(exp.Recipient)
	if err != nil {
		return v.reject(spl402.ReasonInvalidRecipient, exp.Recipient, labels), nil
	}

	switch payload.Scheme {
	case spl402.SchemeTransfer:
		transfer, ok := payload.Payload.(*spl402.TransferPayload)
		if !ok {
			return v.reject(spl402.ReasonInvalidPayload, "expected transfer payload", labels), nil
		}
		return v.verifyTransfer(ctx, transfer, recipient, exp, labels)

	case spl402.SchemeTokenTransfer:
		transfer, ok := payload.Payload.(*spl402.TokenTransferPayload)
		if !ok {
			return v.reject(spl402.ReasonInvalidPayload, "expected token-transfer payload", labels), nil
		}
		if exp.Decimals == nil {
			// No token price was offered, so no token amount can satisfy it.
			return v.reject(spl402.ReasonUnsupportedScheme, "token-transfer is not accepted without expected decimals", labels), nil
		}
		return v.verifyTokenTransfer(ctx, transfer, recipient, exp, labels)
	}

	return v.reject(spl402.ReasonUnsupportedScheme, string(payload.Scheme), labels), nil
}

// claim runs the checks shared by both schemes: signature format, replay
// reservation and timestamp window. On success the caller owns the
// reservation and must finish it with settle.
func (v *Verifier) claim(ctx context.Context, p *spl402.TransferPayload, labels map[string]string) (solana.Signature, *spl402.VerifyResult, error) {
	sig, err := solana.SignatureFromBase58(p.Signature)
	if err != nil || p.Signature == "" {
		return solana.Signature{}, v.reject(spl402.ReasonInvalidSignature, "", labels), nil
	}

	ok, err := v.replay.Reserve(ctx, p.Signature)
	if err != nil {
		v.logger.Error("replay store unavailable", zap.String("signature", p.Signature), zap.Error(err))
		return solana.Signature{}, nil, fmt.Errorf("failed to reserve signature: %w", err)
	}
	if !ok {
		v.logger.Warn("replay attack blocked", zap.String("signature", p.Signature))
		v.metrics.IncCounter(metrics.ReplayBlocked, labels)
		return solana.Signature{}, v.reject(spl402.ReasonReplayBlocked, "", labels), nil
	}

	age := v.now().UnixMilli() - p.Timestamp
	if age < 0 {
		age = -age
	}
	if age > v.window.Milliseconds() {
		v.release(ctx, p.Signature)
		return solana.Signature{}, v.reject(spl402.ReasonTimestampExpired, "", labels), nil
	}

	return sig, nil, nil
}

// settle commits the reservation when result is valid and releases it
// otherwise. The entry is kept until p's timestamp has left the window.
func (v *Verifier) settle(ctx context.Context, p *spl402.TransferPayload, result *spl402.VerifyResult, err error) (*spl402.VerifyResult, error) {
	signature := p.Signature
	if err != nil || result == nil || !result.Valid {
		v.release(ctx, signature)
		return result, err
	}
	if err := v.replay.Commit(ctx, signature, time.UnixMilli(p.Timestamp)); err != nil {
		v.release(ctx, signature)
		v.logger.Error("failed to record verified signature", zap.String("signature", signature), zap.Error(err))
		return nil, fmt.Errorf("failed to record signature: %w", err)
	}
	return result, nil
}

func (v *Verifier) release(ctx context.Context, signature string) {
	if err := v.replay.Release(context.WithoutCancel(ctx), signature); err != nil {
		v.logger.Error("failed to release signature", zap.String("signature", signature), zap.Error(err))
	}
}

func (v *Verifier) verifyTransfer(
	ctx context.Context,
	p *spl402.TransferPayload,
	recipient solana.PublicKey,
	exp Expectation,
	labels map[string]string,
) (*spl402.VerifyResult, error) {
	sig, rejected, err := v.claim(ctx, p, labels)
	if rejected != nil || err != nil {
		return rejected, err
	}
	result, err := v.checkTransfer(ctx, sig, recipient, exp, labels)
	return v.settle(ctx, p, result, err)
}

func (v *Verifier) checkTransfer(
	ctx context.Context,
	sig solana.Signature,
	recipient solana.PublicKey,
	exp Expectation,
	labels map[string]string,
) (*spl402.VerifyResult, error) {
	tx, rejected, err := v.fetch(ctx, sig, labels)
	if rejected != nil || err != nil {
		return rejected, err
	}

	idx, ok := tx.AccountIndex(recipient)
	if !ok {
		return v.reject(spl402.ReasonRecipientNotInTransaction, "", labels), nil
	}

	expected, err := svm.LamportsFromSOL(exp.Amount)
	if err != nil {
		return nil, fmt.Errorf("invalid expected amount: %w", err)
	}
	received := tx.BalanceDelta(idx)
	if received < expected {
		detail := fmt.Sprintf("expected %d lamports, received %d", expected, received)
		return v.reject(spl402.ReasonInsufficientAmount, detail, labels), nil
	}

	return v.accept(tx, received, labels), nil
}

func (v *Verifier) verifyTokenTransfer(
	ctx context.Context,
	p *spl402.TokenTransferPayload,
	recipient solana.PublicKey,
	exp Expectation,
	labels map[string]string,
) (*spl402.VerifyResult, error) {
	sig, rejected, err := v.claim(ctx, &p.TransferPayload, labels)
	if rejected != nil || err != nil {
		return rejected, err
	}
	result, err := v.checkTokenTransfer(ctx, sig, p, recipient, exp, labels)
	return v.settle(ctx, &p.TransferPayload, result, err)
}

func (v *Verifier) checkTokenTransfer(
	ctx context.Context,
	sig solana.Signature,
	p *spl402.TokenTransferPayload,
	recipient solana.PublicKey,
	exp Expectation,
	labels map[string]string,
) (*spl402.VerifyResult, error) {
	mint, err := solana.PublicKeyFromBase58(p.Mint)
	if err != nil {
		return v.reject(spl402.ReasonInvalidMint, p.Mint, labels), nil
	}

	programs, err := acceptedPrograms(exp.TokenProgram)
	if err != nil {
		return nil, err
	}

	tx, rejected, err := v.fetch(ctx, sig, labels)
	if rejected != nil || err != nil {
		return rejected, err
	}

	var (
		transfer  *svm.TokenTransfer
		program   solana.PublicKey
		malformed error
	)
	for _, candidate := range programs {
		transfer, err = svm.FindTokenTransfer(tx, candidate)
		if err == nil {
			program = candidate
			break
		}
		if !errors.Is(err, svm.ErrNotTokenTransfer) {
			malformed = err
		}
	}
	if transfer == nil {
		detail := ""
		if malformed != nil {
			detail = malformed.Error()
		}
		return v.reject(spl402.ReasonTransferInstructionNotFound, detail, labels), nil
	}

	if int(transfer.Destination) >= len(tx.AccountKeys) {
		return v.reject(spl402.ReasonRecipientMismatch, "destination index out of range", labels), nil
	}
	destination := tx.AccountKeys[transfer.Destination]

	account, err := v.ledger.Account(ctx, destination)
	if errors.Is(err, svm.ErrAccountNotFound) {
		return v.reject(spl402.ReasonRecipientMismatch, "destination account not found", labels), nil
	}
	if err != nil {
		v.logger.Error("failed to fetch destination account", zap.String("account", destination.String()), zap.Error(err))
		return nil, fmt.Errorf("failed to fetch destination account: %w", err)
	}
	if !account.Owner.Equals(program) {
		return v.reject(spl402.ReasonRecipientMismatch, "destination is not a token account", labels), nil
	}

	tokenAccount, err := svm.DecodeTokenAccount(account.Data)
	if err != nil {
		return v.reject(spl402.ReasonRecipientMismatch, err.Error(), labels), nil
	}
	if !tokenAccount.Owner.Equals(recipient) {
		return v.reject(spl402.ReasonRecipientMismatch, "", labels), nil
	}
	if !tokenAccount.Mint.Equals(mint) {
		return v.reject(spl402.ReasonMintMismatch, "", labels), nil
	}
	if exp.Mint != "" && tokenAccount.Mint.String() != exp.Mint {
		return v.reject(spl402.ReasonMintMismatch, "unexpected mint", labels), nil
	}

	expected, err := svm.ToBaseUnits(exp.Amount, *exp.Decimals)
	if err != nil {
		return nil, fmt.Errorf("invalid expected amount: %w", err)
	}
	if transfer.Amount < expected {
		detail := fmt.Sprintf("expected %d, received %d", expected, transfer.Amount)
		return v.reject(spl402.ReasonInsufficientAmount, detail, labels), nil
	}

	return v.accept(tx, transfer.Amount, labels), nil
}

// fetch reads the transaction and rejects missing or failed ones.
func (v *Verifier) fetch(ctx context.Context, sig solana.Signature, labels map[string]string) (*svm.Transaction, *spl402.VerifyResult, error) {
	tx, err := v.ledger.Transaction(ctx, sig)
	if errors.Is(err, svm.ErrTransactionNotFound) {
		return nil, v.reject(spl402.ReasonTransactionNotFound, "", labels), nil
	}
	if err != nil {
		v.logger.Error("failed to fetch transaction", zap.String("signature", sig.String()), zap.Error(err))
		return nil, nil, fmt.Errorf("failed to fetch transaction: %w", err)
	}
	if tx.Failed() {
		return nil, v.reject(spl402.ReasonTransactionFailed, fmt.Sprint(tx.Err), labels), nil
	}
	return tx, nil, nil
}

func (v *Verifier) accept(tx *svm.Transaction, amount uint64, labels map[string]string) *spl402.VerifyResult {
	result := &spl402.VerifyResult{
		Valid:  true,
		TxHash: tx.Signature.String(),
		Amount: amount,
	}
	if len(tx.AccountKeys) > 0 {
		result.Payer = tx.AccountKeys[0].String()
	}
	v.logger.Info("payment verified",
		zap.String("signature", result.TxHash),
		zap.String("payer", result.Payer),
		zap.Uint64("amount", amount),
	)
	v.metrics.IncCounter(metrics.PaymentVerified, labels)
	return result
}

func (v *Verifier) reject(code spl402.ReasonCode, detail string, labels map[string]string) *spl402.VerifyResult {
	result := spl402.Reject(code, detail)
	if code != spl402.ReasonReplayBlocked {
		v.logger.Info("payment rejected", zap.String("code", string(code)), zap.String("reason", result.Reason))
	}

	rejected := make(map[string]string, len(labels)+1)
	for k, val := range labels {
		rejected[k] = val
	}
	rejected[metrics.LabelReason] = string(code)
	v.metrics.IncCounter(metrics.PaymentRejected, rejected)
	return result
}

func acceptedPrograms(p spl402.TokenProgram) ([]solana.PublicKey, error) {
	if p == "" {
		return []solana.PublicKey{solana.TokenProgramID, solana.Token2022ProgramID}, nil
	}
	id, err := svm.TokenProgramID(p)
	if err != nil {
		return nil, err
	}
	return []solana.PublicKey{id}, nil
}
