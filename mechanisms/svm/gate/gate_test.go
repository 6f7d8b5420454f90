package gate

import (
	"context"
	"errors"
	"testing"

	solana "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	spl402 "github.com/astrohackerx/spl402-sub000"
	"github.com/astrohackerx/spl402-sub000/mechanisms/svm"
	"github.com/astrohackerx/spl402-sub000/test/mocks/ledger"
)

func setup(t *testing.T, program solana.PublicKey, balance uint64) (*ledger.Ledger, solana.PublicKey, solana.PublicKey) {
	t.Helper()
	l := ledger.New()
	wallet := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()

	ata, err := svm.FindAssociatedTokenAddress(wallet, mint, program)
	require.NoError(t, err)
	l.SetTokenAccount(ata, program, mint, wallet, balance)
	return l, wallet, mint
}

func TestEvaluateShortfall(t *testing.T) {
	l, wallet, mint := setup(t, solana.TokenProgramID, 500)
	e := New(l)

	result, err := e.Evaluate(context.Background(), wallet.String(), spl402.TokenGate{Mint: mint.String(), MinimumBalance: 1000})
	require.NoError(t, err)
	assert.False(t, result.Authorized)
	assert.Equal(t, spl402.ReasonInsufficientBalance, result.Code)
	assert.Equal(t, uint64(500), result.Balance)
	assert.Equal(t, uint64(1000), result.RequiredBalance)
}

func TestEvaluateAuthorized(t *testing.T) {
	l, wallet, mint := setup(t, solana.TokenProgramID, 1000)
	e := New(l)

	result, err := e.Evaluate(context.Background(), wallet.String(), spl402.TokenGate{Mint: mint.String(), MinimumBalance: 1000})
	require.NoError(t, err)
	assert.True(t, result.Authorized)
	assert.Equal(t, uint64(1000), result.Balance)
}

func TestEvaluateToken2022(t *testing.T) {
	l, wallet, mint := setup(t, solana.Token2022ProgramID, 10)
	e := New(l)

	gate := spl402.TokenGate{Mint: mint.String(), MinimumBalance: 5, TokenProgram: spl402.TokenProgramToken2022}
	result, err := e.Evaluate(context.Background(), wallet.String(), gate)
	require.NoError(t, err)
	assert.True(t, result.Authorized)

	// The same holding is invisible under the legacy program.
	gate.TokenProgram = spl402.TokenProgramLegacy
	result, err = e.Evaluate(context.Background(), wallet.String(), gate)
	require.NoError(t, err)
	assert.False(t, result.Authorized)
	assert.Equal(t, uint64(0), result.Balance)
}

func TestEvaluateMissingAccountIsZero(t *testing.T) {
	e := New(ledger.New())

	result, err := e.Evaluate(context.Background(), solana.NewWallet().PublicKey().String(), spl402.TokenGate{
		Mint:           solana.NewWallet().PublicKey().String(),
		MinimumBalance: 1,
	})
	require.NoError(t, err)
	assert.False(t, result.Authorized)
	assert.Equal(t, uint64(0), result.Balance)
	assert.Equal(t, uint64(1), result.RequiredBalance)

	result, err = e.Evaluate(context.Background(), solana.NewWallet().PublicKey().String(), spl402.TokenGate{
		Mint:           solana.NewWallet().PublicKey().String(),
		MinimumBalance: 0,
	})
	require.NoError(t, err)
	assert.True(t, result.Authorized)
}

func TestEvaluateInvalidInputs(t *testing.T) {
	e := New(ledger.New())
	mint := solana.NewWallet().PublicKey().String()

	result, err := e.Evaluate(context.Background(), "not-a-wallet", spl402.TokenGate{Mint: mint, MinimumBalance: 1})
	require.NoError(t, err)
	assert.Equal(t, spl402.ReasonInvalidWallet, result.Code)

	result, err = e.Evaluate(context.Background(), solana.NewWallet().PublicKey().String(), spl402.TokenGate{Mint: "nope", MinimumBalance: 1})
	require.NoError(t, err)
	assert.Equal(t, spl402.ReasonInvalidMint, result.Code)

	_, err = e.Evaluate(context.Background(), solana.NewWallet().PublicKey().String(), spl402.TokenGate{Mint: mint, TokenProgram: "token-9"})
	assert.ErrorIs(t, err, spl402.ErrUnsupportedTokenProgram)
}

func TestEvaluateLedgerError(t *testing.T) {
	l := ledger.New()
	l.Err = errors.New("rpc down")
	e := New(l)

	_, err := e.Evaluate(context.Background(), solana.NewWallet().PublicKey().String(), spl402.TokenGate{
		Mint:           solana.NewWallet().PublicKey().String(),
		MinimumBalance: 1,
	})
	assert.Error(t, err)
}
