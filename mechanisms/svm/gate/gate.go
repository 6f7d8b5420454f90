// Package gate authorizes wallets by their SPL token holdings.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	spl402 "github.com/astrohackerx/spl402-sub000"
	"github.com/astrohackerx/spl402-sub000/mechanisms/svm"
	"github.com/astrohackerx/spl402-sub000/metrics"
)

// Evaluator checks token gates against the ledger. It never writes.
type Evaluator struct {
	ledger  svm.Ledger
	network spl402.Network
	logger  *zap.Logger
	metrics metrics.Recorder
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Evaluator) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(e *Evaluator) {
		if r != nil {
			e.metrics = r
		}
	}
}

// WithNetwork labels metrics with the cluster the ledger points at.
func WithNetwork(n spl402.Network) Option {
	return func(e *Evaluator) {
		e.network = n
	}
}

// New creates an Evaluator reading from ledger.
func New(ledger svm.Ledger, opts ...Option) *Evaluator {
	e := &Evaluator{
		ledger:  ledger,
		logger:  zap.NewNop(),
		metrics: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate reports whether wallet holds at least gate.MinimumBalance of
// gate.Mint in its associated token account. A missing account is a zero
// balance.
func (e *Evaluator) Evaluate(ctx context.Context, wallet string, gate spl402.TokenGate) (*spl402.GateResult, error) {
	start := time.Now()
	labels := map[string]string{metrics.LabelNetwork: string(e.network)}
	defer func() {
		e.metrics.ObserveLatency(metrics.OperationGate, time.Since(start), labels)
	}()

	owner, err := solana.PublicKeyFromBase58(wallet)
	if err != nil || wallet == "" {
		return e.deny(spl402.ReasonInvalidWallet, 0, gate.MinimumBalance, labels), nil
	}
	mint, err := solana.PublicKeyFromBase58(gate.Mint)
	if err != nil || gate.Mint == "" {
		return e.deny(spl402.ReasonInvalidMint, 0, gate.MinimumBalance, labels), nil
	}
	program, err := svm.TokenProgramID(gate.TokenProgram)
	if err != nil {
		return nil, err
	}

	balance, err := e.Balance(ctx, owner, mint, program)
	if err != nil {
		e.logger.Error("failed to read token balance",
			zap.String("wallet", wallet),
			zap.String("mint", gate.Mint),
			zap.Error(err),
		)
		return nil, err
	}

	if balance < gate.MinimumBalance {
		return e.deny(spl402.ReasonInsufficientBalance, balance, gate.MinimumBalance, labels), nil
	}

	e.logger.Debug("token gate passed",
		zap.String("wallet", wallet),
		zap.String("mint", gate.Mint),
		zap.Uint64("balance", balance),
	)
	e.metrics.IncCounter(metrics.GateAuthorized, labels)
	return &spl402.GateResult{
		Authorized:      true,
		Balance:         balance,
		RequiredBalance: gate.MinimumBalance,
	}, nil
}

// Balance returns the raw token balance of owner's associated token account
// for mint under program.
func (e *Evaluator) Balance(ctx context.Context, owner, mint, program solana.PublicKey) (uint64, error) {
	ata, err := svm.FindAssociatedTokenAddress(owner, mint, program)
	if err != nil {
		return 0, err
	}

	account, err := e.ledger.Account(ctx, ata)
	if errors.Is(err, svm.ErrAccountNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to fetch token account %s: %w", ata, err)
	}
	if !account.Owner.Equals(program) {
		return 0, nil
	}

	tokenAccount, err := svm.DecodeTokenAccount(account.Data)
	if err != nil {
		return 0, fmt.Errorf("failed to decode token account %s: %w", ata, err)
	}
	if !tokenAccount.Mint.Equals(mint) || !tokenAccount.Owner.Equals(owner) {
		return 0, nil
	}
	return tokenAccount.Amount, nil
}

func (e *Evaluator) deny(code spl402.ReasonCode, balance, required uint64, labels map[string]string) *spl402.GateResult {
	e.logger.Info("token gate denied",
		zap.String("code", string(code)),
		zap.Uint64("balance", balance),
		zap.Uint64("required", required),
	)
	denied := map[string]string{metrics.LabelReason: string(code)}
	for k, v := range labels {
		denied[k] = v
	}
	e.metrics.IncCounter(metrics.GateDenied, denied)
	return spl402.Deny(code, balance, required)
}
