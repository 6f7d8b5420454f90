// Package client builds, signs and submits SPL-402 payments.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"go.uber.org/zap"

	spl402 "github.com/astrohackerx/spl402-sub000"
	"github.com/astrohackerx/spl402-sub000/mechanisms/svm"
)

// DefaultPollInterval is how often confirmation status is polled.
const DefaultPollInterval = 500 * time.Millisecond

// Constructor turns a PaymentRequirement into a submitted, confirmed ledger
// transaction and the payload that proves it.
type Constructor struct {
	ledger       svm.Ledger
	logger       *zap.Logger
	now          func() time.Time
	pollInterval time.Duration
}

// Option configures a Constructor.
type Option func(*Constructor)

// WithLogger sets the logger used while submitting and confirming
// transactions.
func WithLogger(l *zap.Logger) Option {
	return func(c *Constructor) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the clock used for payload timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Constructor) {
		if now != nil {
			c.now = now
		}
	}
}

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Constructor) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// New creates a Constructor that submits through ledger.
func New(ledger svm.Ledger, opts ...Option) *Constructor {
	c := &Constructor{
		ledger:       ledger,
		logger:       zap.NewNop(),
		now:          time.Now,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Construct pays req from signer's wallet and blocks until the transaction
// is confirmed or its blockhash expires.
func (c *Constructor) Construct(ctx context.Context, req spl402.PaymentRequirement, signer svm.ClientSvmSigner) (*spl402.PaymentPayload, error) {
	if signer == nil || signer.Address().IsZero() {
		return nil, spl402.ErrWalletNotConnected
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	payer := signer.Address()
	recipient, err := solana.PublicKeyFromBase58(req.Recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid recipient: %v", spl402.ErrInvalidRequirement, err)
	}

	var instructions []solana.Instruction
	switch req.Scheme {
	case spl402.SchemeTransfer:
		instructions, err = c.nativeInstructions(req, payer, recipient)
	case spl402.SchemeTokenTransfer:
		instructions, err = c.tokenInstructions(ctx, req, payer, recipient)
	default:
		err = fmt.Errorf("%w: %q", spl402.ErrUnsupportedScheme, req.Scheme)
	}
	if err != nil {
		return nil, err
	}

	blockhash, err := c.ledger.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}

	builder := solana.NewTransactionBuilder().
		SetRecentBlockHash(blockhash.Hash).
		SetFeePayer(payer)
	for _, inst := range instructions {
		builder.AddInstruction(inst)
	}
	tx, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	sig, err := c.submit(ctx, tx, signer)
	if err != nil {
		return nil, err
	}
	c.logger.Info("payment submitted",
		zap.String("signature", sig.String()),
		zap.String("scheme", string(req.Scheme)),
		zap.String("recipient", req.Recipient),
	)

	if err := c.awaitConfirmation(ctx, sig, blockhash.LastValidBlockHeight); err != nil {
		return nil, err
	}

	transfer := spl402.TransferPayload{
		From:      payer.String(),
		To:        req.Recipient,
		Amount:    req.Amount,
		Signature: sig.String(),
		Timestamp: c.now().UnixMilli(),
	}
	payload := &spl402.PaymentPayload{
		Version: spl402.Version,
		Scheme:  req.Scheme,
		Network: req.Network,
	}
	if req.Scheme == spl402.SchemeTokenTransfer {
		payload.Payload = &spl402.TokenTransferPayload{TransferPayload: transfer, Mint: req.Mint}
	} else {
		payload.Payload = &transfer
	}
	return payload, nil
}

func (c *Constructor) nativeInstructions(req spl402.PaymentRequirement, payer, recipient solana.PublicKey) ([]solana.Instruction, error) {
	lamports, err := svm.LamportsFromSOL(req.Amount)
	if err != nil {
		return nil, err
	}
	return []solana.Instruction{
		system.NewTransferInstruction(lamports, payer, recipient).Build(),
	}, nil
}

func (c *Constructor) tokenInstructions(ctx context.Context, req spl402.PaymentRequirement, payer, recipient solana.PublicKey) ([]solana.Instruction, error) {
	mint, err := solana.PublicKeyFromBase58(req.Mint)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid mint: %v", spl402.ErrInvalidRequirement, err)
	}
	program, err := svm.TokenProgramID(req.TokenProgram)
	if err != nil {
		return nil, err
	}
	decimals := *req.Decimals
	amount, err := svm.ToBaseUnits(req.Amount, decimals)
	if err != nil {
		return nil, err
	}

	sourceATA, err := svm.FindAssociatedTokenAddress(payer, mint, program)
	if err != nil {
		return nil, err
	}
	destinationATA, err := svm.FindAssociatedTokenAddress(recipient, mint, program)
	if err != nil {
		return nil, err
	}

	var instructions []solana.Instruction

	_, err = c.ledger.Account(ctx, destinationATA)
	switch {
	case errors.Is(err, svm.ErrAccountNotFound):
		instructions = append(instructions, createAssociatedTokenAccountIdempotent(payer, destinationATA, recipient, mint, program))
	case err != nil:
		return nil, fmt.Errorf("failed to check recipient token account: %w", err)
	}

	transfer, err := token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(decimals).
		SetSourceAccount(sourceATA).
		SetMintAccount(mint).
		SetDestinationAccount(destinationATA).
		SetOwnerAccount(payer).
		ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build transfer instruction: %w", err)
	}

	// The builder targets the legacy program; re-home the instruction so the
	// same layout runs under token-2022 when requested.
	data, err := transfer.Data()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transfer instruction: %w", err)
	}
	instructions = append(instructions, solana.NewInstruction(program, transfer.Accounts(), data))

	return instructions, nil
}

func createAssociatedTokenAccountIdempotent(payer, ata, owner, mint, program solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(
		solana.SPLAssociatedTokenAccountProgramID,
		solana.AccountMetaSlice{
			solana.Meta(payer).WRITE().SIGNER(),
			solana.Meta(ata).WRITE(),
			solana.Meta(owner),
			solana.Meta(mint),
			solana.Meta(solana.SystemProgramID),
			solana.Meta(program),
		},
		[]byte{svm.AssociatedTokenCreateIdempotent},
	)
}

func (c *Constructor) submit(ctx context.Context, tx *solana.Transaction, signer svm.ClientSvmSigner) (solana.Signature, error) {
	if sender, ok := signer.(svm.SignAndSender); ok {
		sig, err := sender.SignAndSendTransaction(ctx, tx)
		if err != nil {
			return solana.Signature{}, fmt.Errorf("%w: %v", spl402.ErrTransactionFailed, err)
		}
		return sig, nil
	}

	if err := signer.SignTransaction(ctx, tx); err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign transaction: %w", err)
	}
	sig, err := c.ledger.SendTransaction(ctx, tx)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: %v", spl402.ErrTransactionFailed, err)
	}
	return sig, nil
}

// awaitConfirmation polls until sig reaches confirmed commitment, fails, or
// the ledger passes lastValidBlockHeight.
func (c *Constructor) awaitConfirmation(ctx context.Context, sig solana.Signature, lastValidBlockHeight uint64) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.ledger.SignatureStatus(ctx, sig)
		if err != nil {
			return err
		}
		if status != nil {
			if status.Err != nil {
				return fmt.Errorf("%w: %v", spl402.ErrTransactionFailed, status.Err)
			}
			if status.Confirmed() {
				return nil
			}
		}

		height, err := c.ledger.BlockHeight(ctx)
		if err != nil {
			return err
		}
		if height > lastValidBlockHeight {
			return spl402.ErrBlockhashExpired
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
