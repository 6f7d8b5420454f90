package svm

import (
	"context"
	"errors"
	"fmt"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// RPCLedger implements Ledger over a Solana JSON-RPC endpoint.
type RPCLedger struct {
	client     *rpc.Client
	commitment rpc.CommitmentType
}

var _ Ledger = (*RPCLedger)(nil)

// NewRPCLedger wraps an existing RPC client. Reads use confirmed commitment.
func NewRPCLedger(client *rpc.Client) *RPCLedger {
	return &RPCLedger{
		client:     client,
		commitment: rpc.CommitmentConfirmed,
	}
}

// NewRPCLedgerFromURL dials rpcURL.
func NewRPCLedgerFromURL(rpcURL string) *RPCLedger {
	return NewRPCLedger(rpc.New(rpcURL))
}

// LatestBlockhash implements Ledger.
func (l *RPCLedger) LatestBlockhash(ctx context.Context) (*Blockhash, error) {
	out, err := l.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	if out == nil || out.Value == nil {
		return nil, fmt.Errorf("failed to get latest blockhash: empty response")
	}
	return &Blockhash{
		Hash:                 out.Value.Blockhash,
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
	}, nil
}

// BlockHeight implements Ledger.
func (l *RPCLedger) BlockHeight(ctx context.Context) (uint64, error) {
	height, err := l.client.GetBlockHeight(ctx, l.commitment)
	if err != nil {
		return 0, fmt.Errorf("failed to get block height: %w", err)
	}
	return height, nil
}

// SendTransaction implements Ledger.
func (l *RPCLedger) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := l.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: l.commitment,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return sig, nil
}

// SignatureStatus implements Ledger.
func (l *RPCLedger) SignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error) {
	out, err := l.client.GetSignatureStatuses(ctx, false, sig)
	if err != nil {
		return nil, fmt.Errorf("failed to get signature status: %w", err)
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return nil, nil
	}
	status := out.Value[0]
	return &SignatureStatus{
		Slot:         status.Slot,
		Err:          status.Err,
		Confirmation: ConfirmationStatus(status.ConfirmationStatus),
	}, nil
}

// Transaction implements Ledger.
func (l *RPCLedger) Transaction(ctx context.Context, sig solana.Signature) (*Transaction, error) {
	maxVersion := uint64(0)
	out, err := l.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     l.commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	if out == nil || out.Transaction == nil {
		return nil, ErrTransactionNotFound
	}

	tx, err := out.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}

	result := &Transaction{
		Signature:   sig,
		Slot:        out.Slot,
		AccountKeys: append([]solana.PublicKey{}, tx.Message.AccountKeys...),
	}
	if out.BlockTime != nil {
		t := time.Unix(int64(*out.BlockTime), 0)
		result.BlockTime = &t
	}
	if out.Meta != nil {
		result.Err = out.Meta.Err
		result.PreBalances = out.Meta.PreBalances
		result.PostBalances = out.Meta.PostBalances
		result.AccountKeys = append(result.AccountKeys, out.Meta.LoadedAddresses.Writable...)
		result.AccountKeys = append(result.AccountKeys, out.Meta.LoadedAddresses.ReadOnly...)
	}

	for _, inst := range tx.Message.Instructions {
		if int(inst.ProgramIDIndex) >= len(result.AccountKeys) {
			return nil, fmt.Errorf("instruction program index %d out of range", inst.ProgramIDIndex)
		}
		result.Instructions = append(result.Instructions, Instruction{
			ProgramID: result.AccountKeys[inst.ProgramIDIndex],
			Accounts:  inst.Accounts,
			Data:      inst.Data,
		})
	}

	return result, nil
}

// Account implements Ledger.
func (l *RPCLedger) Account(ctx context.Context, address solana.PublicKey) (*Account, error) {
	out, err := l.client.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: l.commitment,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account %s: %w", address, err)
	}
	if out == nil || out.Value == nil {
		return nil, ErrAccountNotFound
	}
	return toAccount(out.Value), nil
}

// ProgramAccounts implements Ledger.
func (l *RPCLedger) ProgramAccounts(ctx context.Context, program solana.PublicKey, filters ...MemcmpFilter) ([]KeyedAccount, error) {
	opts := &rpc.GetProgramAccountsOpts{
		Commitment: l.commitment,
		Encoding:   solana.EncodingBase64,
	}
	for _, f := range filters {
		opts.Filters = append(opts.Filters, rpc.RPCFilter{
			Memcmp: &rpc.RPCFilterMemcmp{
				Offset: f.Offset,
				Bytes:  solana.Base58(f.Bytes),
			},
		})
	}

	out, err := l.client.GetProgramAccountsWithOpts(ctx, program, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get program accounts: %w", err)
	}

	accounts := make([]KeyedAccount, 0, len(out))
	for _, keyed := range out {
		if keyed == nil || keyed.Account == nil {
			continue
		}
		accounts = append(accounts, KeyedAccount{
			Address: keyed.Pubkey,
			Account: toAccount(keyed.Account),
		})
	}
	return accounts, nil
}

func toAccount(a *rpc.Account) *Account {
	account := &Account{
		Owner:    a.Owner,
		Lamports: a.Lamports,
	}
	if a.Data != nil {
		account.Data = a.Data.GetBinary()
	}
	return account
}
