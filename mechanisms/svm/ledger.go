package svm

import (
	"context"
	"errors"
	"time"

	solana "github.com/gagliardetto/solana-go"
)

var (
	ErrTransactionNotFound = errors.New("svm: transaction not found")
	ErrAccountNotFound     = errors.New("svm: account not found")
)

// Ledger is the subset of the Solana JSON-RPC surface the payment engine
// reads from and writes to. RPCLedger is the production implementation.
type Ledger interface {
	LatestBlockhash(ctx context.Context) (*Blockhash, error)
	BlockHeight(ctx context.Context) (uint64, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	// SignatureStatus returns nil when the ledger does not know the signature yet.
	SignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error)
	// Transaction returns ErrTransactionNotFound for unknown signatures.
	Transaction(ctx context.Context, sig solana.Signature) (*Transaction, error)
	// Account returns ErrAccountNotFound for absent accounts.
	Account(ctx context.Context, address solana.PublicKey) (*Account, error)
	ProgramAccounts(ctx context.Context, program solana.PublicKey, filters ...MemcmpFilter) ([]KeyedAccount, error)
}

// Blockhash is a recent blockhash and the last block height it is valid for.
type Blockhash struct {
	Hash                 solana.Hash
	LastValidBlockHeight uint64
}

// ConfirmationStatus is the commitment level a transaction has reached.
type ConfirmationStatus string

const (
	StatusProcessed ConfirmationStatus = "processed"
	StatusConfirmed ConfirmationStatus = "confirmed"
	StatusFinalized ConfirmationStatus = "finalized"
)

// SignatureStatus is the ledger's view of a submitted transaction.
type SignatureStatus struct {
	Slot         uint64
	Err          any
	Confirmation ConfirmationStatus
}

// Confirmed reports whether the transaction reached confirmed or finalized
// commitment.
func (s *SignatureStatus) Confirmed() bool {
	return s.Confirmation == StatusConfirmed || s.Confirmation == StatusFinalized
}

// Instruction is a top-level instruction with its program id resolved.
// Accounts are indexes into Transaction.AccountKeys.
type Instruction struct {
	ProgramID solana.PublicKey
	Accounts  []uint16
	Data      []byte
}

// Transaction is a confirmed transaction as read back from the ledger.
type Transaction struct {
	Signature solana.Signature
	Slot      uint64
	BlockTime *time.Time
	// Err is the ledger's execution error, nil on success.
	Err any
	// AccountKeys lists static keys followed by loaded writable and
	// loaded read-only addresses, in the order balances are reported.
	AccountKeys  []solana.PublicKey
	Instructions []Instruction
	PreBalances  []uint64
	PostBalances []uint64
}

// Failed reports whether the transaction executed with an error.
func (t *Transaction) Failed() bool {
	return t.Err != nil
}

// AccountIndex returns the position of key in AccountKeys.
func (t *Transaction) AccountIndex(key solana.PublicKey) (int, bool) {
	for i, k := range t.AccountKeys {
		if k.Equals(key) {
			return i, true
		}
	}
	return -1, false
}

// BalanceDelta returns post minus pre lamports for the account at index.
// A decrease reports zero.
func (t *Transaction) BalanceDelta(index int) uint64 {
	if index < 0 || index >= len(t.PreBalances) || index >= len(t.PostBalances) {
		return 0
	}
	pre, post := t.PreBalances[index], t.PostBalances[index]
	if post < pre {
		return 0
	}
	return post - pre
}

// Account is raw account state.
type Account struct {
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
}

// KeyedAccount is an account returned by a program account scan.
type KeyedAccount struct {
	Address solana.PublicKey
	Account *Account
}

// MemcmpFilter matches accounts whose data at Offset equals Bytes.
type MemcmpFilter struct {
	Offset uint64
	Bytes  []byte
}
