// Package ledger provides a scripted in-memory svm.Ledger for tests.
package ledger

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"

	solana "github.com/gagliardetto/solana-go"

	"github.com/astrohackerx/spl402-sub000/mechanisms/svm"
)

// Ledger is a fake svm.Ledger. All fields are safe to set before use; the
// helper methods are safe for concurrent use.
type Ledger struct {
	mu sync.Mutex

	transactions    map[solana.Signature]*svm.Transaction
	accounts        map[solana.PublicKey]*svm.Account
	programAccounts map[solana.PublicKey][]svm.KeyedAccount
	statuses        map[solana.Signature]*svm.SignatureStatus

	// Sent collects every submitted transaction.
	Sent []*solana.Transaction

	// Blockhash is returned by LatestBlockhash.
	Blockhash svm.Blockhash
	// Height is the current block height. HeightStep is added on every
	// BlockHeight call.
	Height     uint64
	HeightStep uint64

	// SendStatus is the status assigned to submitted transactions. A nil
	// value leaves them unknown, so confirmation never arrives.
	SendStatus *svm.SignatureStatus
	// SendErr fails SendTransaction.
	SendErr error
	// Err fails every read.
	Err error
	// AccountErr fails Account reads only.
	AccountErr error

	// TransactionCalls counts Transaction lookups.
	TransactionCalls int
}

var _ svm.Ledger = (*Ledger)(nil)

// New creates an empty ledger whose submitted transactions confirm at once.
func New() *Ledger {
	return &Ledger{
		transactions:    make(map[solana.Signature]*svm.Transaction),
		accounts:        make(map[solana.PublicKey]*svm.Account),
		programAccounts: make(map[solana.PublicKey][]svm.KeyedAccount),
		statuses:        make(map[solana.Signature]*svm.SignatureStatus),
		Blockhash: svm.Blockhash{
			Hash:                 solana.Hash{7},
			LastValidBlockHeight: 150,
		},
		Height:     100,
		SendStatus: &svm.SignatureStatus{Slot: 1, Confirmation: svm.StatusConfirmed},
	}
}

// AddTransaction registers tx under its signature.
func (l *Ledger) AddTransaction(tx *svm.Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transactions[tx.Signature] = tx
}

// AddNativeTransfer registers a successful system transfer of lamports from
// payer to recipient and returns the transaction.
func (l *Ledger) AddNativeTransfer(sig solana.Signature, payer, recipient solana.PublicKey, lamports uint64) *svm.Transaction {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data, 2)
	binary.LittleEndian.PutUint64(data[4:], lamports)

	const fee = 5000
	tx := &svm.Transaction{
		Signature:   sig,
		Slot:        1,
		AccountKeys: []solana.PublicKey{payer, recipient, solana.SystemProgramID},
		Instructions: []svm.Instruction{{
			ProgramID: solana.SystemProgramID,
			Accounts:  []uint16{0, 1},
			Data:      data,
		}},
		PreBalances:  []uint64{lamports + fee + 1_000_000, 0, 1},
		PostBalances: []uint64{1_000_000, lamports, 1},
	}
	l.AddTransaction(tx)
	return tx
}

// TokenTransfer describes a scripted SPL token transfer.
type TokenTransfer struct {
	Program     solana.PublicKey
	Owner       solana.PublicKey
	Source      solana.PublicKey
	Destination solana.PublicKey
	Mint        solana.PublicKey
	Amount      uint64
	Decimals    uint8
	// Unchecked uses Transfer (3) instead of TransferChecked (12).
	Unchecked bool
}

// AddTokenTransfer registers a successful token transfer and returns the
// transaction. The destination account must be added separately with
// SetTokenAccount.
func (l *Ledger) AddTokenTransfer(sig solana.Signature, t TokenTransfer) *svm.Transaction {
	program := t.Program
	if program.IsZero() {
		program = solana.TokenProgramID
	}

	// keys: owner, source, destination, mint, program
	keys := []solana.PublicKey{t.Owner, t.Source, t.Destination, t.Mint, program}

	var inst svm.Instruction
	if t.Unchecked {
		data := make([]byte, 9)
		data[0] = svm.TokenInstructionTransfer
		binary.LittleEndian.PutUint64(data[1:], t.Amount)
		inst = svm.Instruction{ProgramID: program, Accounts: []uint16{1, 2, 0}, Data: data}
	} else {
		data := make([]byte, 10)
		data[0] = svm.TokenInstructionTransferChecked
		binary.LittleEndian.PutUint64(data[1:], t.Amount)
		data[9] = t.Decimals
		inst = svm.Instruction{ProgramID: program, Accounts: []uint16{1, 3, 2, 0}, Data: data}
	}

	tx := &svm.Transaction{
		Signature:    sig,
		Slot:         1,
		AccountKeys:  keys,
		Instructions: []svm.Instruction{inst},
		PreBalances:  []uint64{10_000_000, 2_039_280, 2_039_280, 1_461_600, 1},
		PostBalances: []uint64{9_995_000, 2_039_280, 2_039_280, 1_461_600, 1},
	}
	l.AddTransaction(tx)
	return tx
}

// SetAccount stores raw account state.
func (l *Ledger) SetAccount(address solana.PublicKey, account *svm.Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[address] = account
}

// SetTokenAccount stores a token account owned by program.
func (l *Ledger) SetTokenAccount(address, program, mint, owner solana.PublicKey, amount uint64) {
	l.SetAccount(address, &svm.Account{
		Owner:    program,
		Lamports: 2_039_280,
		Data:     svm.EncodeTokenAccount(mint, owner, amount),
	})
}

// AddProgramAccount registers an account returned by ProgramAccounts scans
// of program. It is also readable through Account.
func (l *Ledger) AddProgramAccount(program, address solana.PublicKey, data []byte) {
	account := &svm.Account{Owner: program, Lamports: 1, Data: data}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.programAccounts[program] = append(l.programAccounts[program], svm.KeyedAccount{Address: address, Account: account})
	l.accounts[address] = account
}

// SetStatus overrides the status reported for sig.
func (l *Ledger) SetStatus(sig solana.Signature, status *svm.SignatureStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses[sig] = status
}

// LatestBlockhash implements svm.Ledger.
func (l *Ledger) LatestBlockhash(_ context.Context) (*svm.Blockhash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	bh := l.Blockhash
	return &bh, nil
}

// BlockHeight implements svm.Ledger.
func (l *Ledger) BlockHeight(_ context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return 0, l.Err
	}
	l.Height += l.HeightStep
	return l.Height, nil
}

// SendTransaction implements svm.Ledger.
func (l *Ledger) SendTransaction(_ context.Context, tx *solana.Transaction) (solana.Signature, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SendErr != nil {
		return solana.Signature{}, l.SendErr
	}
	l.Sent = append(l.Sent, tx)

	var sig solana.Signature
	if len(tx.Signatures) > 0 {
		sig = tx.Signatures[0]
	}
	if l.SendStatus != nil {
		status := *l.SendStatus
		l.statuses[sig] = &status
		if status.Err == nil {
			l.applyLocked(sig, tx)
		}
	}
	return sig, nil
}

// applyLocked records tx as executed: system transfers move lamports and
// associated token account creations materialize empty token accounts.
func (l *Ledger) applyLocked(sig solana.Signature, tx *solana.Transaction) {
	keys := append([]solana.PublicKey{}, tx.Message.AccountKeys...)
	const startingLamports = 10_000_000_000

	recorded := &svm.Transaction{
		Signature:    sig,
		Slot:         1,
		AccountKeys:  keys,
		PreBalances:  make([]uint64, len(keys)),
		PostBalances: make([]uint64, len(keys)),
	}
	recorded.PreBalances[0] = startingLamports
	recorded.PostBalances[0] = startingLamports - 5000

	for _, compiled := range tx.Message.Instructions {
		inst := svm.Instruction{
			ProgramID: keys[compiled.ProgramIDIndex],
			Accounts:  compiled.Accounts,
			Data:      compiled.Data,
		}
		recorded.Instructions = append(recorded.Instructions, inst)

		switch {
		case inst.ProgramID.Equals(solana.SystemProgramID) && len(inst.Data) >= 12 && binary.LittleEndian.Uint32(inst.Data) == 2:
			lamports := binary.LittleEndian.Uint64(inst.Data[4:])
			from, to := inst.Accounts[0], inst.Accounts[1]
			recorded.PostBalances[from] -= lamports
			recorded.PostBalances[to] += lamports

		case inst.ProgramID.Equals(solana.SPLAssociatedTokenAccountProgramID) && len(inst.Accounts) >= 6:
			ata := keys[inst.Accounts[1]]
			if _, exists := l.accounts[ata]; !exists {
				owner, mint, program := keys[inst.Accounts[2]], keys[inst.Accounts[3]], keys[inst.Accounts[5]]
				l.accounts[ata] = &svm.Account{
					Owner:    program,
					Lamports: 2_039_280,
					Data:     svm.EncodeTokenAccount(mint, owner, 0),
				}
			}
		}
	}

	l.transactions[sig] = recorded
}

// SignatureStatus implements svm.Ledger.
func (l *Ledger) SignatureStatus(_ context.Context, sig solana.Signature) (*svm.SignatureStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	return l.statuses[sig], nil
}

// Transaction implements svm.Ledger.
func (l *Ledger) Transaction(_ context.Context, sig solana.Signature) (*svm.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.TransactionCalls++
	if l.Err != nil {
		return nil, l.Err
	}
	tx, ok := l.transactions[sig]
	if !ok {
		return nil, svm.ErrTransactionNotFound
	}
	return tx, nil
}

// Account implements svm.Ledger.
func (l *Ledger) Account(_ context.Context, address solana.PublicKey) (*svm.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	if l.AccountErr != nil {
		return nil, l.AccountErr
	}
	account, ok := l.accounts[address]
	if !ok {
		return nil, svm.ErrAccountNotFound
	}
	return account, nil
}

// ProgramAccounts implements svm.Ledger.
func (l *Ledger) ProgramAccounts(_ context.Context, program solana.PublicKey, filters ...svm.MemcmpFilter) ([]svm.KeyedAccount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}

	var out []svm.KeyedAccount
	for _, keyed := range l.programAccounts[program] {
		if matches(keyed.Account.Data, filters) {
			out = append(out, keyed)
		}
	}
	return out, nil
}

func matches(data []byte, filters []svm.MemcmpFilter) bool {
	for _, f := range filters {
		end := f.Offset + uint64(len(f.Bytes))
		if end > uint64(len(data)) || !bytes.Equal(data[f.Offset:end], f.Bytes) {
			return false
		}
	}
	return true
}
