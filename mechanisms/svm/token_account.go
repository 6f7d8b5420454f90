package svm

import (
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
)

var ErrNotTokenTransfer = errors.New("svm: not a token transfer instruction")

// TokenAccount is the prefix of an SPL token account shared by both token
// programs.
type TokenAccount struct {
	Mint   solana.PublicKey
	Owner  solana.PublicKey
	Amount uint64
}

// DecodeTokenAccount reads mint, owner and amount from raw account data.
//
// Layout:
//
//	[0..32)   mint   Pubkey
//	[32..64)  owner  Pubkey
//	[64..72)  amount U64 LE
func DecodeTokenAccount(data []byte) (*TokenAccount, error) {
	if len(data) < TokenAccountAmountOffset+8 {
		return nil, fmt.Errorf("token account data too short: need ≥%d bytes, got %d", TokenAccountAmountOffset+8, len(data))
	}

	dec := bin.NewBinDecoder(data)
	mint, err := dec.ReadNBytes(solana.PublicKeyLength)
	if err != nil {
		return nil, fmt.Errorf("failed to read mint: %w", err)
	}
	owner, err := dec.ReadNBytes(solana.PublicKeyLength)
	if err != nil {
		return nil, fmt.Errorf("failed to read owner: %w", err)
	}
	amount, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return nil, fmt.Errorf("failed to read amount: %w", err)
	}

	return &TokenAccount{
		Mint:   solana.PublicKeyFromBytes(mint),
		Owner:  solana.PublicKeyFromBytes(owner),
		Amount: amount,
	}, nil
}

// TokenTransfer is a decoded Transfer or TransferChecked instruction.
type TokenTransfer struct {
	Opcode uint8
	Amount uint64
	// Decimals is set for TransferChecked only.
	Decimals *uint8
	// Destination is an index into the transaction's account keys.
	Destination uint16
	// Mint is an index into the transaction's account keys, set for
	// TransferChecked only.
	Mint *uint16
}

// DecodeTokenTransfer decodes an instruction's data and accounts.
//
// Transfer (3):          accounts [source, destination, owner],        data [3, amount u64]
// TransferChecked (12):  accounts [source, mint, destination, owner],  data [12, amount u64, decimals u8]
func DecodeTokenTransfer(inst Instruction) (*TokenTransfer, error) {
	if len(inst.Data) == 0 {
		return nil, ErrNotTokenTransfer
	}

	dec := bin.NewBinDecoder(inst.Data)
	opcode, err := dec.ReadUint8()
	if err != nil {
		return nil, ErrNotTokenTransfer
	}

	switch opcode {
	case TokenInstructionTransfer:
		if len(inst.Accounts) < 3 {
			return nil, fmt.Errorf("transfer instruction has %d accounts, need 3", len(inst.Accounts))
		}
		amount, err := dec.ReadUint64(bin.LE)
		if err != nil {
			return nil, fmt.Errorf("failed to read transfer amount: %w", err)
		}
		return &TokenTransfer{
			Opcode:      opcode,
			Amount:      amount,
			Destination: inst.Accounts[1],
		}, nil

	case TokenInstructionTransferChecked:
		if len(inst.Accounts) < 4 {
			return nil, fmt.Errorf("transferChecked instruction has %d accounts, need 4", len(inst.Accounts))
		}
		amount, err := dec.ReadUint64(bin.LE)
		if err != nil {
			return nil, fmt.Errorf("failed to read transferChecked amount: %w", err)
		}
		decimals, err := dec.ReadUint8()
		if err != nil {
			return nil, fmt.Errorf("failed to read transferChecked decimals: %w", err)
		}
		mint := inst.Accounts[1]
		return &TokenTransfer{
			Opcode:      opcode,
			Amount:      amount,
			Decimals:    &decimals,
			Destination: inst.Accounts[2],
			Mint:        &mint,
		}, nil
	}

	return nil, ErrNotTokenTransfer
}

// FindTokenTransfer returns the first well-formed top-level Transfer or
// TransferChecked instruction executed by programID. When none decodes, the
// first decoding error is returned, or ErrNotTokenTransfer if there was none.
func FindTokenTransfer(tx *Transaction, programID solana.PublicKey) (*TokenTransfer, error) {
	var malformed error
	for _, inst := range tx.Instructions {
		if !inst.ProgramID.Equals(programID) {
			continue
		}
		transfer, err := DecodeTokenTransfer(inst)
		if errors.Is(err, ErrNotTokenTransfer) {
			continue
		}
		if err != nil {
			if malformed == nil {
				malformed = err
			}
			continue
		}
		return transfer, nil
	}
	if malformed != nil {
		return nil, malformed
	}
	return nil, ErrNotTokenTransfer
}

// EncodeTokenAccount builds the 165 byte account data for a token account.
// Remaining fields are zero (initialized state is not set).
func EncodeTokenAccount(mint, owner solana.PublicKey, amount uint64) []byte {
	data := make([]byte, TokenAccountMinSize)
	copy(data[TokenAccountMintOffset:], mint[:])
	copy(data[TokenAccountOwnerOffset:], owner[:])
	bin.LE.PutUint64(data[TokenAccountAmountOffset:], amount)
	return data
}
