package svm

import (
	"context"

	solana "github.com/gagliardetto/solana-go"
)

// ClientSvmSigner signs the payer side of a payment transaction.
type ClientSvmSigner interface {
	// Address returns the signer's public key, which pays the fee and funds the transfer.
	Address() solana.PublicKey

	// SignTransaction adds the signer's signature to tx.
	SignTransaction(ctx context.Context, tx *solana.Transaction) error
}

// MessageSigner signs arbitrary bytes with the wallet key. It is used for
// token-gate wallet proofs.
type MessageSigner interface {
	Address() solana.PublicKey
	SignMessage(ctx context.Context, message []byte) (solana.Signature, error)
}

// SignAndSender is implemented by wallets that submit transactions
// themselves. When a signer implements it the constructor hands over the
// transaction instead of submitting through the ledger.
type SignAndSender interface {
	SignAndSendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
}
