package svm

import (
	"context"
	"fmt"

	solana "github.com/gagliardetto/solana-go"

	spl402svm "github.com/astrohackerx/spl402-sub000/mechanisms/svm"
)

// SignTransactionFunc defines the callback used to sign Solana transactions.
type SignTransactionFunc func(ctx context.Context, tx *solana.Transaction) error

// SignMessageFunc defines the callback used to sign arbitrary messages.
type SignMessageFunc func(ctx context.Context, message []byte) (solana.Signature, error)

// ClientSigner implements spl402svm.ClientSvmSigner using signing callbacks.
type ClientSigner struct {
	publicKey       solana.PublicKey
	signTransaction SignTransactionFunc
	signMessage     SignMessageFunc
}

var (
	_ spl402svm.ClientSvmSigner = (*ClientSigner)(nil)
	_ spl402svm.MessageSigner   = (*ClientSigner)(nil)
)

// NewClientSigner creates a client signer from a public key and signing
// callbacks. signMessage may be nil when the wallet cannot sign messages;
// such a signer cannot produce token-gate proofs.
func NewClientSigner(publicKey solana.PublicKey, signTx SignTransactionFunc, signMessage SignMessageFunc) (*ClientSigner, error) {
	if publicKey.IsZero() {
		return nil, fmt.Errorf("public key is required")
	}
	if signTx == nil {
		return nil, fmt.Errorf("sign callback is required")
	}

	return &ClientSigner{
		publicKey:       publicKey,
		signTransaction: signTx,
		signMessage:     signMessage,
	}, nil
}

// NewClientSignerFromPrivateKey creates a client signer from a base58-encoded private key.
//
// Example:
//
//	signer, err := svm.NewClientSignerFromPrivateKey(os.Getenv("SOLANA_PRIVATE_KEY"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	payload, err := constructor.Construct(ctx, requirement, signer)
func NewClientSignerFromPrivateKey(privateKeyBase58 string) (*ClientSigner, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewClientSignerFromKey(privateKey)
}

// NewClientSignerFromKey creates a client signer holding privateKey in memory.
func NewClientSignerFromKey(privateKey solana.PrivateKey) (*ClientSigner, error) {
	signTx := func(ctx context.Context, tx *solana.Transaction) error {
		return signTransactionWithPrivateKey(ctx, privateKey, tx)
	}
	signMessage := func(_ context.Context, message []byte) (solana.Signature, error) {
		return privateKey.Sign(message)
	}
	return NewClientSigner(privateKey.PublicKey(), signTx, signMessage)
}

// Address returns the Solana public key of the signer.
func (s *ClientSigner) Address() solana.PublicKey {
	return s.publicKey
}

// SignTransaction adds the signer's signature to tx at its account index.
func (s *ClientSigner) SignTransaction(ctx context.Context, tx *solana.Transaction) error {
	return s.signTransaction(ctx, tx)
}

// SignMessage signs message with the wallet key.
func (s *ClientSigner) SignMessage(ctx context.Context, message []byte) (solana.Signature, error) {
	if s.signMessage == nil {
		return solana.Signature{}, fmt.Errorf("signer %s cannot sign messages", s.publicKey)
	}
	return s.signMessage(ctx, message)
}

func signTransactionWithPrivateKey(_ context.Context, privateKey solana.PrivateKey, tx *solana.Transaction) error {
	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	signature, err := privateKey.Sign(messageBytes)
	if err != nil {
		return fmt.Errorf("failed to sign: %w", err)
	}

	accountIndex, err := tx.GetAccountIndex(privateKey.PublicKey())
	if err != nil {
		return fmt.Errorf("failed to get account index: %w", err)
	}
	if int(accountIndex) >= int(tx.Message.Header.NumRequiredSignatures) {
		return fmt.Errorf("signer %s is not a required signer", privateKey.PublicKey())
	}

	// Signatures are positional: one slot per required signer.
	if len(tx.Signatures) < int(tx.Message.Header.NumRequiredSignatures) {
		signatures := make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
		copy(signatures, tx.Signatures)
		tx.Signatures = signatures
	}
	tx.Signatures[accountIndex] = signature

	return nil
}
