package http

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	solana "github.com/gagliardetto/solana-go"

	spl402 "github.com/astrohackerx/spl402-sub000"
	"github.com/astrohackerx/spl402-sub000/mechanisms/svm"
)

// GateProofDomain prefixes every signed wallet proof message.
const GateProofDomain = "spl402-gate"

var (
	errMissingWalletProof = errors.New("wallet proof headers are missing")
	errInvalidWalletProof = errors.New("wallet proof is invalid")
)

// WalletProof is a signed claim of wallet ownership sent with requests to
// token-gated routes.
type WalletProof struct {
	Wallet    solana.PublicKey
	Timestamp int64
	Signature solana.Signature
}

// GateProofMessage is the message a wallet signs to access method and path at
// timestamp (unix milliseconds).
func GateProofMessage(method, path string, timestamp int64) []byte {
	return []byte(fmt.Sprintf("%s:%s:%s:%d", GateProofDomain, strings.ToUpper(method), normalizePath(path), timestamp))
}

// SignGateProof signs a wallet proof for method and path and returns the
// headers to attach.
func SignGateProof(ctx context.Context, signer svm.MessageSigner, method, path string, now time.Time) (map[string]string, error) {
	if signer == nil || signer.Address().IsZero() {
		return nil, spl402.ErrWalletNotConnected
	}
	ts := now.UnixMilli()
	sig, err := signer.SignMessage(ctx, GateProofMessage(method, path, ts))
	if err != nil {
		return nil, fmt.Errorf("failed to sign wallet proof: %w", err)
	}
	return map[string]string{
		spl402.HeaderWalletAddress:   signer.Address().String(),
		spl402.HeaderWalletTimestamp: strconv.FormatInt(ts, 10),
		spl402.HeaderWalletSignature: sig.String(),
	}, nil
}

// parseWalletProof reads the proof headers. It returns errMissingWalletProof
// when no wallet address is present.
func parseWalletProof(header func(string) string) (*WalletProof, error) {
	address := header(spl402.HeaderWalletAddress)
	if address == "" {
		return nil, errMissingWalletProof
	}

	wallet, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("%w: address: %v", errInvalidWalletProof, err)
	}
	ts, err := strconv.ParseInt(header(spl402.HeaderWalletTimestamp), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp: %v", errInvalidWalletProof, err)
	}
	sig, err := solana.SignatureFromBase58(header(spl402.HeaderWalletSignature))
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", errInvalidWalletProof, err)
	}
	return &WalletProof{Wallet: wallet, Timestamp: ts, Signature: sig}, nil
}

// verify checks the signature over method and path and that the timestamp is
// within window of now.
func (p *WalletProof) verify(method, path string, now time.Time, window time.Duration) error {
	skew := now.Sub(time.UnixMilli(p.Timestamp))
	if skew < 0 {
		skew = -skew
	}
	if skew > window {
		return fmt.Errorf("%w: timestamp outside window", errInvalidWalletProof)
	}
	if !p.Signature.Verify(p.Wallet, GateProofMessage(method, path, p.Timestamp)) {
		return fmt.Errorf("%w: bad signature", errInvalidWalletProof)
	}
	return nil
}
