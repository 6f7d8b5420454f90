package http

import (
	"context"
	"testing"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	spl402 "github.com/astrohackerx/spl402-sub000"
	svmsigner "github.com/astrohackerx/spl402-sub000/signers/svm"
)

func newTestSigner(t *testing.T) *svmsigner.ClientSigner {
	t.Helper()
	signer, err := svmsigner.NewClientSignerFromKey(solana.NewWallet().PrivateKey)
	require.NoError(t, err)
	return signer
}

func headerFunc(h map[string]string) func(string) string {
	return func(name string) string { return h[name] }
}

func TestGateProofMessage(t *testing.T) {
	assert.Equal(t, "spl402-gate:GET:/vip:1700000000000", string(GateProofMessage("get", "/vip/", 1_700_000_000_000)))
}

func TestWalletProofRoundTrip(t *testing.T) {
	signer := newTestSigner(t)
	now := time.UnixMilli(1_700_000_000_000)

	headers, err := SignGateProof(context.Background(), signer, "GET", "/vip", now)
	require.NoError(t, err)
	assert.Equal(t, signer.Address().String(), headers[spl402.HeaderWalletAddress])

	proof, err := parseWalletProof(headerFunc(headers))
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), proof.Wallet)

	assert.NoError(t, proof.verify("GET", "/vip", now.Add(4*time.Minute), spl402.PaymentWindow))
	assert.ErrorIs(t, proof.verify("GET", "/vip", now.Add(6*time.Minute), spl402.PaymentWindow), errInvalidWalletProof)
	assert.ErrorIs(t, proof.verify("POST", "/vip", now, spl402.PaymentWindow), errInvalidWalletProof)
	assert.ErrorIs(t, proof.verify("GET", "/other", now, spl402.PaymentWindow), errInvalidWalletProof)
}

func TestParseWalletProofErrors(t *testing.T) {
	_, err := parseWalletProof(headerFunc(nil))
	assert.ErrorIs(t, err, errMissingWalletProof)

	wallet := solana.NewWallet().PublicKey().String()
	_, err = parseWalletProof(headerFunc(map[string]string{
		spl402.HeaderWalletAddress:   wallet,
		spl402.HeaderWalletTimestamp: "soon",
	}))
	assert.ErrorIs(t, err, errInvalidWalletProof)

	_, err = parseWalletProof(headerFunc(map[string]string{
		spl402.HeaderWalletAddress:   wallet,
		spl402.HeaderWalletTimestamp: "1",
		spl402.HeaderWalletSignature: "not-a-signature",
	}))
	assert.ErrorIs(t, err, errInvalidWalletProof)
}

func TestSignGateProofRequiresWallet(t *testing.T) {
	_, err := SignGateProof(context.Background(), nil, "GET", "/vip", time.Now())
	assert.ErrorIs(t, err, spl402.ErrWalletNotConnected)
}
