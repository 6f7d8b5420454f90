package attestation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	spl402 "github.com/astrohackerx/spl402-sub000"
	"github.com/astrohackerx/spl402-sub000/test/mocks/ledger"
)

var testNow = time.Unix(1_700_000_000, 0)

type directoryFixture struct {
	ledger     *ledger.Ledger
	credential solana.PublicKey
	schema     solana.PublicKey
	directory  *Directory
}

func newDirectoryFixture(t *testing.T, opts ...Option) *directoryFixture {
	t.Helper()
	f := &directoryFixture{
		ledger:     ledger.New(),
		credential: solana.NewWallet().PublicKey(),
		schema:     solana.NewWallet().PublicKey(),
	}

	schemaData, err := EncodeSchema(serverSchema(f.credential))
	require.NoError(t, err)
	f.ledger.AddProgramAccount(ProgramID, f.schema, schemaData)

	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	f.directory, err = NewDirectory(f.ledger, Config{Credential: f.credential, Schema: f.schema}, opts...)
	require.NoError(t, err)
	return f
}

type serverRecord struct {
	wallet, endpoint, description, contact string
	expiry                                 int64
}

// attest registers a server attestation and returns its address.
func (f *directoryFixture) attest(t *testing.T, r serverRecord) solana.PublicKey {
	t.Helper()
	nonce := solana.NewWallet().PublicKey()

	payload, err := serverSchema(f.credential).EncodeData(map[string]any{
		FieldWallet:      r.wallet,
		FieldEndpoint:    r.endpoint,
		FieldDescription: r.description,
		FieldContact:     r.contact,
	})
	require.NoError(t, err)

	data, err := EncodeAttestation(&Attestation{
		Nonce:      nonce,
		Credential: f.credential,
		Schema:     f.schema,
		Data:       payload,
		Signer:     solana.NewWallet().PublicKey(),
		Expiry:     r.expiry,
	})
	require.NoError(t, err)

	address, _, err := DeriveAttestation(ProgramID, f.credential, f.schema, nonce)
	require.NoError(t, err)
	f.ledger.AddProgramAccount(ProgramID, address, data)
	return address
}

func TestNewDirectoryRequiresCredentialAndSchema(t *testing.T) {
	_, err := NewDirectory(ledger.New(), Config{Schema: solana.NewWallet().PublicKey()})
	assert.Error(t, err)

	_, err = NewDirectory(ledger.New(), Config{Credential: solana.NewWallet().PublicKey()})
	assert.Error(t, err)
}

func TestDiscover(t *testing.T) {
	f := newDirectoryFixture(t)
	wallet := solana.NewWallet().PublicKey().String()
	pda := f.attest(t, serverRecord{
		wallet:      wallet,
		endpoint:    "https://api.example.com",
		description: "Weather data",
		contact:     "ops@example.com",
	})

	servers, err := f.directory.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, spl402.VerifiedServer{
		Wallet:         wallet,
		Endpoint:       "https://api.example.com",
		Description:    "Weather data",
		Contact:        "ops@example.com",
		AttestationPDA: pda.String(),
	}, servers[0])
}

func TestDiscoverSkipsUnusableRecords(t *testing.T) {
	f := newDirectoryFixture(t)
	f.attest(t, serverRecord{wallet: "w1", endpoint: "https://live.example.com"})
	f.attest(t, serverRecord{wallet: "w2", endpoint: "https://expired.example.com", expiry: testNow.Unix() - 1})
	f.attest(t, serverRecord{wallet: "w3", endpoint: "https://future.example.com", expiry: testNow.Unix() + 60})

	// Garbage behind a matching filter prefix.
	garbage := make([]byte, AttestationDataOffset+2)
	garbage[0] = DiscriminatorAttestation
	copy(garbage[AttestationCredentialOffset:], f.credential[:])
	copy(garbage[AttestationSchemaOffset:], f.schema[:])
	f.ledger.AddProgramAccount(ProgramID, solana.NewWallet().PublicKey(), garbage)

	// A record under another credential is filtered out by the scan.
	other := solana.NewWallet().PublicKey()
	data, err := EncodeAttestation(&Attestation{Credential: other, Schema: f.schema})
	require.NoError(t, err)
	f.ledger.AddProgramAccount(ProgramID, solana.NewWallet().PublicKey(), data)

	servers, err := f.directory.Discover(context.Background())
	require.NoError(t, err)

	var endpoints []string
	for _, s := range servers {
		endpoints = append(endpoints, s.Endpoint)
	}
	assert.ElementsMatch(t, []string{"https://live.example.com", "https://future.example.com"}, endpoints)
}

func TestDiscoverIsDeterministic(t *testing.T) {
	f := newDirectoryFixture(t)
	for _, endpoint := range []string{"https://a.example.com", "https://b.example.com", "https://c.example.com"} {
		f.attest(t, serverRecord{wallet: solana.NewWallet().PublicKey().String(), endpoint: endpoint})
	}

	first, err := f.directory.Discover(context.Background())
	require.NoError(t, err)
	second, err := f.directory.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first, 3)
}

func TestDiscoverLedgerError(t *testing.T) {
	f := newDirectoryFixture(t)
	f.ledger.Err = assert.AnError

	_, err := f.directory.Discover(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}

func TestCheckByWallet(t *testing.T) {
	f := newDirectoryFixture(t)
	wallet := solana.NewWallet().PublicKey().String()
	f.attest(t, serverRecord{wallet: wallet, endpoint: "https://api.example.com"})

	status, err := f.directory.CheckByWallet(context.Background(), wallet)
	require.NoError(t, err)
	assert.True(t, status.IsVerified)
	require.NotNil(t, status.Data)
	assert.Equal(t, "https://api.example.com", status.Data.Endpoint)

	status, err = f.directory.CheckByWallet(context.Background(), solana.NewWallet().PublicKey().String())
	require.NoError(t, err)
	assert.False(t, status.IsVerified)
	assert.Nil(t, status.Data)
}

func TestCheckByEndpoint(t *testing.T) {
	f := newDirectoryFixture(t)
	f.attest(t, serverRecord{wallet: "w", endpoint: "https://API.example.com/"})

	for _, endpoint := range []string{
		"https://api.example.com",
		"https://api.example.com/",
		"HTTPS://API.EXAMPLE.COM",
	} {
		status, err := f.directory.CheckByEndpoint(context.Background(), endpoint)
		require.NoError(t, err)
		assert.True(t, status.IsVerified, endpoint)
	}

	status, err := f.directory.CheckByEndpoint(context.Background(), "https://api.example.com/v1")
	require.NoError(t, err)
	assert.False(t, status.IsVerified)
}

func TestGetByPDA(t *testing.T) {
	f := newDirectoryFixture(t)
	pda := f.attest(t, serverRecord{wallet: "w", endpoint: "https://api.example.com"})

	server, err := f.directory.GetByPDA(context.Background(), pda.String())
	require.NoError(t, err)
	assert.Equal(t, pda.String(), server.AttestationPDA)

	_, err = f.directory.GetByPDA(context.Background(), solana.NewWallet().PublicKey().String())
	assert.ErrorIs(t, err, spl402.ErrRecordNotFound)

	// The schema account is owned by the program but is not an attestation.
	_, err = f.directory.GetByPDA(context.Background(), f.schema.String())
	assert.ErrorIs(t, err, spl402.ErrRecordNotFound)

	_, err = f.directory.GetByPDA(context.Background(), "not-an-address")
	assert.Error(t, err)
}

func TestDiscoverWithMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != spl402.WellKnownPath {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(spl402.ServerMetadata{
			Version: spl402.MetadataVersion,
			Wallet:  "w",
			Network: spl402.NetworkDevnet,
			Scheme:  spl402.SchemeTransfer,
			Routes:  []spl402.RouteMetadata{{Path: "/api/data", Method: "GET", Price: "0.001"}},
		})
	}))
	defer srv.Close()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer slow.Close()

	f := newDirectoryFixture(t, WithFetchTimeout(50*time.Millisecond))
	f.attest(t, serverRecord{wallet: "good", endpoint: srv.URL + "/"})
	f.attest(t, serverRecord{wallet: "slow", endpoint: slow.URL})
	f.attest(t, serverRecord{wallet: "down", endpoint: "http://127.0.0.1:1"})

	servers, err := f.directory.DiscoverWithMetadata(context.Background())
	require.NoError(t, err)
	require.Len(t, servers, 3)

	byWallet := map[string]spl402.VerifiedServer{}
	for _, s := range servers {
		byWallet[s.Wallet] = s
	}
	require.NotNil(t, byWallet["good"].Metadata)
	assert.Equal(t, spl402.NetworkDevnet, byWallet["good"].Metadata.Network)
	require.Len(t, byWallet["good"].Metadata.Routes, 1)
	assert.Nil(t, byWallet["slow"].Metadata)
	assert.Nil(t, byWallet["down"].Metadata)
}
