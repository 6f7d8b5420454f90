package attestation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	spl402 "github.com/astrohackerx/spl402-sub000"
	"github.com/astrohackerx/spl402-sub000/mechanisms/svm"
)

// Attestation payload field names
const (
	FieldWallet      = "wallet"
	FieldEndpoint    = "endpoint"
	FieldDescription = "description"
	FieldContact     = "contact"
)

// Config pins the attestation records a Directory trusts.
type Config struct {
	// Program defaults to ProgramID.
	Program    solana.PublicKey
	Credential solana.PublicKey
	Schema     solana.PublicKey
}

// Directory lists servers attested under one credential and schema on one
// network. It holds no state between calls.
type Directory struct {
	ledger       svm.Ledger
	cfg          Config
	logger       *zap.Logger
	httpClient   *http.Client
	fetchTimeout time.Duration
	now          func() time.Time
}

// Option configures a Directory.
type Option func(*Directory)

// WithLogger sets the logger used for skipped records and failed metadata fetches.
func WithLogger(l *zap.Logger) Option {
	return func(d *Directory) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithHTTPClient sets the client used for metadata fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Directory) {
		if c != nil {
			d.httpClient = c
		}
	}
}

// WithFetchTimeout overrides spl402.MetadataFetchTimeout.
func WithFetchTimeout(t time.Duration) Option {
	return func(d *Directory) {
		if t > 0 {
			d.fetchTimeout = t
		}
	}
}

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDirectory creates a Directory reading through ledger.
func NewDirectory(ledger svm.Ledger, cfg Config, opts ...Option) (*Directory, error) {
	if cfg.Program.IsZero() {
		cfg.Program = ProgramID
	}
	if cfg.Credential.IsZero() {
		return nil, errors.New("spl402: attestation credential is required")
	}
	if cfg.Schema.IsZero() {
		return nil, errors.New("spl402: attestation schema is required")
	}

	d := &Directory{
		ledger:       ledger,
		cfg:          cfg,
		logger:       zap.NewNop(),
		httpClient:   http.DefaultClient,
		fetchTimeout: spl402.MetadataFetchTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Discover returns every live attested server, ordered by attestation address.
func (d *Directory) Discover(ctx context.Context) ([]spl402.VerifiedServer, error) {
	accounts, err := d.ledger.ProgramAccounts(ctx, d.cfg.Program,
		svm.MemcmpFilter{Offset: AttestationCredentialOffset, Bytes: d.cfg.Credential.Bytes()},
		svm.MemcmpFilter{Offset: AttestationSchemaOffset, Bytes: d.cfg.Schema.Bytes()},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan attestations: %w", err)
	}

	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].Address.String() < accounts[j].Address.String()
	})

	schemas := make(map[solana.PublicKey]*Schema)
	servers := make([]spl402.VerifiedServer, 0, len(accounts))
	for _, keyed := range accounts {
		server, err := d.decode(ctx, keyed.Address, keyed.Account, schemas)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			d.logger.Debug("skipping attestation",
				zap.String("attestation", keyed.Address.String()),
				zap.Error(err),
			)
			continue
		}
		servers = append(servers, *server)
	}
	return servers, nil
}

// GetByPDA loads one attestation by address. It returns
// spl402.ErrRecordNotFound when the account is absent, expired or not an
// SPL-402 record.
func (d *Directory) GetByPDA(ctx context.Context, pda string) (*spl402.VerifiedServer, error) {
	address, err := solana.PublicKeyFromBase58(pda)
	if err != nil {
		return nil, fmt.Errorf("invalid attestation address: %w", err)
	}

	account, err := d.ledger.Account(ctx, address)
	if errors.Is(err, svm.ErrAccountNotFound) {
		return nil, spl402.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if !account.Owner.Equals(d.cfg.Program) {
		return nil, spl402.ErrRecordNotFound
	}

	server, err := d.decode(ctx, address, account, make(map[solana.PublicKey]*Schema))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d.logger.Debug("attestation not usable", zap.String("attestation", pda), zap.Error(err))
		return nil, spl402.ErrRecordNotFound
	}
	return server, nil
}

// CheckByWallet looks up a server by wallet address, ignoring case.
func (d *Directory) CheckByWallet(ctx context.Context, wallet string) (*spl402.VerificationStatus, error) {
	return d.check(ctx, func(s *spl402.VerifiedServer) bool {
		return strings.EqualFold(s.Wallet, wallet)
	})
}

// CheckByEndpoint looks up a server by endpoint URL, ignoring case and one
// trailing slash.
func (d *Directory) CheckByEndpoint(ctx context.Context, endpoint string) (*spl402.VerificationStatus, error) {
	want := normalizeEndpoint(endpoint)
	return d.check(ctx, func(s *spl402.VerifiedServer) bool {
		return strings.EqualFold(normalizeEndpoint(s.Endpoint), want)
	})
}

func (d *Directory) check(ctx context.Context, match func(*spl402.VerifiedServer) bool) (*spl402.VerificationStatus, error) {
	servers, err := d.Discover(ctx)
	if err != nil {
		return nil, err
	}
	for i := range servers {
		if match(&servers[i]) {
			return &spl402.VerificationStatus{IsVerified: true, Data: &servers[i]}, nil
		}
	}
	return &spl402.VerificationStatus{IsVerified: false}, nil
}

func normalizeEndpoint(endpoint string) string {
	return strings.TrimSuffix(strings.TrimSpace(endpoint), "/")
}

// decode turns one attestation account into a server record. schemas caches
// decoded schema accounts for the duration of a single call.
func (d *Directory) decode(ctx context.Context, address solana.PublicKey, account *svm.Account, schemas map[solana.PublicKey]*Schema) (*spl402.VerifiedServer, error) {
	att, err := DecodeAttestation(account.Data)
	if err != nil {
		return nil, err
	}
	if !att.Credential.Equals(d.cfg.Credential) || !att.Schema.Equals(d.cfg.Schema) {
		return nil, errors.New("attestation issued under a different credential or schema")
	}
	if att.Expired(d.now().Unix()) {
		return nil, fmt.Errorf("attestation expired at %d", att.Expiry)
	}

	schema, ok := schemas[att.Schema]
	if !ok {
		schemaAccount, err := d.ledger.Account(ctx, att.Schema)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch schema: %w", err)
		}
		schema, err = DecodeSchema(schemaAccount.Data)
		if err != nil {
			return nil, err
		}
		schemas[att.Schema] = schema
	}

	fields, err := schema.DecodeData(att.Data)
	if err != nil {
		return nil, err
	}

	server := &spl402.VerifiedServer{
		Wallet:         stringField(fields, FieldWallet),
		Endpoint:       stringField(fields, FieldEndpoint),
		Description:    stringField(fields, FieldDescription),
		Contact:        stringField(fields, FieldContact),
		AttestationPDA: address.String(),
	}
	if server.Wallet == "" {
		server.Wallet = att.Nonce.String()
	}
	if server.Endpoint == "" {
		return nil, errors.New("attestation has no endpoint")
	}
	return server, nil
}

func stringField(fields map[string]any, name string) string {
	s, _ := fields[name].(string)
	return s
}
