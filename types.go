package spl402

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Network identifies a Solana cluster.
type Network string

const (
	NetworkMainnet Network = "mainnet-beta"
	NetworkDevnet  Network = "devnet"
	NetworkTestnet Network = "testnet"
)

// Valid reports whether n is one of the canonical cluster names.
func (n Network) Valid() bool {
	switch n {
	case NetworkMainnet, NetworkDevnet, NetworkTestnet:
		return true
	}
	return false
}

// Scheme identifies how a payment is settled on the ledger.
type Scheme string

const (
	// SchemeTransfer is a native SOL transfer.
	SchemeTransfer Scheme = "transfer"
	// SchemeTokenTransfer is an SPL token transfer between associated token accounts.
	SchemeTokenTransfer Scheme = "token-transfer"
)

// TokenProgram selects the SPL token program variant.
type TokenProgram string

const (
	TokenProgramLegacy    TokenProgram = "spl-token"
	TokenProgramToken2022 TokenProgram = "token-2022"

	// TokenProgramLegacyName is an accepted spelling of TokenProgramLegacy.
	TokenProgramLegacyName TokenProgram = "legacy"
)

// Valid reports whether p is empty (legacy default) or a known variant.
func (p TokenProgram) Valid() bool {
	switch p {
	case "", TokenProgramLegacy, TokenProgramLegacyName, TokenProgramToken2022:
		return true
	}
	return false
}

// PaymentRequirement is the challenge a server sends with a 402 response.
// It is built fresh for every request and never persisted.
type PaymentRequirement struct {
	Amount       decimal.Decimal `json:"amount"`
	Recipient    string          `json:"recipient"`
	Network      Network         `json:"network"`
	Scheme       Scheme          `json:"scheme"`
	Mint         string          `json:"mint,omitempty"`
	Decimals     *uint8          `json:"decimals,omitempty"`
	TokenProgram TokenProgram    `json:"tokenProgram,omitempty"`
}

// MarshalJSON emits amount as a JSON number.
func (r PaymentRequirement) MarshalJSON() ([]byte, error) {
	type alias PaymentRequirement
	return json.Marshal(struct {
		alias
		Amount json.Number `json:"amount"`
	}{
		alias:  alias(r),
		Amount: json.Number(r.Amount.String()),
	})
}

// Validate checks the scheme-dependent shape of the requirement.
func (r *PaymentRequirement) Validate() error {
	if r.Amount.IsNegative() {
		return ErrNegativeAmount
	}
	if r.Recipient == "" {
		return ErrMissingRecipient
	}
	if !r.Network.Valid() {
		return fmt.Errorf("%w: %q", ErrUnsupportedNetwork, r.Network)
	}
	if !r.TokenProgram.Valid() {
		return fmt.Errorf("%w: %q", ErrUnsupportedTokenProgram, r.TokenProgram)
	}

	switch r.Scheme {
	case SchemeTransfer:
		if r.Mint != "" || r.Decimals != nil {
			return ErrUnexpectedMint
		}
	case SchemeTokenTransfer:
		if r.Mint == "" {
			return ErrMissingMint
		}
		if r.Decimals == nil {
			return ErrMissingDecimals
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedScheme, r.Scheme)
	}
	return nil
}

// Payload is the scheme-specific body of a PaymentPayload.
// It is implemented only by *TransferPayload and *TokenTransferPayload.
type Payload interface {
	Transfer() *TransferPayload
	isPayload()
}

// TransferPayload describes a native transfer. Signature is the ledger
// transaction id; it is the only field that is checked against the ledger.
type TransferPayload struct {
	From      string          `json:"from"`
	To        string          `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
	Signature string          `json:"signature"`
	Timestamp int64           `json:"timestamp"`
}

func (p *TransferPayload) Transfer() *TransferPayload { return p }
func (*TransferPayload) isPayload()                   {}

// TokenTransferPayload describes an SPL token transfer.
type TokenTransferPayload struct {
	TransferPayload
	Mint string `json:"mint"`
}

func (p *TokenTransferPayload) Transfer() *TransferPayload { return &p.TransferPayload }
func (*TokenTransferPayload) isPayload()                   {}

// PaymentPayload is what a client sends in the X-Payment header.
type PaymentPayload struct {
	Version int     `json:"spl402Version"`
	Scheme  Scheme  `json:"scheme"`
	Network Network `json:"network"`
	// Payload is nil when Scheme is not recognised.
	Payload Payload `json:"payload"`
}

type wirePayload struct {
	From      string      `json:"from"`
	To        string      `json:"to"`
	Amount    json.Number `json:"amount"`
	Signature string      `json:"signature"`
	Timestamp int64       `json:"timestamp"`
	Mint      string      `json:"mint,omitempty"`
}

type wirePaymentPayload struct {
	Version int             `json:"spl402Version"`
	Scheme  Scheme          `json:"scheme"`
	Network Network         `json:"network"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalJSON flattens the sum type into the wire shape.
func (p PaymentPayload) MarshalJSON() ([]byte, error) {
	var body wirePayload
	if p.Payload != nil {
		t := p.Payload.Transfer()
		body = wirePayload{
			From:      t.From,
			To:        t.To,
			Amount:    json.Number(t.Amount.String()),
			Signature: t.Signature,
			Timestamp: t.Timestamp,
		}
		if tt, ok := p.Payload.(*TokenTransferPayload); ok {
			body.Mint = tt.Mint
		}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wirePaymentPayload{
		Version: p.Version,
		Scheme:  p.Scheme,
		Network: p.Network,
		Payload: raw,
	})
}

// UnmarshalJSON decodes the wire shape into the scheme-specific variant.
// Unknown schemes decode with a nil Payload so that verification can reject
// them in its own order.
func (p *PaymentPayload) UnmarshalJSON(data []byte) error {
	var wire wirePaymentPayload
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	p.Version = wire.Version
	p.Scheme = wire.Scheme
	p.Network = wire.Network
	p.Payload = nil

	if p.Scheme != SchemeTransfer && p.Scheme != SchemeTokenTransfer {
		return nil
	}
	if len(wire.Payload) == 0 || string(wire.Payload) == "null" {
		return fmt.Errorf("spl402: payload is required for scheme %q", p.Scheme)
	}

	var body wirePayload
	if err := json.Unmarshal(wire.Payload, &body); err != nil {
		return fmt.Errorf("spl402: invalid payload: %w", err)
	}

	amount := decimal.Zero
	if s := strings.TrimSpace(body.Amount.String()); s != "" {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("spl402: invalid payload amount: %w", err)
		}
		amount = d
	}

	transfer := TransferPayload{
		From:      body.From,
		To:        body.To,
		Amount:    amount,
		Signature: body.Signature,
		Timestamp: body.Timestamp,
	}
	if p.Scheme == SchemeTokenTransfer {
		p.Payload = &TokenTransferPayload{TransferPayload: transfer, Mint: body.Mint}
	} else {
		p.Payload = &transfer
	}
	return nil
}

// TokenGate grants access based on a wallet's token balance.
type TokenGate struct {
	Mint           string       `json:"mint"`
	MinimumBalance uint64       `json:"minimumBalance"`
	TokenProgram   TokenProgram `json:"tokenProgram,omitempty"`
}

// Route is a priced (or gated) path served by a resource server.
type Route struct {
	Path        string          `json:"path"`
	Method      string          `json:"method,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Description string          `json:"description,omitempty"`
	TokenGate   *TokenGate      `json:"tokenGate,omitempty"`
}

// NormalizedMethod returns the upper-cased method, defaulting to GET.
func (r Route) NormalizedMethod() string {
	if r.Method == "" {
		return "GET"
	}
	return strings.ToUpper(r.Method)
}

// VerifyResult is the outcome of a payment verification. Rejections are
// reported here rather than as errors so callers can show Reason to users.
type VerifyResult struct {
	Valid  bool       `json:"valid"`
	Code   ReasonCode `json:"code,omitempty"`
	Reason string     `json:"reason,omitempty"`
	TxHash string     `json:"txHash,omitempty"`
	Payer  string     `json:"payer,omitempty"`
	// Amount is the base-unit amount observed on the ledger.
	Amount uint64 `json:"amount,omitempty"`
}

// GateResult is the outcome of a token-gate evaluation. Balance and
// RequiredBalance are always populated once the wallet has been resolved.
type GateResult struct {
	Authorized      bool       `json:"authorized"`
	Code            ReasonCode `json:"code,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	Balance         uint64     `json:"balance"`
	RequiredBalance uint64     `json:"requiredBalance"`
}

// PaymentResponse is sent back in the X-Payment-Response header after a
// verified payment.
type PaymentResponse struct {
	TxHash  string  `json:"txHash"`
	Network Network `json:"network"`
}

// ServerInfo describes the operator of a resource server.
type ServerInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Contact     string `json:"contact,omitempty"`
}

// RouteMetadata is the public description of a route in the metadata document.
type RouteMetadata struct {
	Path        string      `json:"path"`
	Method      string      `json:"method"`
	Price       json.Number `json:"price"`
	Description string      `json:"description,omitempty"`
	TokenGate   *TokenGate  `json:"tokenGate,omitempty"`
}

// ServerMetadata is served at /.well-known/spl402.json.
type ServerMetadata struct {
	Version      string          `json:"version"`
	Server       *ServerInfo     `json:"server,omitempty"`
	Wallet       string          `json:"wallet"`
	Network      Network         `json:"network"`
	Scheme       Scheme          `json:"scheme"`
	Mint         string          `json:"mint,omitempty"`
	Decimals     *uint8          `json:"decimals,omitempty"`
	Routes       []RouteMetadata `json:"routes"`
	Capabilities []string        `json:"capabilities,omitempty"`
}

// VerifiedServer is a server record reconstructed from an on-chain attestation.
type VerifiedServer struct {
	Wallet         string          `json:"wallet"`
	Endpoint       string          `json:"endpoint"`
	Description    string          `json:"description"`
	Contact        string          `json:"contact"`
	AttestationPDA string          `json:"attestationPda"`
	Metadata       *ServerMetadata `json:"metadata,omitempty"`
}

// VerificationStatus is the result of a directory lookup.
type VerificationStatus struct {
	IsVerified bool            `json:"isVerified"`
	Data       *VerifiedServer `json:"data,omitempty"`
}
