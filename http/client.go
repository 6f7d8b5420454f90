package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	spl402 "github.com/astrohackerx/spl402-sub000"
	"github.com/astrohackerx/spl402-sub000/mechanisms/svm"
	"github.com/astrohackerx/spl402-sub000/mechanisms/svm/client"
)

// Overrides replace parts of a server's requirement before paying, letting
// a client force a payment method.
type Overrides struct {
	Scheme       spl402.Scheme
	Mint         string
	Decimals     *uint8
	TokenProgram spl402.TokenProgram
}

// Apply returns req with the overrides applied. Forcing the transfer scheme
// drops any token fields.
func (o *Overrides) Apply(req spl402.PaymentRequirement) spl402.PaymentRequirement {
	if o == nil {
		return req
	}
	if o.Scheme != "" {
		req.Scheme = o.Scheme
	}
	if req.Scheme == spl402.SchemeTransfer {
		req.Mint = ""
		req.Decimals = nil
		req.TokenProgram = ""
		return req
	}
	if o.Mint != "" {
		req.Mint = o.Mint
	}
	if o.Decimals != nil {
		d := *o.Decimals
		req.Decimals = &d
	}
	if o.TokenProgram != "" {
		req.TokenProgram = o.TokenProgram
	}
	return req
}

// Client performs requests against SPL-402 servers, paying once when
// challenged.
type Client struct {
	constructor *client.Constructor
	httpClient  *http.Client
	logger      *zap.Logger
	now         func() time.Time
	gateProof   bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the client used to send requests.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// WithClientLogger sets the client logger.
func WithClientLogger(l *zap.Logger) ClientOption {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// WithGateProof signs a wallet proof onto every request when the signer can
// sign messages, so token-gated routes can authorize the wallet.
func WithGateProof(enabled bool) ClientOption {
	return func(cl *Client) {
		cl.gateProof = enabled
	}
}

// WithClientClock overrides the clock used for wallet proofs.
func WithClientClock(now func() time.Time) ClientOption {
	return func(cl *Client) {
		if now != nil {
			cl.now = now
		}
	}
}

// NewClient creates a Client paying through constructor.
func NewClient(constructor *client.Constructor, opts ...ClientOption) *Client {
	c := &Client{
		constructor: constructor,
		httpClient:  http.DefaultClient,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MakeRequest sends req. A non-402 response is returned unchanged. On 402 the
// requirement is read from the response, overrides are applied, one payment
// is constructed and the request is replayed once with the payment attached.
func (c *Client) MakeRequest(ctx context.Context, req *http.Request, signer svm.ClientSvmSigner, overrides *Overrides) (*http.Response, error) {
	return c.do(ctx, req, signer, overrides, c.httpClient.Do)
}

func (c *Client) do(
	ctx context.Context,
	req *http.Request,
	signer svm.ClientSvmSigner,
	overrides *Overrides,
	send func(*http.Request) (*http.Response, error),
) (*http.Response, error) {
	body, err := snapshotBody(req)
	if err != nil {
		return nil, err
	}

	first := cloneRequest(ctx, req, body)
	if err := c.attachGateProof(ctx, first, signer); err != nil {
		return nil, err
	}

	resp, err := send(first)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	requirement, err := readRequirement(resp)
	if err != nil {
		return nil, spl402.NewPaymentError(spl402.CodeInvalidRequirement, "cannot read payment requirement", err)
	}
	effective := overrides.Apply(*requirement)

	payload, err := c.constructor.Construct(ctx, effective, signer)
	if err != nil {
		return nil, spl402.NewPaymentError(spl402.CodePaymentFailed, "failed to create payment", err)
	}
	header, err := EncodePaymentHeader(payload)
	if err != nil {
		return nil, err
	}
	c.logger.Info("retrying with payment",
		zap.String("url", req.URL.String()),
		zap.String("signature", payload.Payload.Transfer().Signature),
	)

	paid := cloneRequest(ctx, req, body)
	if err := c.attachGateProof(ctx, paid, signer); err != nil {
		return nil, err
	}
	paid.Header.Set(spl402.HeaderPayment, header)
	return send(paid)
}

func (c *Client) attachGateProof(ctx context.Context, req *http.Request, signer svm.ClientSvmSigner) error {
	if !c.gateProof {
		return nil
	}
	ms, ok := signer.(svm.MessageSigner)
	if !ok {
		return nil
	}
	headers, err := SignGateProof(ctx, ms, req.Method, req.URL.EscapedPath(), c.now())
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return nil
}

// readRequirement extracts the requirement from a 402 response and closes
// its body. The header is preferred; the JSON body is the fallback.
func readRequirement(resp *http.Response) (*spl402.PaymentRequirement, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read 402 response body: %w", err)
	}

	if header := resp.Header.Get(spl402.HeaderPaymentRequired); header != "" {
		return DecodeRequirementHeader(header)
	}

	var body struct {
		Requirement *spl402.PaymentRequirement `json:"requirement"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Requirement == nil {
		return nil, fmt.Errorf("%w: no payment requirement in 402 response", spl402.ErrInvalidRequirement)
	}
	return body.Requirement, nil
}

func snapshotBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return data, nil
}

func cloneRequest(ctx context.Context, req *http.Request, body []byte) *http.Request {
	out := req.Clone(ctx)
	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.ContentLength = int64(len(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	return out
}

// PaymentRoundTripper pays for 402 responses transparently.
type PaymentRoundTripper struct {
	Transport http.RoundTripper
	Client    *Client
	Signer    svm.ClientSvmSigner
	Overrides *Overrides
}

// RoundTrip implements http.RoundTripper.
func (t *PaymentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	transport := t.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return t.Client.do(req.Context(), req, t.Signer, t.Overrides, transport.RoundTrip)
}

// WrapHTTPClient returns a copy of hc whose transport pays for 402
// responses with signer.
func (c *Client) WrapHTTPClient(hc *http.Client, signer svm.ClientSvmSigner, overrides *Overrides) *http.Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	wrapped := *hc
	wrapped.Transport = &PaymentRoundTripper{
		Transport: hc.Transport,
		Client:    c,
		Signer:    signer,
		Overrides: overrides,
	}
	return &wrapped
}
