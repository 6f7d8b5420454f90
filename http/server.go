// Package http serves and consumes SPL-402 protected HTTP resources.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	spl402 "github.com/astrohackerx/spl402-sub000"
	"github.com/astrohackerx/spl402-sub000/mechanisms/svm/gate"
	"github.com/astrohackerx/spl402-sub000/mechanisms/svm/verifier"
)

// MetricsPath serves Prometheus metrics when the server has a gatherer.
const MetricsPath = "/metrics"

// HTTPAdapter exposes the parts of a framework request the server needs.
type HTTPAdapter interface {
	GetHeader(name string) string
	GetMethod() string
	GetPath() string
	GetURL() string
}

// HTTPRequestContext is one request to process. Path is the escaped request
// path, as returned by url.URL.EscapedPath.
type HTTPRequestContext struct {
	Adapter   HTTPAdapter
	Path      string
	Method    string
	RequestID string
}

// ResultType is the outcome of processing a request.
type ResultType string

const (
	ResultNoPaymentRequired ResultType = "no-payment-required"
	ResultPaymentVerified   ResultType = "payment-verified"
	ResultGateAuthorized    ResultType = "gate-authorized"
	ResultPaymentError      ResultType = "payment-error"
)

// HTTPResponseInstructions tells an adapter what to write when the request
// must not reach the handler.
type HTTPResponseInstructions struct {
	Status  int
	Headers map[string]string
	Body    any
}

// HTTPProcessResult is what ProcessHTTPRequest decided.
type HTTPProcessResult struct {
	Type       ResultType
	Resolution Resolution
	// Response is set when Type is ResultPaymentError.
	Response *HTTPResponseInstructions
	// Headers are added to the handler's response.
	Headers map[string]string
	Payment *spl402.VerifyResult
	Gate    *spl402.GateResult
}

// Server decides whether requests may proceed. It is safe for concurrent use.
type Server struct {
	routes         *RouteTable
	verifier       *verifier.Verifier
	gate           *gate.Evaluator
	info           *spl402.ServerInfo
	logger         *zap.Logger
	metricsHandler http.Handler
	now            func() time.Time
	proofWindow    time.Duration
	started        time.Time
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithGateEvaluator enables token-gated routes.
func WithGateEvaluator(e *gate.Evaluator) ServerOption {
	return func(s *Server) {
		s.gate = e
	}
}

// WithServerInfo sets the operator details published in the metadata document.
func WithServerInfo(info *spl402.ServerInfo) ServerOption {
	return func(s *Server) {
		s.info = info
	}
}

// WithGatherer exposes g on MetricsPath.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		if g != nil {
			s.metricsHandler = promhttp.HandlerFor(g, promhttp.HandlerOpts{})
		}
	}
}

// WithClock overrides the clock used for wallet proofs and health responses.
func WithClock(now func() time.Time) ServerOption {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// NewServer creates a Server for routes. Gated routes require
// WithGateEvaluator.
func NewServer(routes *RouteTable, v *verifier.Verifier, opts ...ServerOption) (*Server, error) {
	if routes == nil {
		return nil, errors.New("spl402: route table is required")
	}
	if v == nil {
		return nil, errors.New("spl402: verifier is required")
	}

	s := &Server{
		routes:      routes,
		verifier:    v,
		logger:      zap.NewNop(),
		now:         time.Now,
		proofWindow: spl402.PaymentWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.now()

	if s.gate == nil {
		for _, r := range routes.routes {
			if r.TokenGate != nil {
				return nil, errors.New("spl402: token-gated routes require a gate evaluator")
			}
		}
	}
	return s, nil
}

// Routes returns the server's route table.
func (s *Server) Routes() *RouteTable {
	return s.routes
}

// ProcessHTTPRequest resolves the request and enforces payment or gate
// requirements.
func (s *Server) ProcessHTTPRequest(ctx context.Context, reqCtx HTTPRequestContext) HTTPProcessResult {
	res := s.routes.Resolve(reqCtx.Path, reqCtx.Method)
	log := s.logger.With(
		zap.String("request_id", reqCtx.RequestID),
		zap.String("method", reqCtx.Method),
		zap.String("path", reqCtx.Path),
	)

	switch res.Kind {
	case KindPayment:
		return s.processPayment(ctx, reqCtx, res, log)

	case KindGate:
		result, err := s.checkGate(ctx, reqCtx, res)
		if err != nil && res.Requirement != nil {
			// Hybrid routes can still be paid for.
			log.Warn("gate evaluation failed, falling back to payment", zap.Error(err))
			return s.processPayment(ctx, reqCtx, res, log)
		}
		if err != nil {
			log.Error("gate evaluation failed", zap.Error(err))
			return errorResult(res, http.StatusInternalServerError, map[string]any{
				"error": "Token gate evaluation failed",
			})
		}
		if result.Authorized {
			return HTTPProcessResult{Type: ResultGateAuthorized, Resolution: res, Gate: result}
		}
		if res.Requirement == nil {
			log.Info("gate denied", zap.String("code", string(result.Code)))
			out := errorResult(res, http.StatusForbidden, map[string]any{
				"error":           result.Reason,
				"code":            result.Code,
				"balance":         result.Balance,
				"requiredBalance": result.RequiredBalance,
			})
			out.Gate = result
			return out
		}
		out := s.processPayment(ctx, reqCtx, res, log)
		out.Gate = result
		return out
	}

	return HTTPProcessResult{Type: ResultNoPaymentRequired, Resolution: res}
}

func (s *Server) processPayment(ctx context.Context, reqCtx HTTPRequestContext, res Resolution, log *zap.Logger) HTTPProcessResult {
	req := res.Requirement

	header := reqCtx.Adapter.GetHeader(spl402.HeaderPayment)
	if header == "" {
		return s.paymentRequired(res, "Payment required", "")
	}

	payload, err := DecodePaymentHeader(header)
	if err != nil {
		log.Info("malformed payment header", zap.Error(err))
		return errorResult(res, http.StatusBadRequest, map[string]any{
			"error": err.Error(),
			"code":  spl402.ReasonInvalidPayload,
		})
	}

	result, err := s.verifier.Verify(ctx, payload, verifier.ExpectationFromRequirement(*req))
	if err != nil {
		log.Error("payment verification failed", zap.Error(err))
		return errorResult(res, http.StatusInternalServerError, map[string]any{
			"error": "Payment verification failed",
		})
	}
	if !result.Valid {
		out := s.paymentRequired(res, result.Reason, result.Code)
		out.Payment = result
		return out
	}

	response, err := json.Marshal(spl402.PaymentResponse{TxHash: result.TxHash, Network: req.Network})
	if err != nil {
		log.Error("failed to encode payment response", zap.Error(err))
		return errorResult(res, http.StatusInternalServerError, map[string]any{"error": "Internal error"})
	}
	return HTTPProcessResult{
		Type:       ResultPaymentVerified,
		Resolution: res,
		Payment:    result,
		Headers:    map[string]string{spl402.HeaderPaymentResponse: string(response)},
	}
}

func (s *Server) paymentRequired(res Resolution, message string, code spl402.ReasonCode) HTTPProcessResult {
	header, err := EncodeRequirementHeader(res.Requirement)
	if err != nil {
		return errorResult(res, http.StatusInternalServerError, map[string]any{"error": "Internal error"})
	}

	body := map[string]any{
		"error":         message,
		"spl402Version": spl402.Version,
		"requirement":   res.Requirement,
	}
	if code != "" {
		body["code"] = code
	}
	return HTTPProcessResult{
		Type:       ResultPaymentError,
		Resolution: res,
		Response: &HTTPResponseInstructions{
			Status:  http.StatusPaymentRequired,
			Headers: map[string]string{spl402.HeaderPaymentRequired: header},
			Body:    body,
		},
	}
}

// checkGate evaluates the route's gate for the wallet proven by the request
// headers. A missing or invalid proof is a denial, not an error.
func (s *Server) checkGate(ctx context.Context, reqCtx HTTPRequestContext, res Resolution) (*spl402.GateResult, error) {
	g := res.Route.TokenGate

	proof, err := parseWalletProof(reqCtx.Adapter.GetHeader)
	if errors.Is(err, errMissingWalletProof) {
		return spl402.Deny(spl402.ReasonMissingWalletProof, 0, g.MinimumBalance), nil
	}
	if err == nil {
		err = proof.verify(reqCtx.Method, reqCtx.Path, s.now(), s.proofWindow)
	}
	if err != nil {
		s.logger.Info("wallet proof rejected",
			zap.String("request_id", reqCtx.RequestID),
			zap.Error(err),
		)
		return spl402.Deny(spl402.ReasonInvalidWalletProof, 0, g.MinimumBalance), nil
	}

	return s.gate.Evaluate(ctx, proof.Wallet.String(), *g)
}

func errorResult(res Resolution, status int, body any) HTTPProcessResult {
	return HTTPProcessResult{
		Type:       ResultPaymentError,
		Resolution: res,
		Response: &HTTPResponseInstructions{
			Status:  status,
			Headers: map[string]string{},
			Body:    body,
		},
	}
}

// StandardResponse answers the built-in free routes. It reports false for
// any other request.
func (s *Server) StandardResponse(method, path string) (*HTTPResponseInstructions, bool) {
	if method != http.MethodGet && method != http.MethodHead {
		return nil, false
	}

	now := s.now()
	switch normalizePath(path) {
	case spl402.HealthPath:
		return jsonOK(map[string]any{
			"status":    "ok",
			"timestamp": now.UnixMilli(),
		}), true

	case spl402.StatusPath:
		cfg := s.routes.Config()
		return jsonOK(map[string]any{
			"status":    "ok",
			"network":   cfg.Network,
			"wallet":    cfg.Recipient,
			"scheme":    cfg.Scheme,
			"routes":    len(s.routes.routes),
			"uptime":    int64(now.Sub(s.started).Seconds()),
			"timestamp": now.UnixMilli(),
		}), true

	case spl402.WellKnownPath, spl402.MetadataPath:
		return jsonOK(s.Metadata()), true
	}
	return nil, false
}

// MetricsHandler returns the Prometheus handler, or nil when metrics are not
// exposed.
func (s *Server) MetricsHandler() http.Handler {
	return s.metricsHandler
}

// Metadata builds the public metadata document.
func (s *Server) Metadata() *spl402.ServerMetadata {
	cfg := s.routes.Config()
	meta := &spl402.ServerMetadata{
		Version:      spl402.MetadataVersion,
		Server:       s.info,
		Wallet:       cfg.Recipient,
		Network:      cfg.Network,
		Scheme:       cfg.Scheme,
		Routes:       make([]spl402.RouteMetadata, 0, len(s.routes.routes)),
		Capabilities: []string{string(cfg.Scheme)},
	}
	if cfg.Scheme == spl402.SchemeTokenTransfer {
		meta.Mint = cfg.Mint
		meta.Decimals = cfg.Decimals
	}

	gated := false
	for _, r := range s.routes.routes {
		meta.Routes = append(meta.Routes, spl402.RouteMetadata{
			Path:        r.Path,
			Method:      r.Method,
			Price:       json.Number(r.Price.String()),
			Description: r.Description,
			TokenGate:   r.TokenGate,
		})
		gated = gated || r.TokenGate != nil
	}
	if gated {
		meta.Capabilities = append(meta.Capabilities, "token-gate")
	}
	return meta
}

func jsonOK(body any) *HTTPResponseInstructions {
	return &HTTPResponseInstructions{Status: http.StatusOK, Headers: map[string]string{}, Body: body}
}

// RequestID returns the caller's X-Request-Id or a new one.
func RequestID(header func(string) string) string {
	if id := header(spl402.HeaderRequestID); id != "" {
		return id
	}
	return uuid.NewString()
}
