package http

import (
	"context"
	"encoding/json"
	"net/http"

	spl402 "github.com/astrohackerx/spl402-sub000"
)

type contextKey int

const (
	paymentKey contextKey = iota
	gateKey
	paramsKey
)

// NewContext attaches the outcome of ProcessHTTPRequest to ctx.
func NewContext(ctx context.Context, result HTTPProcessResult) context.Context {
	if result.Payment != nil {
		ctx = context.WithValue(ctx, paymentKey, result.Payment)
	}
	if result.Gate != nil {
		ctx = context.WithValue(ctx, gateKey, result.Gate)
	}
	if result.Resolution.Params != nil {
		ctx = context.WithValue(ctx, paramsKey, result.Resolution.Params)
	}
	return ctx
}

// PaymentFromContext returns the verified payment for the request, if any.
func PaymentFromContext(ctx context.Context) (*spl402.VerifyResult, bool) {
	v, ok := ctx.Value(paymentKey).(*spl402.VerifyResult)
	return v, ok
}

// GateFromContext returns the gate evaluation for the request, if any.
func GateFromContext(ctx context.Context) (*spl402.GateResult, bool) {
	v, ok := ctx.Value(gateKey).(*spl402.GateResult)
	return v, ok
}

// ParamsFromContext returns the route parameters bound for the request.
func ParamsFromContext(ctx context.Context) map[string]string {
	v, _ := ctx.Value(paramsKey).(map[string]string)
	return v
}

type netHTTPAdapter struct {
	r *http.Request
}

func (a *netHTTPAdapter) GetHeader(name string) string { return a.r.Header.Get(name) }
func (a *netHTTPAdapter) GetMethod() string            { return a.r.Method }
func (a *netHTTPAdapter) GetPath() string              { return a.r.URL.EscapedPath() }
func (a *netHTTPAdapter) GetURL() string               { return a.r.URL.String() }

// Middleware protects next with the server's routes and serves the standard
// routes itself.
func (s *Server) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := RequestID(r.Header.Get)
		w.Header().Set(spl402.HeaderRequestID, id)

		if s.metricsHandler != nil && r.URL.Path == MetricsPath {
			s.metricsHandler.ServeHTTP(w, r)
			return
		}
		if resp, ok := s.StandardResponse(r.Method, r.URL.EscapedPath()); ok {
			WriteInstructions(w, resp)
			return
		}

		result := s.ProcessHTTPRequest(r.Context(), HTTPRequestContext{
			Adapter:   &netHTTPAdapter{r: r},
			Path:      r.URL.EscapedPath(),
			Method:    r.Method,
			RequestID: id,
		})
		if result.Response != nil {
			WriteInstructions(w, result.Response)
			return
		}
		for k, v := range result.Headers {
			w.Header().Set(k, v)
		}
		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), result)))
	})
}

// WriteInstructions writes resp as a JSON response.
func WriteInstructions(w http.ResponseWriter, resp *HTTPResponseInstructions) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	if resp.Body != nil {
		_ = json.NewEncoder(w).Encode(resp.Body)
	}
}
