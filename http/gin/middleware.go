package gin

import (
	"net/http"

	ginfw "github.com/gin-gonic/gin"

	spl402 "github.com/astrohackerx/spl402-sub000"
	spl402http "github.com/astrohackerx/spl402-sub000/http"
)

// Context keys under which the middleware stores its outcome on the gin
// context.
const (
	PaymentKey = "spl402.payment"
	GateKey    = "spl402.gate"
	ParamsKey  = "spl402.params"
)

type middlewareConfig struct {
	standardRoutes bool
	metrics        bool
}

// Option configures PaymentMiddleware.
type Option func(*middlewareConfig)

// WithStandardRoutes controls whether the middleware answers the health,
// status and metadata routes itself. Enabled by default.
func WithStandardRoutes(enabled bool) Option {
	return func(c *middlewareConfig) {
		c.standardRoutes = enabled
	}
}

// WithMetrics controls whether the middleware serves /metrics. Enabled by
// default; it has no effect when the server has no gatherer.
func WithMetrics(enabled bool) Option {
	return func(c *middlewareConfig) {
		c.metrics = enabled
	}
}

type ginAdapter struct {
	c *ginfw.Context
}

func (a *ginAdapter) GetHeader(name string) string { return a.c.GetHeader(name) }
func (a *ginAdapter) GetMethod() string            { return a.c.Request.Method }
func (a *ginAdapter) GetPath() string              { return a.c.Request.URL.EscapedPath() }
func (a *ginAdapter) GetURL() string               { return a.c.Request.URL.String() }

// PaymentMiddleware protects gin routes with server.
func PaymentMiddleware(server *spl402http.Server, opts ...Option) ginfw.HandlerFunc {
	cfg := &middlewareConfig{standardRoutes: true, metrics: true}
	for _, opt := range opts {
		opt(cfg)
	}

	var metricsHandler http.Handler
	if cfg.metrics {
		metricsHandler = server.MetricsHandler()
	}

	return func(c *ginfw.Context) {
		id := spl402http.RequestID(c.GetHeader)
		c.Header(spl402.HeaderRequestID, id)
		path := c.Request.URL.EscapedPath()

		if metricsHandler != nil && c.Request.URL.Path == spl402http.MetricsPath {
			// Unrouted requests reach here with a preset 404.
			c.Status(http.StatusOK)
			metricsHandler.ServeHTTP(c.Writer, c.Request)
			c.Abort()
			return
		}
		if cfg.standardRoutes {
			if resp, ok := server.StandardResponse(c.Request.Method, path); ok {
				abortWith(c, resp)
				return
			}
		}

		result := server.ProcessHTTPRequest(c.Request.Context(), spl402http.HTTPRequestContext{
			Adapter:   &ginAdapter{c: c},
			Path:      path,
			Method:    c.Request.Method,
			RequestID: id,
		})
		if result.Response != nil {
			abortWith(c, result.Response)
			return
		}

		for k, v := range result.Headers {
			c.Header(k, v)
		}
		if result.Payment != nil {
			c.Set(PaymentKey, result.Payment)
		}
		if result.Gate != nil {
			c.Set(GateKey, result.Gate)
		}
		if result.Resolution.Params != nil {
			c.Set(ParamsKey, result.Resolution.Params)
		}
		c.Request = c.Request.WithContext(spl402http.NewContext(c.Request.Context(), result))
		c.Next()
	}
}

func abortWith(c *ginfw.Context, resp *spl402http.HTTPResponseInstructions) {
	for k, v := range resp.Headers {
		c.Header(k, v)
	}
	if resp.Body == nil {
		c.AbortWithStatus(resp.Status)
		return
	}
	c.AbortWithStatusJSON(resp.Status, resp.Body)
}

// Payment returns the payment verified for the request, if any.
func Payment(c *ginfw.Context) (*spl402.VerifyResult, bool) {
	v, ok := c.Get(PaymentKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*spl402.VerifyResult)
	return p, ok
}

// Gate returns the token gate evaluation for the request, if any.
func Gate(c *ginfw.Context) (*spl402.GateResult, bool) {
	v, ok := c.Get(GateKey)
	if !ok {
		return nil, false
	}
	g, ok := v.(*spl402.GateResult)
	return g, ok
}
