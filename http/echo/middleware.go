package echo

import (
	"github.com/labstack/echo/v4"

	spl402 "github.com/astrohackerx/spl402-sub000"
	spl402http "github.com/astrohackerx/spl402-sub000/http"
)

// Context keys under which the middleware stores its outcome.
const (
	PaymentKey = "spl402.payment"
	GateKey    = "spl402.gate"
	ParamsKey  = "spl402.params"
)

type middlewareConfig struct {
	skipper        func(echo.Context) bool
	standardRoutes bool
}

// Option configures PaymentMiddleware.
type Option func(*middlewareConfig)

// WithSkipper bypasses the middleware for requests skip reports true for.
func WithSkipper(skip func(echo.Context) bool) Option {
	return func(c *middlewareConfig) {
		c.skipper = skip
	}
}

// WithStandardRoutes controls whether the middleware answers the health,
// status and metadata routes itself. Enabled by default.
func WithStandardRoutes(enabled bool) Option {
	return func(c *middlewareConfig) {
		c.standardRoutes = enabled
	}
}

type echoAdapter struct {
	c echo.Context
}

func (a *echoAdapter) GetHeader(name string) string { return a.c.Request().Header.Get(name) }
func (a *echoAdapter) GetMethod() string            { return a.c.Request().Method }
func (a *echoAdapter) GetPath() string              { return a.c.Request().URL.EscapedPath() }
func (a *echoAdapter) GetURL() string               { return a.c.Request().URL.String() }

// PaymentMiddleware protects echo routes with server.
func PaymentMiddleware(server *spl402http.Server, opts ...Option) echo.MiddlewareFunc {
	cfg := &middlewareConfig{standardRoutes: true}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.skipper != nil && cfg.skipper(c) {
				return next(c)
			}

			req := c.Request()
			id := spl402http.RequestID(req.Header.Get)
			c.Response().Header().Set(spl402.HeaderRequestID, id)

			if cfg.standardRoutes {
				if resp, ok := server.StandardResponse(req.Method, req.URL.EscapedPath()); ok {
					return respond(c, resp)
				}
			}

			result := server.ProcessHTTPRequest(req.Context(), spl402http.HTTPRequestContext{
				Adapter:   &echoAdapter{c: c},
				Path:      req.URL.EscapedPath(),
				Method:    req.Method,
				RequestID: id,
			})
			if result.Response != nil {
				return respond(c, result.Response)
			}

			for k, v := range result.Headers {
				c.Response().Header().Set(k, v)
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
			c.SetRequest(req.WithContext(spl402http.NewContext(req.Context(), result)))
			return next(c)
		}
	}
}

// MetricsHandler exposes the server's Prometheus metrics as an echo handler,
// or returns nil when the server has no gatherer.
func MetricsHandler(server *spl402http.Server) echo.HandlerFunc {
	h := server.MetricsHandler()
	if h == nil {
		return nil
	}
	return echo.WrapHandler(h)
}

func respond(c echo.Context, resp *spl402http.HTTPResponseInstructions) error {
	for k, v := range resp.Headers {
		c.Response().Header().Set(k, v)
	}
	if resp.Body == nil {
		return c.NoContent(resp.Status)
	}
	return c.JSON(resp.Status, resp.Body)
}

// Payment returns the payment verified for the request, if any.
func Payment(c echo.Context) (*spl402.VerifyResult, bool) {
	p, ok := c.Get(PaymentKey).(*spl402.VerifyResult)
	return p, ok
}

// Gate returns the token gate evaluation for the request, if any.
func Gate(c echo.Context) (*spl402.GateResult, bool) {
	g, ok := c.Get(GateKey).(*spl402.GateResult)
	return g, ok
}
