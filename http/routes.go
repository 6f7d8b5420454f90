package http

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	spl402 "github.com/astrohackerx/spl402-sub000"
	"github.com/astrohackerx/spl402-sub000/mechanisms/svm"
)

// Kind classifies how a request must be authorized.
type Kind int

const (
	KindNotFound Kind = iota
	KindFree
	KindPayment
	KindGate
)

func (k Kind) String() string {
	switch k {
	case KindFree:
		return "free"
	case KindPayment:
		return "payment"
	case KindGate:
		return "gate"
	}
	return "not-found"
}

// PaymentConfig is the server-wide part of every payment requirement.
type PaymentConfig struct {
	Recipient    string
	Network      spl402.Network
	Scheme       spl402.Scheme
	Mint         string
	Decimals     *uint8
	TokenProgram spl402.TokenProgram
}

// Requirement builds the requirement for a route priced at amount.
func (c PaymentConfig) Requirement(amount decimal.Decimal) spl402.PaymentRequirement {
	req := spl402.PaymentRequirement{
		Amount:    amount,
		Recipient: c.Recipient,
		Network:   c.Network,
		Scheme:    c.Scheme,
	}
	if c.Scheme == spl402.SchemeTokenTransfer {
		req.Mint = c.Mint
		req.Decimals = c.Decimals
		req.TokenProgram = c.TokenProgram
	}
	return req
}

// Resolution is the outcome of resolving a request against the route table.
type Resolution struct {
	Kind  Kind
	Route *spl402.Route
	// Requirement is set for paid routes, including gated routes with a
	// non-zero price that accept payment as a fallback.
	Requirement *spl402.PaymentRequirement
	Params      map[string]string
}

// RouteTable maps requests to routes. It is immutable after construction and
// safe for concurrent use.
type RouteTable struct {
	cfg    PaymentConfig
	routes []spl402.Route
	exact  map[string]int
	root   *routeNode
}

type routeNode struct {
	static map[string]*routeNode
	param  *routeNode
	// methods maps an upper-case method to a route index.
	methods map[string]int
}

func newRouteNode() *routeNode {
	return &routeNode{static: make(map[string]*routeNode)}
}

// reservedPaths are served by the server itself and cannot be configured.
var reservedPaths = map[string]bool{
	spl402.HealthPath:    true,
	spl402.StatusPath:    true,
	spl402.WellKnownPath: true,
	spl402.MetadataPath:  true,
}

// NewRouteTable validates cfg and routes and builds the lookup structures.
func NewRouteTable(cfg PaymentConfig, routes []spl402.Route) (*RouteTable, error) {
	if !svm.ValidateSolanaAddress(cfg.Recipient) {
		return nil, fmt.Errorf("%w: invalid recipient %q", spl402.ErrInvalidRequirement, cfg.Recipient)
	}
	sample := cfg.Requirement(decimal.Zero)
	if err := sample.Validate(); err != nil {
		return nil, err
	}
	if cfg.Scheme == spl402.SchemeTokenTransfer && !svm.ValidateSolanaAddress(cfg.Mint) {
		return nil, fmt.Errorf("%w: invalid mint %q", spl402.ErrInvalidRequirement, cfg.Mint)
	}

	t := &RouteTable{
		cfg:    cfg,
		routes: make([]spl402.Route, 0, len(routes)),
		exact:  make(map[string]int),
		root:   newRouteNode(),
	}
	for _, r := range routes {
		if err := t.add(r); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *RouteTable) add(r spl402.Route) error {
	if !strings.HasPrefix(r.Path, "/") {
		return fmt.Errorf("%w: path %q must start with /", spl402.ErrInvalidRoute, r.Path)
	}
	if r.Price.IsNegative() {
		return fmt.Errorf("%w: %s has a negative price", spl402.ErrInvalidRoute, r.Path)
	}
	if r.TokenGate != nil {
		if !svm.ValidateSolanaAddress(r.TokenGate.Mint) {
			return fmt.Errorf("%w: %s has an invalid gate mint", spl402.ErrInvalidRoute, r.Path)
		}
		if !r.TokenGate.TokenProgram.Valid() {
			return fmt.Errorf("%w: %s: %q", spl402.ErrUnsupportedTokenProgram, r.Path, r.TokenGate.TokenProgram)
		}
	}

	method := r.NormalizedMethod()
	for _, c := range method {
		if c < 'A' || c > 'Z' {
			return fmt.Errorf("%w: invalid method %q", spl402.ErrInvalidRoute, r.Method)
		}
	}

	p := normalizePath(r.Path)
	if reservedPaths[p] {
		return fmt.Errorf("%w: %s is reserved", spl402.ErrInvalidRoute, p)
	}
	r.Path = p
	r.Method = method
	idx := len(t.routes)

	segments := splitPath(p)
	dynamic := false
	seen := make(map[string]bool)
	node := t.root
	for _, seg := range segments {
		if strings.HasPrefix(seg, ":") {
			name := seg[1:]
			if name == "" {
				return fmt.Errorf("%w: %s has an unnamed parameter", spl402.ErrInvalidRoute, p)
			}
			if seen[name] {
				return fmt.Errorf("%w: %s repeats parameter %q", spl402.ErrInvalidRoute, p, name)
			}
			seen[name] = true
			dynamic = true

			// Parameter names belong to the route, so routes may name the
			// same position differently.
			if node.param == nil {
				node.param = newRouteNode()
			}
			node = node.param
			continue
		}
		child, ok := node.static[seg]
		if !ok {
			child = newRouteNode()
			node.static[seg] = child
		}
		node = child
	}

	if node.methods == nil {
		node.methods = make(map[string]int)
	}
	if _, dup := node.methods[method]; dup {
		return fmt.Errorf("%w: %s %s", spl402.ErrDuplicateRoute, method, p)
	}
	node.methods[method] = idx
	if !dynamic {
		t.exact[method+" "+p] = idx
	}
	t.routes = append(t.routes, r)
	return nil
}

// Routes returns the configured routes in declaration order.
func (t *RouteTable) Routes() []spl402.Route {
	out := make([]spl402.Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Config returns the server-wide payment configuration.
func (t *RouteTable) Config() PaymentConfig {
	return t.cfg
}

// Resolve finds the route for a request. It has no side effects. HEAD
// requests resolve to the GET route when no HEAD route is declared, since
// routers serve HEAD with the GET handler.
func (t *RouteTable) Resolve(rawPath, method string) Resolution {
	p := normalizePath(rawPath)
	method = strings.ToUpper(method)
	if method == "" {
		method = "GET"
	}

	res := t.resolve(p, method)
	if res.Kind == KindNotFound && method == "HEAD" {
		res = t.resolve(p, "GET")
	}
	return res
}

func (t *RouteTable) resolve(p, method string) Resolution {
	segments, plain := decodeSegments(p)
	if plain {
		if idx, ok := t.exact[method+" "+p]; ok {
			return t.resolution(idx, nil)
		}
	}

	var values []string
	idx, ok := t.match(t.root, segments, method, &values)
	if !ok {
		return Resolution{Kind: KindNotFound}
	}
	return t.resolution(idx, values)
}

// match walks the trie preferring static segments and backtracking into
// parameter segments.
func (t *RouteTable) match(node *routeNode, segments []string, method string, values *[]string) (int, bool) {
	if len(segments) == 0 {
		idx, ok := node.methods[method]
		return idx, ok
	}
	seg := segments[0]
	if child, ok := node.static[seg]; ok {
		if idx, ok := t.match(child, segments[1:], method, values); ok {
			return idx, true
		}
	}
	if node.param != nil && seg != "" {
		*values = append(*values, seg)
		if idx, ok := t.match(node.param, segments[1:], method, values); ok {
			return idx, true
		}
		*values = (*values)[:len(*values)-1]
	}
	return 0, false
}

func (t *RouteTable) resolution(idx int, values []string) Resolution {
	route := &t.routes[idx]
	res := Resolution{Route: route}

	if len(values) > 0 {
		res.Params = make(map[string]string, len(values))
		i := 0
		for _, seg := range splitPath(route.Path) {
			if strings.HasPrefix(seg, ":") {
				res.Params[seg[1:]] = values[i]
				i++
			}
		}
	}

	if route.Price.IsPositive() {
		req := t.cfg.Requirement(route.Price)
		res.Requirement = &req
	}

	switch {
	case route.TokenGate != nil:
		res.Kind = KindGate
	case res.Requirement != nil:
		res.Kind = KindPayment
	default:
		res.Kind = KindFree
	}
	return res
}

// normalizePath strips query and fragment, collapses repeated slashes and
// removes the trailing slash. The root stays "/". Escapes are left alone so
// that each segment is decoded exactly once by decodeSegments.
func normalizePath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// decodeSegments splits an escaped path and unescapes each segment once, the
// way routers match wildcards, so an encoded slash stays inside its segment.
// plain reports that p had no escapes.
func decodeSegments(p string) (segments []string, plain bool) {
	segments = splitPath(p)
	if !strings.Contains(p, "%") {
		return segments, true
	}
	for i, seg := range segments {
		if decoded, err := url.PathUnescape(seg); err == nil {
			segments[i] = decoded
		}
	}
	return segments, false
}

func splitPath(p string) []string {
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}
