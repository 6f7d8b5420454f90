// Package config loads server and client settings from the environment.
//
// An optional .env file in the working directory is loaded first; variables
// already set in the environment win.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	solana "github.com/gagliardetto/solana-go"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	spl402 "github.com/astrohackerx/spl402-sub000"
	spl402http "github.com/astrohackerx/spl402-sub000/http"
	"github.com/astrohackerx/spl402-sub000/mechanisms/svm"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("spl402: invalid configuration")

// Replay backends.
const (
	ReplayMemory   = "memory"
	ReplayRedis    = "redis"
	ReplayPostgres = "postgres"
)

// Replay selects where verified signatures are recorded.
type Replay struct {
	Backend     string `validate:"oneof=memory redis postgres"`
	RedisURL    string `validate:"required_if=Backend redis"`
	DatabaseURL string `validate:"required_if=Backend postgres"`
}

// Server configures a payment-protected HTTP server.
type Server struct {
	Network      spl402.Network      `validate:"required,spl402_network"`
	RPCURL       string              `validate:"required,url"`
	Recipient    string              `validate:"required,solana_address"`
	Scheme       spl402.Scheme       `validate:"required,oneof=transfer token-transfer"`
	Mint         string              `validate:"required_if=Scheme token-transfer,omitempty,solana_address"`
	Decimals     *uint8              `validate:"required_if=Scheme token-transfer"`
	TokenProgram spl402.TokenProgram `validate:"omitempty,oneof=spl-token legacy token-2022"`
	Info         spl402.ServerInfo
	ListenAddr   string `validate:"required"`
	LogLevel     string `validate:"oneof=debug info warn error"`
	Metrics      bool
	Replay       Replay
	Routes       []spl402.Route
}

// PaymentConfig returns the settings shared by every priced route.
func (s *Server) PaymentConfig() spl402http.PaymentConfig {
	return spl402http.PaymentConfig{
		Recipient:    s.Recipient,
		Network:      s.Network,
		Scheme:       s.Scheme,
		Mint:         s.Mint,
		Decimals:     s.Decimals,
		TokenProgram: s.TokenProgram,
	}
}

// Client configures a paying client.
type Client struct {
	Network    spl402.Network `validate:"required,spl402_network"`
	RPCURL     string         `validate:"required,url"`
	PrivateKey string         `validate:"required,solana_private_key"`
	LogLevel   string         `validate:"oneof=debug info warn error"`

	Scheme       spl402.Scheme `validate:"omitempty,oneof=transfer token-transfer"`
	Mint         string        `validate:"omitempty,solana_address"`
	Decimals     *uint8
	TokenProgram spl402.TokenProgram `validate:"omitempty,oneof=spl-token legacy token-2022"`
}

// Directory configures attestation lookups.
type Directory struct {
	Network    spl402.Network `validate:"required,spl402_network"`
	RPCURL     string         `validate:"required,url"`
	LogLevel   string         `validate:"oneof=debug info warn error"`
	Credential string         `validate:"required,solana_address"`
	Schema     string         `validate:"required,solana_address"`
}

// Overrides returns the requirement overrides, or nil when none are set.
func (c *Client) Overrides() *spl402http.Overrides {
	if c.Scheme == "" && c.Mint == "" && c.Decimals == nil && c.TokenProgram == "" {
		return nil
	}
	return &spl402http.Overrides{
		Scheme:       c.Scheme,
		Mint:         c.Mint,
		Decimals:     c.Decimals,
		TokenProgram: c.TokenProgram,
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("solana_address", func(fl validator.FieldLevel) bool {
		_, err := solana.PublicKeyFromBase58(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("solana_private_key", func(fl validator.FieldLevel) bool {
		_, err := solana.PrivateKeyFromBase58(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("spl402_network", func(fl validator.FieldLevel) bool {
		return spl402.Network(fl.Field().String()).Valid()
	})
	return v
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// network canonicalizes SPL402_NETWORK. Unknown names are kept so the
// validator can report them.
func network() spl402.Network {
	raw := getenv("SPL402_NETWORK", string(spl402.NetworkDevnet))
	if n, err := svm.NormalizeNetwork(raw); err == nil {
		return n
	}
	return spl402.Network(raw)
}

func rpcURL(n spl402.Network) string {
	return getenv("SPL402_RPC_URL", svm.NetworkConfigs[n].RPCURL)
}

func decimals(key string) (*uint8, error) {
	raw := getenv(key, "")
	if raw == "" {
		return nil, nil
	}
	d, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	v := uint8(d)
	return &v, nil
}

// LoadServer reads the server configuration.
func LoadServer() (*Server, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	n := network()
	dec, err := decimals("SPL402_DECIMALS")
	if err != nil {
		return nil, err
	}
	metricsOn, err := strconv.ParseBool(getenv("SPL402_METRICS", "true"))
	if err != nil {
		return nil, fmt.Errorf("%w: SPL402_METRICS: %v", ErrInvalidConfig, err)
	}

	cfg := &Server{
		Network:      n,
		RPCURL:       rpcURL(n),
		Recipient:    getenv("SPL402_RECIPIENT", ""),
		Scheme:       spl402.Scheme(getenv("SPL402_SCHEME", string(spl402.SchemeTransfer))),
		Mint:         getenv("SPL402_MINT", ""),
		Decimals:     dec,
		TokenProgram: spl402.TokenProgram(getenv("SPL402_TOKEN_PROGRAM", "")),
		Info: spl402.ServerInfo{
			Name:        getenv("SPL402_SERVER_NAME", ""),
			Description: getenv("SPL402_SERVER_DESCRIPTION", ""),
			Contact:     getenv("SPL402_SERVER_CONTACT", ""),
		},
		ListenAddr: getenv("SPL402_LISTEN_ADDR", ":"+getenv("PORT", "8080")),
		LogLevel:   strings.ToLower(getenv("LOG_LEVEL", "info")),
		Metrics:    metricsOn,
		Replay: Replay{
			Backend:     strings.ToLower(getenv("SPL402_REPLAY_BACKEND", ReplayMemory)),
			RedisURL:    getenv("REDIS_URL", ""),
			DatabaseURL: getenv("DATABASE_URL", ""),
		},
	}

	if cfg.Routes, err = loadRoutes(); err != nil {
		return nil, err
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// LoadClient reads the client configuration.
func LoadClient() (*Client, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	n := network()
	dec, err := decimals("SPL402_DECIMALS")
	if err != nil {
		return nil, err
	}

	cfg := &Client{
		Network:      n,
		RPCURL:       rpcURL(n),
		PrivateKey:   getenv("SPL402_PRIVATE_KEY", ""),
		LogLevel:     strings.ToLower(getenv("LOG_LEVEL", "info")),
		Scheme:       spl402.Scheme(getenv("SPL402_SCHEME", "")),
		Mint:         getenv("SPL402_MINT", ""),
		Decimals:     dec,
		TokenProgram: spl402.TokenProgram(getenv("SPL402_TOKEN_PROGRAM", "")),
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// LoadDirectory reads the attestation directory configuration.
func LoadDirectory() (*Directory, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	n := network()
	cfg := &Directory{
		Network:    n,
		RPCURL:     rpcURL(n),
		LogLevel:   strings.ToLower(getenv("LOG_LEVEL", "info")),
		Credential: getenv("SPL402_ATTESTATION_CREDENTIAL", ""),
		Schema:     getenv("SPL402_ATTESTATION_SCHEMA", ""),
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// loadRoutes reads routes from SPL402_ROUTES (inline JSON) or the JSON file
// named by SPL402_ROUTES_FILE. Inline routes win.
func loadRoutes() ([]spl402.Route, error) {
	data := []byte(getenv("SPL402_ROUTES", ""))
	source := "SPL402_ROUTES"
	if len(data) == 0 {
		file := getenv("SPL402_ROUTES_FILE", "")
		if file == "" {
			return nil, nil
		}
		var err error
		if data, err = os.ReadFile(file); err != nil {
			return nil, fmt.Errorf("read routes file: %w", err)
		}
		source = file
	}

	var routes []spl402.Route
	if err := json.Unmarshal(data, &routes); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, source, err)
	}
	return routes, nil
}
