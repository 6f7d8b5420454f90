package spl402

import "time"

// Version is the only payload version accepted by verifiers.
const Version = 1

// MetadataVersion is the version string of the well-known metadata document.
const MetadataVersion = "1.0"

// HTTP header names. Lookups through net/http are case-insensitive.
const (
	HeaderPaymentRequired = "X-Payment-Required"
	HeaderPayment         = "X-Payment"
	HeaderPaymentResponse = "X-Payment-Response"

	HeaderWalletAddress   = "X-Wallet-Address"
	HeaderWalletSignature = "X-Wallet-Signature"
	HeaderWalletTimestamp = "X-Wallet-Timestamp"

	HeaderRequestID = "X-Request-Id"
)

// Standard routes every server exposes free of charge.
const (
	WellKnownPath = "/.well-known/spl402.json"
	MetadataPath  = "/metadata"
	HealthPath    = "/health"
	StatusPath    = "/status"
)

const (
	// PaymentWindow bounds |now - payload.timestamp|.
	PaymentWindow = 5 * time.Minute

	// ReplayTTL is how long a verified signature blocks reuse.
	ReplayTTL = 5 * time.Minute

	// ReplayCapacity bounds the in-memory replay cache.
	ReplayCapacity = 10000

	// MetadataFetchTimeout bounds every remote metadata fetch during discovery.
	MetadataFetchTimeout = 5 * time.Second
)

// NativeDecimals is the decimal precision of SOL (lamports per SOL = 10^9).
const NativeDecimals uint8 = 9
