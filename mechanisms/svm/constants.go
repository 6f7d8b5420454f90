package svm

import (
	solana "github.com/gagliardetto/solana-go"

	spl402 "github.com/astrohackerx/spl402-sub000"
)

// CAIP-2 network identifiers
const (
	SolanaMainnetCAIP2 = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	SolanaDevnetCAIP2  = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
	SolanaTestnetCAIP2 = "solana:4uhcVJyU9pJkvQyS88uRDiswHXSCkY3z"
)

// Default public RPC endpoints
const (
	MainnetRPCURL = "https://api.mainnet-beta.solana.com"
	DevnetRPCURL  = "https://api.devnet.solana.com"
	TestnetRPCURL = "https://api.testnet.solana.com"
)

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL uint64 = 1_000_000_000

// SPL token account layout
const (
	TokenAccountMintOffset   = 0
	TokenAccountOwnerOffset  = 32
	TokenAccountAmountOffset = 64
	TokenAccountMinSize      = 165
)

// SPL token instruction opcodes shared by the legacy and 2022 programs
const (
	TokenInstructionTransfer        uint8 = 3
	TokenInstructionTransferChecked uint8 = 12
)

// AssociatedTokenCreateIdempotent is the associated token account program's
// CreateIdempotent instruction tag.
const AssociatedTokenCreateIdempotent byte = 1

// NetworkConfig describes a supported cluster.
type NetworkConfig struct {
	Network spl402.Network
	CAIP2   string
	RPCURL  string
}

// NetworkConfigs maps canonical cluster names to their configuration.
var NetworkConfigs = map[spl402.Network]NetworkConfig{
	spl402.NetworkMainnet: {
		Network: spl402.NetworkMainnet,
		CAIP2:   SolanaMainnetCAIP2,
		RPCURL:  MainnetRPCURL,
	},
	spl402.NetworkDevnet: {
		Network: spl402.NetworkDevnet,
		CAIP2:   SolanaDevnetCAIP2,
		RPCURL:  DevnetRPCURL,
	},
	spl402.NetworkTestnet: {
		Network: spl402.NetworkTestnet,
		CAIP2:   SolanaTestnetCAIP2,
		RPCURL:  TestnetRPCURL,
	},
}

// networkAliases maps accepted spellings to canonical cluster names.
var networkAliases = map[string]spl402.Network{
	"mainnet-beta":     spl402.NetworkMainnet,
	"mainnet":          spl402.NetworkMainnet,
	"solana":           spl402.NetworkMainnet,
	SolanaMainnetCAIP2: spl402.NetworkMainnet,
	"devnet":           spl402.NetworkDevnet,
	"solana-devnet":    spl402.NetworkDevnet,
	SolanaDevnetCAIP2:  spl402.NetworkDevnet,
	"testnet":          spl402.NetworkTestnet,
	"solana-testnet":   spl402.NetworkTestnet,
	SolanaTestnetCAIP2: spl402.NetworkTestnet,
}

// TokenProgramID returns the program id for a token program variant.
// An empty variant selects the legacy program.
func TokenProgramID(p spl402.TokenProgram) (solana.PublicKey, error) {
	switch p {
	case "", spl402.TokenProgramLegacy, spl402.TokenProgramLegacyName:
		return solana.TokenProgramID, nil
	case spl402.TokenProgramToken2022:
		return solana.Token2022ProgramID, nil
	}
	return solana.PublicKey{}, spl402.ErrUnsupportedTokenProgram
}
