package svm

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	solana "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	spl402 "github.com/astrohackerx/spl402-sub000"
)

var maxUint64 = decimal.NewFromBigInt(new(big.Int).SetUint64(math.MaxUint64), 0)

// ToBaseUnits converts a human amount to integer base units, rounding down.
// 0.0000000019 SOL is 1 lamport, never 2.
func ToBaseUnits(amount decimal.Decimal, decimals uint8) (uint64, error) {
	if amount.IsNegative() {
		return 0, spl402.ErrNegativeAmount
	}
	units := amount.Shift(int32(decimals)).Floor()
	if units.GreaterThan(maxUint64) {
		return 0, fmt.Errorf("%w: %s with %d decimals", spl402.ErrAmountOutOfRange, amount, decimals)
	}
	return units.BigInt().Uint64(), nil
}

// LamportsFromSOL converts a SOL amount to lamports, rounding down.
func LamportsFromSOL(sol decimal.Decimal) (uint64, error) {
	return ToBaseUnits(sol, spl402.NativeDecimals)
}

// FormatAmount renders base units as a human amount without trailing zeros.
func FormatAmount(units uint64, decimals uint8) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -int32(decimals)).String()
}

// ValidateSolanaAddress reports whether address is a base58 encoded 32 byte key.
func ValidateSolanaAddress(address string) bool {
	if address == "" {
		return false
	}
	_, err := solana.PublicKeyFromBase58(address)
	return err == nil
}

// ValidateSignature reports whether signature is a base58 encoded 64 byte
// transaction signature.
func ValidateSignature(signature string) bool {
	if signature == "" {
		return false
	}
	_, err := solana.SignatureFromBase58(signature)
	return err == nil
}

// NormalizeNetwork maps a network alias or CAIP-2 id to its canonical name.
func NormalizeNetwork(network string) (spl402.Network, error) {
	key := strings.TrimSpace(network)
	if n, ok := networkAliases[key]; ok {
		return n, nil
	}
	if n, ok := networkAliases[strings.ToLower(key)]; ok {
		return n, nil
	}
	return "", fmt.Errorf("%w: %s", spl402.ErrUnsupportedNetwork, network)
}

// IsValidNetwork reports whether network is a supported name or alias.
func IsValidNetwork(network string) bool {
	_, err := NormalizeNetwork(network)
	return err == nil
}

// GetNetworkConfig returns the configuration for a network name or alias.
func GetNetworkConfig(network string) (*NetworkConfig, error) {
	n, err := NormalizeNetwork(network)
	if err != nil {
		return nil, err
	}
	config := NetworkConfigs[n]
	return &config, nil
}

// FindAssociatedTokenAddress derives owner's associated token account for
// mint under the given token program.
func FindAssociatedTokenAddress(owner, mint, tokenProgram solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{
			owner[:],
			tokenProgram[:],
			mint[:],
		},
		solana.SPLAssociatedTokenAccountProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive associated token account: %w", err)
	}
	return addr, nil
}
