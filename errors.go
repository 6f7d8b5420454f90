package spl402

import (
	"errors"
	"fmt"
)

// Requirement and configuration errors
var (
	ErrNegativeAmount          = errors.New("spl402: amount must not be negative")
	ErrMissingRecipient        = errors.New("spl402: recipient is required")
	ErrMissingMint             = errors.New("spl402: mint is required for token-transfer")
	ErrMissingDecimals         = errors.New("spl402: decimals are required for token-transfer")
	ErrUnexpectedMint          = errors.New("spl402: transfer scheme must not carry mint or decimals")
	ErrUnsupportedNetwork      = errors.New("spl402: unsupported network")
	ErrUnsupportedScheme       = errors.New("spl402: unsupported scheme")
	ErrUnsupportedTokenProgram = errors.New("spl402: unsupported token program")
	ErrInvalidRoute            = errors.New("spl402: invalid route")
	ErrDuplicateRoute          = errors.New("spl402: duplicate route")
)

// Payment construction errors
var (
	ErrWalletNotConnected  = errors.New("spl402: wallet not connected")
	ErrTransactionFailed   = errors.New("spl402: transaction failed")
	ErrBlockhashExpired    = errors.New("spl402: blockhash expired before confirmation")
	ErrInvalidRequirement  = errors.New("spl402: invalid payment requirement")
	ErrInvalidPayload      = errors.New("spl402: invalid payment payload")
	ErrAmountOutOfRange    = errors.New("spl402: amount does not fit in base units")
	ErrRecordNotFound      = errors.New("spl402: attestation not found")
	ErrUnsupportedEncoding = errors.New("spl402: unsupported schema field type")
)

// PaymentError codes
const (
	CodeInvalidRequirement = "invalid_requirement"
	CodePaymentFailed      = "payment_failed"
)

// PaymentError wraps a client-side payment failure with a stable code.
type PaymentError struct {
	Code    string
	Message string
	Cause   error
}

func (e *PaymentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Cause
}

// NewPaymentError creates a new PaymentError.
func NewPaymentError(code, message string, cause error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// ReasonCode is a stable identifier for a verification or gate rejection.
type ReasonCode string

// Verification reasons
const (
	ReasonUnsupportedVersion          ReasonCode = "unsupported_version"
	ReasonNetworkMismatch             ReasonCode = "network_mismatch"
	ReasonInvalidRecipient            ReasonCode = "invalid_recipient"
	ReasonUnsupportedScheme           ReasonCode = "unsupported_scheme"
	ReasonInvalidSignature            ReasonCode = "invalid_signature"
	ReasonReplayBlocked               ReasonCode = "replay_blocked"
	ReasonTimestampExpired            ReasonCode = "timestamp_expired"
	ReasonTransactionNotFound         ReasonCode = "transaction_not_found"
	ReasonTransactionFailed           ReasonCode = "transaction_failed"
	ReasonRecipientNotInTransaction   ReasonCode = "recipient_not_in_transaction"
	ReasonInsufficientAmount          ReasonCode = "insufficient_amount"
	ReasonInvalidMint                 ReasonCode = "invalid_mint"
	ReasonTransferInstructionNotFound ReasonCode = "transfer_instruction_not_found"
	ReasonRecipientMismatch           ReasonCode = "recipient_mismatch"
	ReasonMintMismatch                ReasonCode = "mint_mismatch"
	ReasonInvalidPayload              ReasonCode = "invalid_payload"
)

// Gate reasons
const (
	ReasonInvalidWallet       ReasonCode = "invalid_wallet"
	ReasonInsufficientBalance ReasonCode = "insufficient_balance"
	ReasonMissingWalletProof  ReasonCode = "missing_wallet_proof"
	ReasonInvalidWalletProof  ReasonCode = "invalid_wallet_proof"
)

var reasonMessages = map[ReasonCode]string{
	ReasonUnsupportedVersion:          "Unsupported spl402 version",
	ReasonNetworkMismatch:             "Network mismatch",
	ReasonInvalidRecipient:            "Invalid recipient address",
	ReasonUnsupportedScheme:           "Unsupported payment scheme",
	ReasonInvalidSignature:            "Invalid transaction signature format",
	ReasonReplayBlocked:               "Transaction already used (replay attack blocked)",
	ReasonTimestampExpired:            "Payment timestamp expired",
	ReasonTransactionNotFound:         "Transaction not found",
	ReasonTransactionFailed:           "Transaction failed on-chain",
	ReasonRecipientNotInTransaction:   "Recipient not found in transaction",
	ReasonInsufficientAmount:          "Insufficient payment amount",
	ReasonInvalidMint:                 "Invalid mint address",
	ReasonTransferInstructionNotFound: "No token transfer instruction found",
	ReasonRecipientMismatch:           "Token recipient mismatch",
	ReasonMintMismatch:                "Token mint mismatch",
	ReasonInvalidPayload:              "Invalid payment payload",
	ReasonInvalidWallet:               "Invalid wallet address",
	ReasonInsufficientBalance:         "Insufficient token balance",
	ReasonMissingWalletProof:          "Wallet proof required",
	ReasonInvalidWalletProof:          "Invalid wallet proof",
}

// Message returns the human readable text for the reason.
func (c ReasonCode) Message() string {
	if m, ok := reasonMessages[c]; ok {
		return m
	}
	return string(c)
}

// Reject builds a failed VerifyResult. Detail, when non-empty, is appended to
// the reason text.
func Reject(code ReasonCode, detail string) *VerifyResult {
	reason := code.Message()
	if detail != "" {
		reason = reason + ": " + detail
	}
	return &VerifyResult{
		Valid:  false,
		Code:   code,
		Reason: reason,
	}
}

// Deny builds a failed GateResult.
func Deny(code ReasonCode, balance, required uint64) *GateResult {
	return &GateResult{
		Authorized:      false,
		Code:            code,
		Reason:          code.Message(),
		Balance:         balance,
		RequiredBalance: required,
	}
}
