package apperrors

import "errors"

// Standardized Exchange Errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
)

// Gateway-side errors
var (
	ErrUnknownExchange    = errors.New("unknown exchange")
	ErrInvalidCiphertext  = errors.New("invalid ciphertext")
	ErrInvalidKeyLength   = errors.New("encryption key must be 32 bytes")
	ErrMissingEnv         = errors.New("missing required environment variable")
	ErrCredentialNotFound = errors.New("credential not found")
)
