package domain

// Machine-readable error codes surfaced in API responses and metrics.
const (
	CodeValidation        = "VALIDATION"
	CodeInsufficientStock = "INSUFFICIENT_STOCK"
	CodeNoActiveSession   = "NO_ACTIVE_SESSION"
	CodeTransientNetwork  = "TRANSIENT_NETWORK"
	CodeSyncConflict      = "SYNC_CONFLICT"
	CodeSignatureInvalid  = "SIGNATURE_INVALID"
	CodeNotFound          = "NOT_FOUND"
	CodeInternal          = "INTERNAL"
)
