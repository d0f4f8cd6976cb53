package handlers

// Error codes of the HTTP error envelope. Clients branch on these rather
// than on messages.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"

	// ErrCodeUnavailable answers a webhook update that could not be admitted
	// durably; the platform retries it.
	ErrCodeUnavailable = "storage_unavailable"
	ErrCodeStatsFailed = "stats_failed"
)
