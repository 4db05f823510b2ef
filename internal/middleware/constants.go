package middleware

// HTTP header names used by the chain.
const (
	HeaderContentType = "Content-Type"
	HeaderRetryAfter  = "Retry-After"
	HeaderXRequestID  = "X-Request-ID"
)

// ContentTypeJSON is the content type of the canned error bodies.
const ContentTypeJSON = "application/json"

// Canned JSON error bodies.
const (
	ErrTooManyRequests     = `{"error":"rate limit exceeded"}`
	ErrServiceUnavailable  = `{"error":"service unavailable","message":"gateway overloaded"}`
	ErrInternalServerError = `{"error":"internal server error"}`
)
