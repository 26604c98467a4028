package types

import "errors"

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Session errors
	ErrTooManySessions   = errors.New("maximum number of sessions reached")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionClosed     = errors.New("session browser has been closed")
	ErrManagerClosed     = errors.New("session manager is closed")
	ErrNoSessionsCreated = errors.New("no sessions could be created")

	// Site / pagination errors
	ErrSiteNotFound         = errors.New("site not found")
	ErrNoActivePagination   = errors.New("no active pagination owns this start page")
	ErrPaginationExists     = errors.New("pagination already in progress for domain")
	ErrPaginationIncomplete = errors.New("not all paginations completed")
	// The "aborting entire run" wording is load-bearing: callers and the
	// classifier match on it.
	ErrEmptyPagination = errors.New("aborting entire run: a completed pagination collected zero urls")

	// Extractor errors
	ErrExtractorNotFound = errors.New("failed to load scraper")
	ErrNoItemRecord      = errors.New("extractor returned no item record")

	// Proxy errors
	ErrNoSuitableProxy = errors.New("no suitable proxy for site requirement")
	ErrEmptyProxyPool  = errors.New("proxy pool has no entries")

	// Store errors
	ErrRunNotFound      = errors.New("run not found")
	ErrStoreUnavailable = errors.New("run store unavailable")

	// Request / validation errors
	ErrInvalidURL = errors.New("invalid URL")
)

// ExtractorError reports a registry miss or a broken extractor definition.
// Its message deliberately starts with "failed to load scraper" so the
// error classifier recognizes it even after string round-trips.
type ExtractorError struct {
	ExtractorID string
	Message     string
	Err         error
}

// Error implements the error interface.
func (e *ExtractorError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ExtractorError) Unwrap() error {
	return e.Err
}

// NewExtractorNotFoundError creates an error for a registry miss.
func NewExtractorNotFoundError(extractorID string) *ExtractorError {
	return &ExtractorError{
		ExtractorID: extractorID,
		Message:     "failed to load scraper " + extractorID + ": no such extractor",
		Err:         ErrExtractorNotFound,
	}
}

// NewExtractorInvalidError creates an error for a malformed extractor definition.
func NewExtractorInvalidError(extractorID, reason string) *ExtractorError {
	return &ExtractorError{
		ExtractorID: extractorID,
		Message:     "failed to load scraper " + extractorID + ": " + reason,
		Err:         ErrExtractorNotFound,
	}
}

// StoreError reports a failed run-store operation with enough context to
// log and to decide whether the batch should end early.
type StoreError struct {
	Op         string // "createRun", "addItems", ...
	StatusCode int    // HTTP status when the store is remote, 0 otherwise
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a store error wrapping the underlying cause.
func NewStoreError(op string, statusCode int, err error) *StoreError {
	msg := "store " + op + " failed"
	if err != nil {
		msg += ": " + err.Error()
	}
	return &StoreError{
		Op:         op,
		StatusCode: statusCode,
		Message:    msg,
		Err:        err,
	}
}
