package transport

import "errors"

// Sentinel errors for Manager operations. Operations wrap these with
// fmt.Errorf("...: %w", ...) so callers can match with errors.Is.
var (
	// ErrAlreadyExists indicates an operation tried to create something
	// (a link manager, a listener, a transport) that already exists under
	// a conflicting key.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotFound indicates a lookup or delete targeted an entity that is
	// not registered.
	ErrNotFound = errors.New("not found")

	// ErrLimitExceeded indicates an admission-control limit (open_pending,
	// max_transports, max_links) was reached.
	ErrLimitExceeded = errors.New("limit exceeded")

	// ErrAuth indicates a link- or peer-level authenticator rejected the
	// remote end.
	ErrAuth = errors.New("authentication failed")

	// ErrTimeout indicates the establishment collaborator did not finish
	// within open_timeout.
	ErrTimeout = errors.New("establishment timed out")

	// ErrMismatch indicates a reinit of an existing transport presented
	// parameters (role, sn resolution, is_shm) that disagree with the
	// transport already on file for that peer.
	ErrMismatch = errors.New("transport parameter mismatch")
)

// ValueDecodingFailedError indicates a configuration value could not be
// parsed into the type its key expects.
type ValueDecodingFailedError struct {
	Key   string
	Value string
}

func (e *ValueDecodingFailedError) Error() string {
	return "value decoding failed: " + e.Key + "=" + e.Value
}
