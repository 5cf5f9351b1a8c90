package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally
// wrapped) so the verification service can translate them into domain errors.
//
//   - ErrNotFound: row does not exist
//   - ErrConflict: a write lost against a concurrent or pre-existing row
//   - ErrUnavailable: backing service or lock could not be reached in time
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("unavailable")
)
