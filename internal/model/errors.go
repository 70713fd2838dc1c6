package model

import "github.com/rotisserie/eris"

// Sentinel errors for the engine's error taxonomy. Callers test with
// eris.Is / errors.Is.
var (
	// ErrNotFound: missing entity or hypothesis. Recoverable; caller decides.
	ErrNotFound = eris.New("not found")

	// ErrConflict: concurrent update race on a hypothesis. Retried once with
	// a fresh read, then surfaced.
	ErrConflict = eris.New("version conflict")

	// ErrStoreUnavailable: unrecoverable for the current entity. The entity
	// loop aborts; other entities are unaffected.
	ErrStoreUnavailable = eris.New("store unavailable")

	// ErrConfigInvalid: construction-time validation failure. Fails fast
	// before any loop runs.
	ErrConfigInvalid = eris.New("invalid parameter config")
)
