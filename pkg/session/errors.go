package session

import "errors"

var (
	// ErrInvalidKey is returned for empty or path-unsafe session keys.
	ErrInvalidKey = errors.New("invalid session key")

	// ErrInvalidTurn is returned when a turn fails validation before append.
	ErrInvalidTurn = errors.New("invalid turn")

	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrMarkerRegression is returned when a compaction would move the marker backwards.
	ErrMarkerRegression = errors.New("compaction marker must advance")

	// ErrFlushMissing is returned when no memory-flush turn precedes a compaction.
	ErrFlushMissing = errors.New("compaction requires a memory-flush turn since the last compaction")

	// ErrPersist wraps failures writing to durable storage. Runs treat it as fatal.
	ErrPersist = errors.New("session persistence failed")
)
