package seg

import "errors"

var (
	// ErrNotFound is returned when a key has no live item
	ErrNotFound = errors.New("seg: not found")
	// ErrExists is returned by Cas when the key is present with a different cas value
	ErrExists = errors.New("seg: exists")
	// ErrNotStored is returned when an item could not be stored, even after eviction
	ErrNotStored = errors.New("seg: not stored")
	// ErrNotNumeric is returned by Incr and Decr when the stored value is not a number
	ErrNotNumeric = errors.New("seg: value is not numeric")
	// ErrItemOversized is returned when an item does not fit into a single segment
	ErrItemOversized = errors.New("seg: item oversized")

	// ErrNoFreeSegments is returned when a TTL bucket needs a segment and the free list is empty
	ErrNoFreeSegments = errors.New("seg: no free segments")
	// ErrHashTableFull is returned when neither the primary bucket nor the overflow region has room
	ErrHashTableFull = errors.New("seg: hashtable full")
	// ErrNoVictim is returned when the eviction policy cannot pick a segment
	ErrNoVictim = errors.New("seg: no eviction candidate")

	// ErrInvalidConfig is returned by Build for inconsistent options
	ErrInvalidConfig = errors.New("seg: invalid configuration")
)
