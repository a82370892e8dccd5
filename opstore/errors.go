package opstore

import "errors"

// ErrNotFound is returned by Update when the operation id is unknown;
// lookups by id, memo or address report a miss with a nil result instead.
var ErrNotFound = errors.New("opstore: not found")
