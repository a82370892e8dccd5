package utxo

import "errors"

var (
	// ErrNotFound is returned when a UTXO key is absent from the table the
	// caller expected it in.
	ErrNotFound = errors.New("utxo: not found")
	// ErrAlreadyUsed is returned when a UTXO has already been committed to
	// a pending operation.
	ErrAlreadyUsed = errors.New("utxo: already used")
)
