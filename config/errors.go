package config

import "errors"

// ErrInitialization covers startup failures: signer unavailable, config
// invalid, master key not yet provisioned.
var ErrInitialization = errors.New("config: initialization error")
