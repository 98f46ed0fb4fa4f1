package store

import "errors"

// ErrNotFound is returned by Get-style repository methods when no row matches.
var ErrNotFound = errors.New("record not found")
