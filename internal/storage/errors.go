package storage

import "errors"

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = errors.New("storage: not found")

var errNoRunID = errors.New("storage: run batch has no run id")
