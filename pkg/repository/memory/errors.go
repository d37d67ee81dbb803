package memory

import "github.com/m-mizutani/goerr/v2"

// ErrNotFound is returned when a record does not exist in this backend
var ErrNotFound = goerr.New("record not found")
