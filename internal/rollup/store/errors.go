package store

import "errors"

// ErrNoRows is returned by Get when a query produces no rows, mirroring
// sql.ErrNoRows / pgx.ErrNoRows without forcing callers to import either
// driver package directly.
var ErrNoRows = errors.New("store: no rows in result set")
