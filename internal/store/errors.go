package store

import (
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// IsBusyError checks if the error is a SQLITE_BUSY error.
// This occurs when the database is locked by another connection.
func IsBusyError(err error) bool {
	return hasCode(err, sqlite3.SQLITE_BUSY) || (err != nil && strings.Contains(err.Error(), "SQLITE_BUSY"))
}

// IsLockedError checks if the error is a "database is locked" error.
func IsLockedError(err error) bool {
	return hasCode(err, sqlite3.SQLITE_LOCKED) || (err != nil && strings.Contains(err.Error(), "database is locked"))
}

// IsConflictError reports SQLite concurrency errors that warrant a retry.
func IsConflictError(err error) bool {
	return IsBusyError(err) || IsLockedError(err)
}

func hasCode(err error, code int) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	// Extended result codes keep the primary code in the low byte.
	return se.Code()&0xff == code
}
