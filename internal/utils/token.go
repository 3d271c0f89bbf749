// Package utils provides utility functions for the backup service.
package utils

import (
	"fmt"
	"strconv"
	"time"
)

// NewToken mints a backup-set token from a timestamp. Tokens are the Unix
// time in milliseconds, so later sets sort after earlier ones.
func NewToken(timestamp time.Time) uint64 {
	ms := timestamp.UnixMilli()
	if ms <= 0 {
		// Zero is reserved for "uninitialized".
		return 1
	}
	return uint64(ms)
}

// FormatToken returns the directory name of a backup set.
func FormatToken(token uint64) string {
	return strconv.FormatUint(token, 10)
}

// ParseToken parses a backup-set directory name. Only canonical decimal
// names of non-zero tokens are accepted.
func ParseToken(name string) (uint64, error) {
	if name == "" || (len(name) > 1 && name[0] == '0') {
		return 0, fmt.Errorf("invalid backup set name %q", name)
	}
	token, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid backup set name %q: %w", name, err)
	}
	if token == 0 {
		return 0, fmt.Errorf("backup set token must be non-zero")
	}
	return token, nil
}

// TokenTime returns the creation time encoded in a token.
func TokenTime(token uint64) time.Time {
	return time.UnixMilli(int64(token)).UTC()
}
