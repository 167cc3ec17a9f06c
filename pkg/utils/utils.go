package utils

import "strconv"

// Ptr returns a pointer to the given value.
func Ptr[T any](v T) *T {
	return &v
}

// Uint64String formats a uint64 id for use in room names, channels and URLs.
func Uint64String(v uint64) string {
	return strconv.FormatUint(v, 10)
}

// Coalesce returns the first non-zero value.
func Coalesce[T comparable](values ...T) T {
	var zero T
	for _, v := range values {
		if v != zero {
			return v
		}
	}
	return zero
}
