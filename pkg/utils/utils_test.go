package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPtr(t *testing.T) {
	v := Ptr("hello")
	assert.NotNil(t, v)
	assert.Equal(t, "hello", *v)

	n := Ptr(42)
	assert.Equal(t, 42, *n)
}

func TestUint64String(t *testing.T) {
	assert.Equal(t, "0", Uint64String(0))
	assert.Equal(t, "18446744073709551615", Uint64String(^uint64(0)))
}

func TestCoalesce(t *testing.T) {
	assert.Equal(t, "a", Coalesce("", "a", "b"))
	assert.Equal(t, "", Coalesce("", ""))
	assert.Equal(t, 7, Coalesce(0, 0, 7))
}
