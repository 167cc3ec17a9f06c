package gorm_generator

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"
)

var (
	mu     sync.Mutex
	lastID uint64
)

// ID generates a time-ordered 64-bit primary key: 41 bits of milliseconds
// since epoch, 22 bits of randomness, monotonic within a process.
func ID() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	random := binary.BigEndian.Uint64(b[:]) & 0x3FFFFF

	id := (uint64(time.Now().UnixMilli()) << 22) | random

	mu.Lock()
	defer mu.Unlock()
	if id <= lastID {
		id = lastID + 1
	}
	lastID = id
	return id
}
