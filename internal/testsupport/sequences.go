package testsupport

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Seeded from the clock so names stay unique across runs sharing a database
var testSequence = uint64(time.Now().UnixNano() % 1000000)

// NextSequence returns next unique sequence number
func NextSequence() uint64 {
	return atomic.AddUint64(&testSequence, 1)
}

// UniqueName generates a unique name with given prefix
// Example: UniqueName("test_profile") -> "test_profile_123456"
func UniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, NextSequence())
}

// UniqueToolID generates a tool id that cannot collide with configured tools
func UniqueToolID() string {
	return UniqueName("tool")
}

// UniqueCallerID generates a unique caller identity
func UniqueCallerID() string {
	return fmt.Sprintf("caller_%d_%s", NextSequence(), uuid.New().String()[:8])
}

// UniqueString generates a unique string identifier
func UniqueString() string {
	return uuid.New().String()
}
