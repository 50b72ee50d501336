// Package ids generates short opaque identifiers for tasks, features,
// agents, and runs.
//
// Apart from Unique's UUID fallback (see Unique), every id is an
// 8-character lowercase hex suffix behind a type prefix
// (t-, f-, agent-, run-), derived from a SHA-256 hash of a monotonic
// nanosecond timestamp concatenated with an atomically incremented
// counter. The suffix was widened from 6 to 8 characters after collision
// tests at 1000 draws started flaking; callers must treat ids as opaque
// strings of any length so that legacy 6-character ids remain valid.
package ids

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const suffixLen = 8

var counter atomic.Uint64

// Prefix identifies the kind of entity an id belongs to.
type Prefix string

const (
	PrefixTask    Prefix = "t-"
	PrefixFeature Prefix = "f-"
	PrefixAgent   Prefix = "agent-"
	PrefixRun     Prefix = "run-"
)

// New generates a new id with the given prefix.
func New(prefix Prefix) string {
	return string(prefix) + suffix()
}

func suffix() string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(time.Now().UnixNano()))
	binary.BigEndian.PutUint64(buf[8:16], counter.Add(1))
	sum := sha256.Sum256(buf[:])
	return hex.EncodeToString(sum[:4])[:suffixLen]
}

// Task generates a new task id (t-xxxxxxxx).
func Task() string { return New(PrefixTask) }

// Feature generates a new feature id (f-xxxxxxxx).
func Feature() string { return New(PrefixFeature) }

// Agent generates a new agent identity (agent-xxxxxxxx).
func Agent() string { return New(PrefixAgent) }

// Run generates a new run identity (run-xxxxxxxx).
func Run() string { return New(PrefixRun) }

// Unique generates an id with the given prefix, retrying up to maxAttempts
// times against exists before giving up. The retry loop exists to cope with
// the (tiny) collision probability of the hash-derived suffix; ids that
// already exist according to exists are rejected and a fresh one is drawn.
// Exhausting every attempt falls back to a full UUIDv4 suffix, whose
// collision probability is negligible enough to skip the exists check.
func Unique(prefix Prefix, maxAttempts int, exists func(id string) (bool, error)) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		candidate := New(prefix)
		taken, err := exists(candidate)
		if err != nil {
			return "", fmt.Errorf("ids: check existence of %q: %w", candidate, err)
		}
		if !taken {
			return candidate, nil
		}
	}
	return string(prefix) + uuid.NewString(), nil
}
