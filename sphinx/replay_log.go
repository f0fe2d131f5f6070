package sphinx

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// HashPrefixSize is the size in bytes of the keys we will be storing
	// in the replay log.
	HashPrefixSize = 20

	// DefaultReplayLogSize is the number of shared secrets remembered by
	// the default replay log.
	DefaultReplayLogSize = 100_000
)

// HashPrefix is a statically size, 20-byte array containing the prefix of a
// Hash256, and is used to detect duplicate sphinx packets.
type HashPrefix [HashPrefixSize]byte

// ReplayLog is an interface that defines a log of incoming sphinx packets,
// enabling strong replay protection. The interface is general to allow
// implementations near-complete autonomy. All methods must be safe for
// concurrent access.
type ReplayLog interface {
	// Put records the hash prefix of a processed packet. It returns
	// ErrReplayedPacket if the prefix was already present.
	Put(hash HashPrefix) error

	// Contains reports whether the prefix is in the log.
	Contains(hash HashPrefix) bool
}

// MemoryReplayLog is a bounded in-memory replay log. The oldest entries are
// evicted once the capacity is reached.
type MemoryReplayLog struct {
	cache *lru.Cache[HashPrefix, struct{}]
}

// A compile time check to ensure MemoryReplayLog implements ReplayLog.
var _ ReplayLog = (*MemoryReplayLog)(nil)

// NewMemoryReplayLog creates a replay log remembering up to size entries.
func NewMemoryReplayLog(size int) (*MemoryReplayLog, error) {
	if size <= 0 {
		size = DefaultReplayLogSize
	}

	cache, err := lru.New[HashPrefix, struct{}](size)
	if err != nil {
		return nil, err
	}

	return &MemoryReplayLog{cache: cache}, nil
}

// Put records the hash prefix, failing if it was already known.
func (m *MemoryReplayLog) Put(hash HashPrefix) error {
	if found, _ := m.cache.ContainsOrAdd(hash, struct{}{}); found {
		return ErrReplayedPacket
	}

	return nil
}

// Contains reports whether the prefix is in the log.
func (m *MemoryReplayLog) Contains(hash HashPrefix) bool {
	return m.cache.Contains(hash)
}
