package cluster

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"
)

// HashRing реализует consistent hashing с виртуальными нодами.
// Relays are the nodes, table names are the keys, so every tailer of a table
// agrees on the relay that owns it.
type HashRing struct {
	replicas int
	hashes   []uint32          // отсортированные хэши
	owners   map[uint32]string // хэш -> relay
	mu       sync.RWMutex
}

func NewHashRing(replicas int) *HashRing {
	if replicas < 1 {
		replicas = 1
	}
	return &HashRing{
		replicas: replicas,
		owners:   make(map[uint32]string),
	}
}

func (h *HashRing) AddNode(node string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := 0; i < h.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", node, i)))
		if _, taken := h.owners[hash]; taken {
			continue
		}
		h.hashes = append(h.hashes, hash)
		h.owners[hash] = node
	}
	sort.Slice(h.hashes, func(i, j int) bool { return h.hashes[i] < h.hashes[j] })
}

func (h *HashRing) RemoveNode(node string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	filtered := h.hashes[:0]
	for _, hash := range h.hashes {
		if h.owners[hash] != node {
			filtered = append(filtered, hash)
		} else {
			delete(h.owners, hash)
		}
	}
	h.hashes = filtered
}

// GetNode returns the relay owning key, false when the ring is empty.
func (h *HashRing) GetNode(key string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.hashes) == 0 {
		return "", false
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(h.hashes), func(i int) bool { return h.hashes[i] >= hash })
	if idx == len(h.hashes) {
		idx = 0
	}
	return h.owners[h.hashes[idx]], true
}

// ListNodes возвращает список уникальных relay.
func (h *HashRing) ListNodes() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := map[string]struct{}{}
	var result []string
	for _, name := range h.owners {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			result = append(result, name)
		}
	}
	sort.Strings(result)
	return result
}
