package inference

import "github.com/cartridge/inference/internal/action"

// MemoryStore holds the recurrent state of each in-flight episode.
type MemoryStore struct {
	size    int
	entries map[int][]float32
}

// NewMemoryStore creates a store of vectors with size floats each.
func NewMemoryStore(size int) *MemoryStore {
	return &MemoryStore{size: size, entries: make(map[int][]float32)}
}

// Size is the length of every stored vector.
func (m *MemoryStore) Size() int { return m.size }

// Get returns the stored vector for an episode.
func (m *MemoryStore) Get(episodeID int) ([]float32, bool) {
	mem, ok := m.entries[episodeID]
	return mem, ok
}

// Ensure returns the episode's vector, creating a zeroed one on first use.
func (m *MemoryStore) Ensure(episodeID int) []float32 {
	mem, ok := m.entries[episodeID]
	if !ok {
		mem = make([]float32, m.size)
		m.entries[episodeID] = mem
	}
	return mem
}

// Set overwrites the episode's vector with a copy of values, padded or truncated to Size.
func (m *MemoryStore) Set(episodeID int, values []float32) {
	mem := make([]float32, m.size)
	copy(mem, values)
	m.entries[episodeID] = mem
}

// Delete evicts an episode.
func (m *MemoryStore) Delete(episodeID int) {
	delete(m.entries, episodeID)
}

// Len is the number of stored episodes.
func (m *MemoryStore) Len() int { return len(m.entries) }

// DecisionCache holds the latest decided actions of each in-flight episode.
type DecisionCache struct {
	entries map[int]action.Buffers
}

// NewDecisionCache creates an empty cache.
func NewDecisionCache() *DecisionCache {
	return &DecisionCache{entries: make(map[int]action.Buffers)}
}

// Get returns the cached actions for an episode.
func (c *DecisionCache) Get(episodeID int) (action.Buffers, bool) {
	b, ok := c.entries[episodeID]
	return b, ok
}

// Has reports whether the episode has an entry.
func (c *DecisionCache) Has(episodeID int) bool {
	_, ok := c.entries[episodeID]
	return ok
}

// Set overwrites the episode's actions.
func (c *DecisionCache) Set(episodeID int, b action.Buffers) {
	c.entries[episodeID] = b
}

// Reserve adds an empty entry if the episode has none.
func (c *DecisionCache) Reserve(episodeID int) {
	if _, ok := c.entries[episodeID]; !ok {
		c.entries[episodeID] = action.Empty
	}
}

// Delete removes an episode.
func (c *DecisionCache) Delete(episodeID int) {
	delete(c.entries, episodeID)
}

// Len is the number of cached episodes.
func (c *DecisionCache) Len() int { return len(c.entries) }
