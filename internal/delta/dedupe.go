package delta

// dedupeCache is a bounded set of message ids with FIFO eviction.
type dedupeCache struct {
	ring []string
	head int // index of the oldest entry
	n    int
	set  map[string]struct{}
}

func newDedupeCache(capacity int) *dedupeCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &dedupeCache{
		ring: make([]string, capacity),
		set:  make(map[string]struct{}, capacity),
	}
}

func (c *dedupeCache) contains(id string) bool {
	_, ok := c.set[id]
	return ok
}

// add inserts id, evicting the oldest entry when full.
func (c *dedupeCache) add(id string) {
	if c.contains(id) {
		return
	}
	if c.n == len(c.ring) {
		delete(c.set, c.ring[c.head])
		c.ring[c.head] = id
		c.head = (c.head + 1) % len(c.ring)
	} else {
		c.ring[(c.head+c.n)%len(c.ring)] = id
		c.n++
	}
	c.set[id] = struct{}{}
}

func (c *dedupeCache) len() int { return c.n }

func (c *dedupeCache) reset() {
	for i := range c.ring {
		c.ring[i] = ""
	}
	c.head, c.n = 0, 0
	c.set = make(map[string]struct{}, len(c.ring))
}
