package vm

import (
	"strings"
)

// DefaultCacheSize is the number of compiled images kept by default.
const DefaultCacheSize = 20

// scriptCache keeps compiled images by filename. When full, the entry with
// the oldest last access is replaced.
type scriptCache struct {
	entries []*cacheEntry
	clock   uint64 // logical access time
}

type cacheEntry struct {
	filename   string
	image      *CompiledImage
	lastAccess uint64
}

func newScriptCache(size int) *scriptCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &scriptCache{entries: make([]*cacheEntry, size)}
}

func (c *scriptCache) tick() uint64 {
	c.clock++
	return c.clock
}

// get returns the cached image for filename and refreshes its access time.
func (c *scriptCache) get(filename string) (*CompiledImage, bool) {
	for _, e := range c.entries {
		if e != nil && strings.EqualFold(e.filename, filename) {
			e.lastAccess = c.tick()
			return e.image, true
		}
	}
	return nil, false
}

// put stores img, replacing an entry for the same file, an empty slot, or
// the least recently accessed entry, in that order. It returns the evicted
// filename, if any.
func (c *scriptCache) put(filename string, img *CompiledImage) string {
	entry := &cacheEntry{filename: filename, image: img, lastAccess: c.tick()}

	for i, e := range c.entries {
		if e != nil && strings.EqualFold(e.filename, filename) {
			c.entries[i] = entry
			return ""
		}
	}

	slot := -1
	for i, e := range c.entries {
		if e == nil {
			slot = i
			break
		}
	}
	evicted := ""
	if slot < 0 {
		slot = 0
		for i, e := range c.entries {
			if e.lastAccess < c.entries[slot].lastAccess {
				slot = i
			}
		}
		evicted = c.entries[slot].filename
	}
	c.entries[slot] = entry
	return evicted
}

// len returns the number of cached images.
func (c *scriptCache) len() int {
	n := 0
	for _, e := range c.entries {
		if e != nil {
			n++
		}
	}
	return n
}

// clear drops every entry.
func (c *scriptCache) clear() {
	for i := range c.entries {
		c.entries[i] = nil
	}
}

// filenames lists cached files in slot order.
func (c *scriptCache) filenames() []string {
	var names []string
	for _, e := range c.entries {
		if e != nil {
			names = append(names, e.filename)
		}
	}
	return names
}
