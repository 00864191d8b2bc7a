package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// cachedField is one field's content as last read from disk.
type cachedField struct {
	Content  string
	Hash     string
	LoadedAt time.Time
}

// fieldCache holds field contents until the watcher or a write invalidates
// them.
type fieldCache struct {
	mu     sync.RWMutex
	fields map[string]cachedField
}

func newFieldCache() *fieldCache {
	return &fieldCache{fields: make(map[string]cachedField)}
}

func (c *fieldCache) get(name string) (cachedField, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.fields[name]
	return f, ok
}

func (c *fieldCache) set(name, content string) cachedField {
	sum := sha256.Sum256([]byte(content))
	f := cachedField{Content: content, Hash: hex.EncodeToString(sum[:]), LoadedAt: time.Now()}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.fields[name] = f
	return f
}

func (c *fieldCache) delete(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.fields[name]
	delete(c.fields, name)
	return ok
}

func (c *fieldCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fields = make(map[string]cachedField)
}
