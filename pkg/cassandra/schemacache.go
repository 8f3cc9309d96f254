package cassandra

import (
	"context"
	"sync"
)

// SchemaCache holds the encoded cluster description shared by every
// connection worker. It is populated lazily by the first DESCRIBE order and
// dropped whenever an order that may have mutated the schema is dispatched.
// One instance per process.
type SchemaCache struct {
	mtx  sync.RWMutex
	blob []byte
}

// NewSchemaCache returns an empty cache.
func NewSchemaCache() *SchemaCache {
	return &SchemaCache{}
}

// Describe returns the cached cluster description, loading it from the
// given session if the cache is empty. The emptiness check is repeated
// under the write lock since another worker may have loaded the blob while
// we were waiting for it.
func (c *SchemaCache) Describe(ctx context.Context, s Session) ([]byte, error) {
	c.mtx.RLock()
	blob := c.blob
	c.mtx.RUnlock()
	if len(blob) > 0 {
		return blob, nil
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	if len(c.blob) > 0 {
		return c.blob, nil
	}
	blob, err := s.DescribeSchema(ctx)
	if err != nil {
		return nil, err
	}
	c.blob = blob
	return blob, nil
}

// Invalidate drops the cached description. Idempotent.
func (c *SchemaCache) Invalidate() {
	c.mtx.Lock()
	c.blob = nil
	c.mtx.Unlock()
}
