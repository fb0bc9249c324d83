package meter

import "sync"

// Cache holds the latest meter reading for readers outside the controller loop.
type Cache struct {
	data *Data
	sync.RWMutex
}

func (c *Cache) Get() *Data {
	c.RLock()
	defer c.RUnlock()
	if c.data == nil {
		return nil
	}
	d := *c.data
	return &d
}

func (c *Cache) Set(d Data) {
	c.Lock()
	c.data = &d
	c.Unlock()
}
