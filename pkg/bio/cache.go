package bio

import (
	"container/list"
	"fmt"

	"github.com/andyprice/gfs2-utils-go/pkg/gfs2"
)

// Buffer is a short-lived handle to one cached block. Its bytes are owned
// by the caller that acquired it until Release; a buffer acquired twice at
// the same address within one Cache returns the same bytes (no
// multi-writer coherence is required, since every core is single-threaded).
type Buffer struct {
	Addr  uint64
	Bytes []byte

	dirty bool
	elem  *list.Element
}

// MarkDirty flags the buffer to be written back on Release.
func (b *Buffer) MarkDirty() {
	b.dirty = true
}

// Cache is a bounded LRU of Buffers backed by a Device, keyed by block
// address. Default capacity is sized to comfortably hold one resource
// group's header and bitmap working set; callers doing wide sequential
// scans (savemeta, restoremeta) size it explicitly.
type Cache struct {
	dev      *Device
	capacity int
	entries  map[uint64]*list.Element
	order    *list.List // front = most recently used
}

// DefaultCacheBlocks is the buffer cache size used when a session does not
// specify one explicitly.
const DefaultCacheBlocks = 512

// NewCache creates a buffer cache over dev with room for capacity blocks.
func NewCache(dev *Device, capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheBlocks
	}
	return &Cache{
		dev:      dev,
		capacity: capacity,
		entries:  make(map[uint64]*list.Element),
		order:    list.New(),
	}
}

// Acquire performs a positioned read of exactly one block (or returns the
// already-cached copy) and returns a handle the caller owns until Release.
func (c *Cache) Acquire(addr uint64) (*Buffer, error) {
	if elem, ok := c.entries[addr]; ok {
		c.order.MoveToFront(elem)
		return elem.Value.(*Buffer), nil
	}

	b, err := c.dev.PreadBlock(addr)
	if err != nil {
		return nil, err
	}
	buf := &Buffer{Addr: addr, Bytes: b}
	elem := c.order.PushFront(buf)
	buf.elem = elem
	c.entries[addr] = elem

	c.evictIfNeeded()

	return buf, nil
}

// evictIfNeeded drops the least-recently-used clean buffer until the cache
// is back within capacity. Dirty buffers are never silently evicted: a
// caller must Release (which flushes dirty buffers) before the cache can
// reclaim the slot. Eviction removes only clean entries; the cache does not
// track whether a clean buffer has been released yet.
func (c *Cache) evictIfNeeded() {
	for skipped := 0; len(c.entries) > c.capacity && skipped < c.order.Len(); {
		victim := c.order.Back()
		if victim == nil {
			return
		}
		buf := victim.Value.(*Buffer)
		if buf.dirty {
			// Still owned/dirty; move to front so we don't spin on it and
			// instead try the next-oldest entry.
			c.order.MoveToFront(victim)
			skipped++
			continue
		}
		c.order.Remove(victim)
		delete(c.entries, buf.Addr)
	}
}

// Release writes the block back iff the dirty bit is set and clears the
// bit, which makes the buffer evictable again.
func (c *Cache) Release(b *Buffer) error {
	if b.dirty {
		if err := c.dev.PwriteBlock(b.Addr, b.Bytes); err != nil {
			return err
		}
		b.dirty = false
	}
	return nil
}

// Flush writes back every dirty buffer currently held in the cache without
// evicting anything, used at the session's well-defined commit points.
func (c *Cache) Flush() error {
	for e := c.order.Front(); e != nil; e = e.Next() {
		buf := e.Value.(*Buffer)
		if buf.dirty {
			if err := c.dev.PwriteBlock(buf.Addr, buf.Bytes); err != nil {
				return err
			}
			buf.dirty = false
		}
	}
	return nil
}

// MustAcquire is a convenience for call sites that have already validated
// addr is in range and treat any I/O failure as immediately fatal.
func (c *Cache) MustAcquire(addr uint64) (*Buffer, error) {
	if addr >= c.dev.LengthBlocks() {
		return nil, fmt.Errorf("%w: block %d beyond device length %d", gfs2.ErrMalformed, addr, c.dev.LengthBlocks())
	}
	return c.Acquire(addr)
}
