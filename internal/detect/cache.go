package detect

import (
	"container/list"
	"context"
	"crypto/sha256"
	"strings"
	"sync"
)

// CachedSource memoizes another source's spans in memory, bounded by an
// S3-FIFO eviction policy ("Simple, Scalable, FIFO-based cache eviction",
// Yang et al., 2023):
//
//   - S (small, ~10% of capacity): probationary queue, every new key lands here.
//   - M (main, the rest): keys seen again while in S are promoted here.
//   - G (ghost): bounded ring of keys recently evicted from S. A ghost key is
//     inserted straight into M on its next miss.
//
// Per entry state is a saturating frequency counter (max 3), incremented on
// hits and reset on promotion.
//
// Keys are SHA-256 digests of (language, entities, text), so analysed text is
// never retained. Nothing is persisted.
//
// Errors are never cached.
type CachedSource struct {
	inner Source
	cache *s3fifo
}

// NewCachedSource caches up to capacity analyses of inner. Capacities below
// 2 are clamped to 2.
func NewCachedSource(inner Source, capacity int) *CachedSource {
	return &CachedSource{inner: inner, cache: newS3FIFO(capacity)}
}

// Name implements Source; the wrapper is registered under the inner name.
func (c *CachedSource) Name() string { return c.inner.Name() }

// Analyze implements Source.
func (c *CachedSource) Analyze(ctx context.Context, text, language string, entities []string) ([]Span, error) {
	key := cacheKey(text, language, entities)
	if spans, ok := c.cache.get(key); ok {
		return cloneSpans(spans), nil
	}
	spans, err := c.inner.Analyze(ctx, text, language, entities)
	if err != nil {
		return nil, err
	}
	c.cache.set(key, cloneSpans(spans))
	return spans, nil
}

// Len reports how many analyses are held in memory.
func (c *CachedSource) Len() int {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()
	return len(c.cache.entries)
}

func cacheKey(text, language string, entities []string) digest {
	h := sha256.New()
	h.Write([]byte(language))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(entities, ",")))
	h.Write([]byte{0})
	h.Write([]byte(text))
	var k digest
	copy(k[:], h.Sum(nil))
	return k
}

func cloneSpans(in []Span) []Span {
	if in == nil {
		return nil
	}
	out := make([]Span, len(in))
	copy(out, in)
	return out
}

type digest = [sha256.Size]byte

type s3fifoEntry struct {
	spans []Span
	freq  uint8         // saturating counter in [0, 3]
	elem  *list.Element // back-pointer into sQueue or mQueue
	inM   bool
}

type s3fifo struct {
	mu sync.Mutex

	capacity int // S + M max items
	sTarget  int // desired S queue size
	ghostCap int

	entries map[digest]*s3fifoEntry
	sQueue  *list.List // element values are digest
	mQueue  *list.List

	ghostBuf   []digest
	ghostSet   map[digest]struct{}
	ghostHead  int // oldest entry index in ghostBuf
	ghostCount int
}

// Sizing:
//
//	sTarget  = max(1, capacity/10)
//	ghostCap = max(4, 2*sTarget)
func newS3FIFO(capacity int) *s3fifo {
	if capacity < 2 {
		capacity = 2
	}
	sTarget := max(1, capacity/10)
	ghostCap := max(4, 2*sTarget)
	return &s3fifo{
		capacity: capacity,
		sTarget:  sTarget,
		ghostCap: ghostCap,
		entries:  make(map[digest]*s3fifoEntry, capacity),
		sQueue:   list.New(),
		mQueue:   list.New(),
		ghostBuf: make([]digest, ghostCap),
		ghostSet: make(map[digest]struct{}, ghostCap),
	}
}

func (c *s3fifo) get(key digest) ([]Span, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if e.freq < 3 {
		e.freq++
	}
	return e.spans, true
}

// set inserts or updates key. Updating keeps the queue position.
func (c *s3fifo) set(key digest, spans []Span) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.spans = spans
		return
	}

	_, inM := c.ghostSet[key]
	var elem *list.Element
	if inM {
		elem = c.mQueue.PushBack(key)
	} else {
		elem = c.sQueue.PushBack(key)
	}
	c.entries[key] = &s3fifoEntry{spans: spans, elem: elem, inM: inM}

	for c.sQueue.Len()+c.mQueue.Len() > c.capacity {
		if c.sQueue.Len() > 0 {
			c.evictFromS()
		} else {
			c.evictFromM()
		}
	}
}

// evictFromS pops the oldest S entry and either promotes it to M (it was hit
// at least once) or drops it into the ghost ring. Caller holds c.mu.
func (c *s3fifo) evictFromS() {
	front := c.sQueue.Front()
	if front == nil {
		return
	}
	key := c.sQueue.Remove(front).(digest)
	e, ok := c.entries[key]
	if !ok {
		return
	}
	if e.freq == 0 {
		delete(c.entries, key)
		c.ghostAdd(key)
		return
	}
	e.freq = 0
	e.inM = true
	e.elem = c.mQueue.PushBack(key)
	if c.mQueue.Len() > c.capacity-c.sTarget {
		c.evictFromM()
	}
}

// evictFromM drops the oldest M entry. M evictions do not enter the ghost
// ring. Caller holds c.mu.
func (c *s3fifo) evictFromM() {
	front := c.mQueue.Front()
	if front == nil {
		return
	}
	key := c.mQueue.Remove(front).(digest)
	delete(c.entries, key)
}

// ghostAdd records key in the bounded ring, overwriting the oldest ghost when
// full. Caller holds c.mu.
func (c *s3fifo) ghostAdd(key digest) {
	if _, exists := c.ghostSet[key]; exists {
		return
	}
	if c.ghostCount == c.ghostCap {
		oldest := c.ghostBuf[c.ghostHead]
		delete(c.ghostSet, oldest)
		c.ghostHead = (c.ghostHead + 1) % c.ghostCap
		c.ghostCount--
	}
	c.ghostBuf[(c.ghostHead+c.ghostCount)%c.ghostCap] = key
	c.ghostSet[key] = struct{}{}
	c.ghostCount++
}
