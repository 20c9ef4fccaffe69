package pool

import (
	"container/list"
	"fmt"
	"slices"

	"github.com/ironsheep/imageloader/internal/bitmap"
)

// Strategy decides which pooled bitmap can serve a request. Implementations
// are not safe for concurrent use; LruBitmapPool serializes access.
type Strategy interface {
	// Put stores b.
	Put(b *bitmap.Bitmap)
	// Get removes and returns a bitmap able to hold width x height pixels of
	// config, or nil. The bitmap is not reconfigured yet.
	Get(width, height int, config bitmap.Config) *bitmap.Bitmap
	// RemoveLast removes and returns the least recently used bitmap.
	RemoveLast() *bitmap.Bitmap
	// Size is the number of bytes b is accounted for.
	Size(b *bitmap.Bitmap) int
	LogBitmap(b *bitmap.Bitmap) string
	LogRequest(width, height int, config bitmap.Config) string
}

// groupedLinkedMap keeps values grouped by key. Groups are ordered by the
// last time they were created or asked for, so RemoveLast drains cold groups
// first.
type groupedLinkedMap[K comparable] struct {
	order  *list.List // front = most recently requested
	groups map[K]*list.Element
}

type group[K comparable] struct {
	key    K
	values []*bitmap.Bitmap
}

func newGroupedLinkedMap[K comparable]() *groupedLinkedMap[K] {
	return &groupedLinkedMap[K]{order: list.New(), groups: make(map[K]*list.Element)}
}

func (m *groupedLinkedMap[K]) put(key K, b *bitmap.Bitmap) {
	e, ok := m.groups[key]
	if !ok {
		e = m.order.PushFront(&group[K]{key: key})
		m.groups[key] = e
	}
	g := e.Value.(*group[K])
	g.values = append(g.values, b)
}

func (m *groupedLinkedMap[K]) get(key K) *bitmap.Bitmap {
	e, ok := m.groups[key]
	if !ok {
		return nil
	}
	m.order.MoveToFront(e)
	return e.Value.(*group[K]).pop()
}

func (m *groupedLinkedMap[K]) removeLast() (K, *bitmap.Bitmap) {
	for e := m.order.Back(); e != nil; {
		g := e.Value.(*group[K])
		prev := e.Prev()
		if b := g.pop(); b != nil {
			if len(g.values) == 0 {
				m.remove(e)
			}
			return g.key, b
		}
		m.remove(e)
		e = prev
	}
	var zero K
	return zero, nil
}

func (m *groupedLinkedMap[K]) remove(e *list.Element) {
	m.order.Remove(e)
	delete(m.groups, e.Value.(*group[K]).key)
}

func (g *group[K]) pop() *bitmap.Bitmap {
	n := len(g.values)
	if n == 0 {
		return nil
	}
	b := g.values[n-1]
	g.values[n-1] = nil
	g.values = g.values[:n-1]
	return b
}

type attributeKey struct {
	width, height int
	config        bitmap.Config
}

// AttributeStrategy only reuses bitmaps with exactly the requested width,
// height and config.
type AttributeStrategy struct {
	groups *groupedLinkedMap[attributeKey]
}

// NewAttributeStrategy returns an empty AttributeStrategy.
func NewAttributeStrategy() *AttributeStrategy {
	return &AttributeStrategy{groups: newGroupedLinkedMap[attributeKey]()}
}

func (s *AttributeStrategy) Put(b *bitmap.Bitmap) {
	s.groups.put(attributeKey{b.Width(), b.Height(), b.Config()}, b)
}

func (s *AttributeStrategy) Get(width, height int, config bitmap.Config) *bitmap.Bitmap {
	return s.groups.get(attributeKey{width, height, config})
}

func (s *AttributeStrategy) RemoveLast() *bitmap.Bitmap {
	_, b := s.groups.removeLast()
	return b
}

func (s *AttributeStrategy) Size(b *bitmap.Bitmap) int { return b.AllocationByteCount() }

func (s *AttributeStrategy) LogBitmap(b *bitmap.Bitmap) string {
	return s.LogRequest(b.Width(), b.Height(), b.Config())
}

func (s *AttributeStrategy) LogRequest(width, height int, config bitmap.Config) string {
	return fmt.Sprintf("[%dx%d](%v)", width, height, config)
}

// maxSizeMultiple bounds how much larger a reused allocation may be than
// the request.
const maxSizeMultiple = 8

type sizeKey struct {
	size   int
	config bitmap.Config
}

// SizeStrategy reuses any bitmap whose allocation is large enough, at most
// maxSizeMultiple times the requested byte count, picking the smallest fit.
type SizeStrategy struct {
	groups *groupedLinkedMap[sizeKey]
	// sizes counts pooled allocations per config and byte size.
	sizes map[bitmap.Config]map[int]int
}

// NewSizeStrategy returns an empty SizeStrategy.
func NewSizeStrategy() *SizeStrategy {
	return &SizeStrategy{
		groups: newGroupedLinkedMap[sizeKey](),
		sizes:  make(map[bitmap.Config]map[int]int),
	}
}

// compatibleConfigs lists, in preference order, the configs whose
// allocations may be reused for a requested config.
func compatibleConfigs(config bitmap.Config) []bitmap.Config {
	switch config {
	case bitmap.ARGB8888:
		return []bitmap.Config{bitmap.ARGB8888, bitmap.RGBAF16}
	default:
		return []bitmap.Config{config}
	}
}

func (s *SizeStrategy) Put(b *bitmap.Bitmap) {
	key := sizeKey{b.AllocationByteCount(), b.Config()}
	s.groups.put(key, b)
	counts := s.sizes[key.config]
	if counts == nil {
		counts = make(map[int]int)
		s.sizes[key.config] = counts
	}
	counts[key.size]++
}

func (s *SizeStrategy) Get(width, height int, config bitmap.Config) *bitmap.Bitmap {
	need := width * height * config.BytesPerPixel()
	key, ok := s.bestKey(need, config)
	if !ok {
		return nil
	}
	b := s.groups.get(key)
	if b != nil {
		s.decrement(key)
	}
	return b
}

func (s *SizeStrategy) bestKey(need int, config bitmap.Config) (sizeKey, bool) {
	for _, c := range compatibleConfigs(config) {
		counts := s.sizes[c]
		candidates := make([]int, 0, len(counts))
		for size := range counts {
			if size >= need && size <= need*maxSizeMultiple {
				candidates = append(candidates, size)
			}
		}
		if len(candidates) > 0 {
			return sizeKey{slices.Min(candidates), c}, true
		}
	}
	return sizeKey{}, false
}

func (s *SizeStrategy) RemoveLast() *bitmap.Bitmap {
	key, b := s.groups.removeLast()
	if b != nil {
		s.decrement(key)
	}
	return b
}

func (s *SizeStrategy) decrement(key sizeKey) {
	counts := s.sizes[key.config]
	if counts == nil {
		return
	}
	if counts[key.size] <= 1 {
		delete(counts, key.size)
	} else {
		counts[key.size]--
	}
}

func (s *SizeStrategy) Size(b *bitmap.Bitmap) int { return b.AllocationByteCount() }

func (s *SizeStrategy) LogBitmap(b *bitmap.Bitmap) string {
	return fmt.Sprintf("[%d](%v)", b.AllocationByteCount(), b.Config())
}

func (s *SizeStrategy) LogRequest(width, height int, config bitmap.Config) string {
	return fmt.Sprintf("[%d](%v)", width*height*config.BytesPerPixel(), config)
}
