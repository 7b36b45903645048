// Package index implements the tag search index over a locally stored element set.
//
// The index is a chain of offset indirections over append-only byte buffers:
//
//	KvIndex:      (key, value)   -> kv offset
//	KvStore:      kv offset      -> usage offset
//	KvUsage:      usage offset   -> element offsets
//	ElementStore: element offset -> element
package index

import (
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/NERVsystems/tilestream/pkg/element"
)

// DefaultCacheSize is the number of decoded elements kept by an ElementStore.
const DefaultCacheSize = 4096

// Pair is a tag key/value pair.
type Pair struct {
	Key   string
	Value string
}

func (p Pair) String() string {
	return p.Key + "=" + p.Value
}

// ElementStore maps element offsets to encoded element records.
type ElementStore struct {
	mu    sync.RWMutex
	data  []byte
	cache *lru.Cache[uint32, element.Element]
}

// NewElementStore creates an empty store that caches up to cacheSize decoded elements.
func NewElementStore(cacheSize int) (*ElementStore, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[uint32, element.Element](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating element cache: %w", err)
	}
	return &ElementStore{cache: cache}, nil
}

// Append encodes e and returns its offset.
func (s *ElementStore) Append(e element.Element) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	offset := uint32(len(s.data))
	data, err := appendRecord(s.data, e)
	if err != nil {
		return 0, err
	}
	s.data = data
	return offset, nil
}

// Get decodes the element stored at offset. Each call returns a fresh copy.
func (s *ElementStore) Get(offset uint32) (element.Element, error) {
	if e, ok := s.cache.Get(offset); ok {
		return cloneElement(e), nil
	}

	s.mu.RLock()
	if int(offset) >= len(s.data) {
		s.mu.RUnlock()
		return nil, fmt.Errorf("element offset %d out of range", offset)
	}
	e, err := decodeRecord(s.data[offset:])
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("decoding element at %d: %w", offset, err)
	}

	s.cache.Add(offset, e)
	return cloneElement(e), nil
}

// Size returns the encoded size in bytes.
func (s *ElementStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func cloneElement(e element.Element) element.Element {
	switch el := e.(type) {
	case *element.Node:
		return el.Clone()
	case *element.Way:
		return el.Clone()
	case *element.Relation:
		return el.Clone()
	default:
		panic(fmt.Sprintf("index: unexpected element type %T", e))
	}
}

// KvUsage stores the element offsets that carry a tag pair.
type KvUsage struct {
	data []byte
}

// Append stores a list of element offsets and returns its usage offset.
func (u *KvUsage) Append(offsets []uint32) uint32 {
	offset := uint32(len(u.data))
	sorted := append([]uint32(nil), offsets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	u.data = protowire.AppendVarint(u.data, uint64(len(sorted)))
	var prev uint32
	for _, o := range sorted {
		u.data = protowire.AppendVarint(u.data, uint64(o-prev))
		prev = o
	}
	return offset
}

// Get returns the element offsets stored at usageOffset.
func (u *KvUsage) Get(usageOffset uint32) ([]uint32, error) {
	if int(usageOffset) >= len(u.data) {
		return nil, fmt.Errorf("usage offset %d out of range", usageOffset)
	}
	b := u.data[usageOffset:]
	count, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, errCorrupt
	}
	b = b[n:]

	out := make([]uint32, 0, count)
	var prev uint32
	for i := uint64(0); i < count; i++ {
		delta, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, errCorrupt
		}
		b = b[n:]
		prev += uint32(delta)
		out = append(out, prev)
	}
	return out, nil
}

// KvStore stores tag pairs together with the offset of their usage list.
type KvStore struct {
	data []byte
	keys map[string][]uint32
}

func newKvStore() *KvStore {
	return &KvStore{keys: make(map[string][]uint32)}
}

// Append stores a pair and returns its kv offset.
func (s *KvStore) Append(p Pair, usageOffset uint32) uint32 {
	offset := uint32(len(s.data))
	s.data = protowire.AppendString(s.data, p.Key)
	s.data = protowire.AppendString(s.data, p.Value)
	s.data = protowire.AppendVarint(s.data, uint64(usageOffset))
	s.keys[p.Key] = append(s.keys[p.Key], offset)
	return offset
}

// Get decodes the pair and usage offset stored at kvOffset.
func (s *KvStore) Get(kvOffset uint32) (Pair, uint32, error) {
	if int(kvOffset) >= len(s.data) {
		return Pair{}, 0, fmt.Errorf("kv offset %d out of range", kvOffset)
	}
	b := s.data[kvOffset:]
	key, n := protowire.ConsumeString(b)
	if n < 0 {
		return Pair{}, 0, errCorrupt
	}
	b = b[n:]
	value, n := protowire.ConsumeString(b)
	if n < 0 {
		return Pair{}, 0, errCorrupt
	}
	b = b[n:]
	usage, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return Pair{}, 0, errCorrupt
	}
	return Pair{Key: key, Value: value}, uint32(usage), nil
}

// Usage returns the usage offset stored at kvOffset.
func (s *KvStore) Usage(kvOffset uint32) (uint32, error) {
	_, usage, err := s.Get(kvOffset)
	return usage, err
}

// Search yields the stored pairs with the given key. An empty value matches
// every value of the key. A record that cannot be decoded yields an error and
// ends the sequence.
func (s *KvStore) Search(key, value string) iter.Seq2[Pair, error] {
	return s.match(key, func(v string) bool { return value == "" || v == value })
}

// SearchText yields the stored pairs with the given key whose value contains
// text, ignoring case.
func (s *KvStore) SearchText(key, text string) iter.Seq2[Pair, error] {
	text = strings.ToLower(text)
	return s.match(key, func(v string) bool { return strings.Contains(strings.ToLower(v), text) })
}

func (s *KvStore) match(key string, accept func(string) bool) iter.Seq2[Pair, error] {
	return func(yield func(Pair, error) bool) {
		for _, off := range s.keys[key] {
			p, _, err := s.Get(off)
			if err != nil {
				yield(Pair{}, fmt.Errorf("decoding kv record at %d: %w", off, err))
				return
			}
			if !accept(p.Value) {
				continue
			}
			if !yield(p, nil) {
				return
			}
		}
	}
}

// KvIndex maps tag pairs to their kv offset.
type KvIndex struct {
	offsets map[Pair]uint32
}

// Offset returns the kv offset of p.
func (x *KvIndex) Offset(p Pair) (uint32, bool) {
	off, ok := x.offsets[p]
	return off, ok
}

// Len returns the number of indexed pairs.
func (x *KvIndex) Len() int {
	return len(x.offsets)
}

// Index bundles the four storage layers.
type Index struct {
	Elements *ElementStore
	Kv       *KvStore
	KvIndex  *KvIndex
	Usage    *KvUsage
}

// Offsets resolves a pair to the element offsets carrying it.
func (x *Index) Offsets(p Pair) ([]uint32, error) {
	kvOffset, ok := x.KvIndex.Offset(p)
	if !ok {
		return nil, nil
	}
	usageOffset, err := x.Kv.Usage(kvOffset)
	if err != nil {
		return nil, fmt.Errorf("reading usage of %s: %w", p, err)
	}
	return x.Usage.Get(usageOffset)
}
