package index

import (
	"fmt"
	"sort"

	"github.com/NERVsystems/tilestream/pkg/element"
)

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithCacheSize sets the decoded element cache size of the built index.
func WithCacheSize(n int) BuilderOption {
	return func(b *Builder) {
		b.cacheSize = n
	}
}

// Builder collects tagged elements and produces an Index.
type Builder struct {
	cacheSize int
	store     *ElementStore
	tags      map[Pair][]uint32
	built     bool
}

// NewBuilder creates an index builder.
func NewBuilder(opts ...BuilderOption) (*Builder, error) {
	b := &Builder{
		cacheSize: DefaultCacheSize,
		tags:      make(map[Pair][]uint32),
	}
	for _, opt := range opts {
		opt(b)
	}

	store, err := NewElementStore(b.cacheSize)
	if err != nil {
		return nil, err
	}
	b.store = store
	return b, nil
}

// Add stores e if it carries tags. Untagged elements cannot be found by a tag
// search and are skipped.
func (b *Builder) Add(e element.Element) error {
	if b.built {
		return fmt.Errorf("index already built")
	}
	tags := e.ElementTags()
	if len(tags) == 0 {
		return nil
	}

	offset, err := b.store.Append(e)
	if err != nil {
		return fmt.Errorf("storing %s: %w", element.KeyOf(e), err)
	}
	for k, v := range tags {
		p := Pair{Key: k, Value: v}
		b.tags[p] = append(b.tags[p], offset)
	}
	return nil
}

// Build writes the kv layers and returns the finished index. The builder
// cannot be used afterwards.
func (b *Builder) Build() (*Index, error) {
	if b.built {
		return nil, fmt.Errorf("index already built")
	}
	b.built = true

	pairs := make([]Pair, 0, len(b.tags))
	for p := range b.tags {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Key != pairs[j].Key {
			return pairs[i].Key < pairs[j].Key
		}
		return pairs[i].Value < pairs[j].Value
	})

	usage := &KvUsage{}
	kv := newKvStore()
	kvIndex := &KvIndex{offsets: make(map[Pair]uint32, len(pairs))}
	for _, p := range pairs {
		usageOffset := usage.Append(b.tags[p])
		kvIndex.offsets[p] = kv.Append(p, usageOffset)
	}

	return &Index{
		Elements: b.store,
		Kv:       kv,
		KvIndex:  kvIndex,
		Usage:    usage,
	}, nil
}
