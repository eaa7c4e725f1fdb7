package transaction

import (
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
)

// Generator produces transaction records on demand. Implementations give no
// ordering or uniqueness guarantee unless they say so.
type Generator interface {
	Next() Record
}

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func() Record

func (f GeneratorFunc) Next() Record { return f() }

// randomRange bounds keys, values and ids of RandomGenerator.
const randomRange = 100

// RandomGenerator draws keys, values and ids uniformly from [0, 100).
// The source is owned by the generator, so two generators built with the
// same seed produce the same sequence.
type RandomGenerator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandomGenerator returns a generator driven by its own seeded source.
func NewRandomGenerator(seed int64) *RandomGenerator {
	return &RandomGenerator{rnd: rand.New(rand.NewSource(seed))}
}

func (g *RandomGenerator) Next() Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Record{
		Key:   strconv.Itoa(g.rnd.Intn(randomRange)),
		Value: int64(g.rnd.Intn(randomRange)),
		TxnID: uint64(g.rnd.Intn(randomRange)),
	}
}

// UniqueGenerator wraps another generator and replaces its transaction ids with
// a strictly increasing sequence starting after base.
type UniqueGenerator struct {
	inner Generator
	next  atomic.Uint64
}

// NewUniqueGenerator returns a generator whose first id is base+1.
func NewUniqueGenerator(inner Generator, base uint64) *UniqueGenerator {
	g := &UniqueGenerator{inner: inner}
	g.next.Store(base)
	return g
}

func (g *UniqueGenerator) Next() Record {
	rec := g.inner.Next()
	rec.TxnID = g.next.Add(1)
	return rec
}
