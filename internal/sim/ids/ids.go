// Package ids hands out entity, region and holder identifiers. A single
// Generator is created at startup and injected into every world and the
// relocation coordinator; there is no package-level instance.
package ids

import (
	"crypto/rand"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

type Generator struct {
	nextEntity atomic.Int64
	nextRegion atomic.Int64

	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// NewSeededGenerator continues numbering after the given watermarks, e.g.
// when resuming from persisted state.
func NewSeededGenerator(lastEntity, lastRegion int64) *Generator {
	g := NewGenerator()
	g.nextEntity.Store(lastEntity)
	g.nextRegion.Store(lastRegion)
	return g
}

func (g *Generator) NextEntityID() int64 { return g.nextEntity.Add(1) }
func (g *Generator) NextRegionID() int64 { return g.nextRegion.Add(1) }

// LastEntityID is the highest entity id handed out so far.
func (g *Generator) LastEntityID() int64 { return g.nextEntity.Load() }

// NewHolder returns a lexically sortable ULID string used as relocation id and
// ticket holder.
func (g *Generator) NewHolder() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(g.now()), g.entropy).String()
}
