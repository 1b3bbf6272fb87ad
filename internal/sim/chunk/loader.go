package chunk

import (
	"context"
	"sort"
	"sync"
	"time"

	"warpline.ai/internal/sim/future"
)

// Set describes a square of chunks served at (at least) Detail.
type Set struct {
	Center Pos
	Radius int
	Detail Detail
}

func (s Set) Positions() []Pos { return Square(s.Center, s.Radius) }

type request struct {
	set      Set
	priority Priority
	seq      uint64
	done     *future.Completable[Set]
}

type LoaderStats struct {
	Generated int64
	Upgraded  int64
	Unloaded  int64
	Served    int64
	Pending   int
	Loaded    int
}

// Loader produces chunks asynchronously. A request's completable fires only
// once every chunk in its square has reached the requested detail, and each
// served chunk is handed to OnServe while the loader lock is held so the
// caller can pin it before anything can unload it.
type Loader struct {
	terrain Terrain
	onServe func(Pos)

	mu     sync.Mutex
	chunks map[Pos]*Chunk
	queue  []*request
	seq    uint64
	stats  LoaderStats
}

func NewLoader(t Terrain, onServe func(Pos)) *Loader {
	return &Loader{
		terrain: t,
		onServe: onServe,
		chunks:  map[Pos]*Chunk{},
	}
}

func (l *Loader) Terrain() Terrain { return l.terrain }

func (l *Loader) Load(center Pos, radius int, detail Detail, pri Priority) *future.Completable[Set] {
	set := Set{Center: center, Radius: radius, Detail: detail}
	l.mu.Lock()
	if l.readyLocked(set) {
		l.serveLocked(set)
		l.mu.Unlock()
		return future.Completed(set)
	}
	l.seq++
	req := &request{set: set, priority: pri, seq: l.seq, done: future.New[Set]()}
	l.queue = append(l.queue, req)
	l.mu.Unlock()
	return req.done
}

func (l *Loader) LoadFull(center Pos, radius int, pri Priority) *future.Completable[Set] {
	return l.Load(center, radius, DetailFull, pri)
}

// Process generates up to budget chunks for queued requests, highest priority
// first, and completes the requests that became ready. It returns the number
// of chunks generated.
func (l *Loader) Process(budget int) int {
	l.mu.Lock()
	sort.SliceStable(l.queue, func(i, j int) bool {
		a, b := l.queue[i], l.queue[j]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		return a.seq < b.seq
	})

	generated := 0
	var ready []*request
	kept := l.queue[:0]
	for _, req := range l.queue {
		if req.set.Detail > DetailNone {
			for _, p := range req.set.Positions() {
				if generated >= budget {
					break
				}
				if l.detailLocked(p) >= req.set.Detail {
					continue
				}
				l.generateLocked(p, req.set.Detail)
				generated++
			}
		}
		if l.readyLocked(req.set) {
			l.serveLocked(req.set)
			ready = append(ready, req)
			continue
		}
		kept = append(kept, req)
	}
	for i := len(kept); i < len(l.queue); i++ {
		l.queue[i] = nil
	}
	l.queue = kept
	l.mu.Unlock()

	for _, req := range ready {
		_ = req.done.Complete(req.set)
	}
	return generated
}

// Run drives Process until ctx is cancelled.
func (l *Loader) Run(ctx context.Context, interval time.Duration, budget int) error {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			l.Process(budget)
		}
	}
}

func (l *Loader) Chunk(p Pos) (*Chunk, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.chunks[p]
	return c, ok
}

func (l *Loader) DetailAt(p Pos) Detail {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.detailLocked(p)
}

func (l *Loader) Ready(p Pos, d Detail) bool { return l.DetailAt(p) >= d }

// HeightAt returns the surface height at a block column whose chunk is loaded
// at full detail.
func (l *Loader) HeightAt(x, z int) (int, bool) {
	c, ok := l.Chunk(FromBlock(x, z))
	if !ok {
		return 0, false
	}
	return c.HeightAt(x, z)
}

// UnloadIf drops the chunk when keep reports false. keep runs under the
// loader lock.
func (l *Loader) UnloadIf(p Pos, keep func(Pos) bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.chunks[p]; !ok {
		return false
	}
	if keep != nil && keep(p) {
		return false
	}
	delete(l.chunks, p)
	l.stats.Unloaded++
	return true
}

// LoadedWhere lists loaded chunk positions matching match (all when nil).
func (l *Loader) LoadedWhere(match func(Pos) bool) []Pos {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Pos, 0, len(l.chunks))
	for p := range l.chunks {
		if match == nil || match(p) {
			out = append(out, p)
		}
	}
	return out
}

func (l *Loader) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Loader) Stats() LoaderStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.Pending = len(l.queue)
	s.Loaded = len(l.chunks)
	return s
}

func (l *Loader) detailLocked(p Pos) Detail {
	if c, ok := l.chunks[p]; ok {
		return c.Detail
	}
	return DetailNone
}

func (l *Loader) readyLocked(s Set) bool {
	if s.Detail == DetailNone {
		return true
	}
	for _, p := range s.Positions() {
		if l.detailLocked(p) < s.Detail {
			return false
		}
	}
	return true
}

func (l *Loader) generateLocked(p Pos, d Detail) {
	if _, ok := l.chunks[p]; ok {
		l.stats.Upgraded++
	} else {
		l.stats.Generated++
	}
	l.chunks[p] = l.terrain.generate(p, d)
}

func (l *Loader) serveLocked(s Set) {
	if s.Detail == DetailNone {
		return
	}
	for _, p := range s.Positions() {
		l.stats.Served++
		if l.onServe != nil {
			l.onServe(p)
		}
	}
}
