package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"warpline.ai/internal/sim/relocate"
)

// SQLiteIndex is a queryable read model of the relocation journal. Writes go
// through a single goroutine and are dropped when it falls behind.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropEvent  atomic.Uint64
	dropPortal atomic.Uint64
	written    atomic.Uint64
	failed     atomic.Uint64
}

type reqKind int

const (
	reqEvent reqKind = iota + 1
	reqPortal
	reqSync
)

type req struct {
	kind reqKind

	event  relocate.Event
	portal portalRow
	ack    chan struct{}
}

type portalRow struct {
	World     string
	X, Y, Z   int
	Axis      string
	Width     int
	Height    int
	CreatedAt string
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS relocations (
			id TEXT PRIMARY KEY,
			entity TEXT NOT NULL,
			kind TEXT NOT NULL,
			cause TEXT NOT NULL,
			from_world TEXT NOT NULL,
			from_x REAL NOT NULL,
			from_y REAL NOT NULL,
			from_z REAL NOT NULL,
			to_world TEXT NOT NULL,
			to_x REAL NOT NULL,
			to_y REAL NOT NULL,
			to_z REAL NOT NULL,
			state TEXT NOT NULL,
			outcome TEXT NOT NULL,
			nodes INTEGER NOT NULL,
			fast INTEGER NOT NULL,
			code TEXT NOT NULL,
			err TEXT NOT NULL,
			started_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_relocations_entity ON relocations(entity, started_at);`,
		`CREATE INDEX IF NOT EXISTS idx_relocations_outcome ON relocations(outcome);`,
		`CREATE TABLE IF NOT EXISTS transitions (
			id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			state TEXT NOT NULL,
			at TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS portals (
			world TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			axis TEXT NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			uses INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			PRIMARY KEY (world, x, y, z)
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Record implements relocate.Recorder. Portal arrivals are indexed too.
func (s *SQLiteIndex) Record(ev relocate.Event) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqEvent, event: ev}:
	default:
		// Drop if the indexer falls behind; the JSONL journal remains the source of truth.
		s.dropEvent.Add(1)
	}
	if ev.Portal == nil {
		return
	}
	r := ev.Portal.Rect
	row := portalRow{
		World:     ev.ToWorld,
		X:         r.Min.X,
		Y:         r.Min.Y,
		Z:         r.Min.Z,
		Axis:      r.Axis.String(),
		Width:     r.Width,
		Height:    r.Height,
		CreatedAt: ev.At.UTC().Format(time.RFC3339Nano),
	}
	select {
	case s.ch <- req{kind: reqPortal, portal: row}:
	default:
		s.dropPortal.Add(1)
	}
}

// Sync waits until everything queued before the call is committed.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	ack := make(chan struct{})
	select {
	case s.ch <- req{kind: reqSync, ack: ack}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Stats struct {
	QueueDepth      int    `json:"queue_depth"`
	QueueCapacity   int    `json:"queue_capacity"`
	WrittenTotal    uint64 `json:"written_total"`
	FailTotal       uint64 `json:"fail_total"`
	DropEventTotal  uint64 `json:"drop_event_total"`
	DropPortalTotal uint64 `json:"drop_portal_total"`
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:      len(s.ch),
		QueueCapacity:   cap(s.ch),
		WrittenTotal:    s.written.Load(),
		FailTotal:       s.failed.Load(),
		DropEventTotal:  s.dropEvent.Load(),
		DropPortalTotal: s.dropPortal.Load(),
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	upsertRelocation, _ := s.db.Prepare(`INSERT INTO relocations(
			id,entity,kind,cause,from_world,from_x,from_y,from_z,to_world,to_x,to_y,to_z,
			state,outcome,nodes,fast,code,err,started_at,updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			to_world=CASE WHEN excluded.to_world<>'' THEN excluded.to_world ELSE relocations.to_world END,
			to_x=excluded.to_x, to_y=excluded.to_y, to_z=excluded.to_z,
			state=excluded.state,
			outcome=CASE WHEN excluded.outcome<>'' THEN excluded.outcome ELSE relocations.outcome END,
			nodes=excluded.nodes,
			fast=excluded.fast,
			code=excluded.code,
			err=excluded.err,
			updated_at=excluded.updated_at`)
	insertTransition, _ := s.db.Prepare(`INSERT INTO transitions(id,seq,state,at,raw_json)
		SELECT ?, COALESCE(MAX(seq)+1, 0), ?, ?, ? FROM transitions WHERE id=?`)
	upsertPortal, _ := s.db.Prepare(`INSERT INTO portals(world,x,y,z,axis,width,height,uses,created_at)
		VALUES(?,?,?,?,?,?,?,?,?)
		ON CONFLICT(world,x,y,z) DO UPDATE SET uses=portals.uses+excluded.uses`)
	defer func() {
		for _, st := range []*sql.Stmt{upsertRelocation, insertTransition, upsertPortal} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.failed.Add(uint64(opCount))
		} else {
			s.written.Add(uint64(opCount))
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.failed.Add(uint64(opCount) + 1)
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	handle := func(r req) {
		if r.kind == reqSync {
			commit()
			close(r.ack)
			return
		}
		begin()
		if tx == nil {
			s.failed.Add(1)
			return
		}
		switch r.kind {
		case reqEvent:
			ev := r.event
			at := ev.At.UTC().Format(time.RFC3339Nano)
			if upsertRelocation != nil {
				if _, err := tx.Stmt(upsertRelocation).Exec(
					ev.ID, ev.Entity, ev.Kind, ev.Cause,
					ev.FromWorld, ev.From[0], ev.From[1], ev.From[2],
					ev.ToWorld, ev.To[0], ev.To[1], ev.To[2],
					ev.State, ev.Outcome, ev.Nodes, boolInt(ev.Fast), ev.Code, ev.Err,
					at, at,
				); err != nil {
					rollback()
					return
				}
				opCount++
			}
			raw, _ := json.Marshal(ev)
			if insertTransition != nil {
				if _, err := tx.Stmt(insertTransition).Exec(ev.ID, ev.State, at, string(raw), ev.ID); err != nil {
					rollback()
					return
				}
				opCount++
			}

		case reqPortal:
			p := r.portal
			if upsertPortal != nil {
				if _, err := tx.Stmt(upsertPortal).Exec(p.World, p.X, p.Y, p.Z, p.Axis, p.Width, p.Height, 1, p.CreatedAt); err != nil {
					rollback()
					return
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	// Idle transactions are committed on a timer so readers are not starved.
	ticker := time.NewTicker(commitMaxWait / 4)
	defer ticker.Stop()
	for {
		select {
		case r, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			handle(r)
		case <-ticker.C:
			flushIfNeeded()
		}
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
