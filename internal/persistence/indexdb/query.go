package indexdb

import (
	"context"
	"database/sql"
	"errors"
)

type RelocationRow struct {
	ID        string     `json:"id"`
	Entity    string     `json:"entity"`
	Kind      string     `json:"kind"`
	Cause     string     `json:"cause"`
	FromWorld string     `json:"from_world"`
	From      [3]float64 `json:"from"`
	ToWorld   string     `json:"to_world"`
	To        [3]float64 `json:"to"`
	State     string     `json:"state"`
	Outcome   string     `json:"outcome"`
	Nodes     int        `json:"nodes"`
	Fast      bool       `json:"fast"`
	Code      string     `json:"code"`
	Err       string     `json:"err"`
	StartedAt string     `json:"started_at"`
	UpdatedAt string     `json:"updated_at"`
}

type PortalRow struct {
	World     string `json:"world"`
	Min       [3]int `json:"min"`
	Axis      string `json:"axis"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Uses      int    `json:"uses"`
	CreatedAt string `json:"created_at"`
}

var ErrNotFound = errors.New("not found")

func (s *SQLiteIndex) Relocation(ctx context.Context, id string) (RelocationRow, error) {
	var r RelocationRow
	var fast int
	err := s.db.QueryRowContext(ctx, `SELECT id,entity,kind,cause,from_world,from_x,from_y,from_z,
			to_world,to_x,to_y,to_z,state,outcome,nodes,fast,code,err,started_at,updated_at
		FROM relocations WHERE id=?`, id).Scan(
		&r.ID, &r.Entity, &r.Kind, &r.Cause,
		&r.FromWorld, &r.From[0], &r.From[1], &r.From[2],
		&r.ToWorld, &r.To[0], &r.To[1], &r.To[2],
		&r.State, &r.Outcome, &r.Nodes, &fast, &r.Code, &r.Err, &r.StartedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	r.Fast = fast != 0
	return r, err
}

// Transitions lists the recorded states of one relocation in order.
func (s *SQLiteIndex) Transitions(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state FROM transitions WHERE id=? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// OutcomeCounts counts finished relocations per outcome; abandoned ones are
// counted under their error code.
func (s *SQLiteIndex) OutcomeCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT CASE WHEN outcome<>'' THEN outcome ELSE code END AS k, COUNT(*)
		FROM relocations WHERE outcome<>'' OR code<>'' GROUP BY k`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Portals(ctx context.Context, world string) ([]PortalRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT world,x,y,z,axis,width,height,uses,created_at
		FROM portals WHERE world=? ORDER BY x,z,y`, world)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PortalRow
	for rows.Next() {
		var p PortalRow
		if err := rows.Scan(&p.World, &p.Min[0], &p.Min[1], &p.Min[2], &p.Axis, &p.Width, &p.Height, &p.Uses, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
