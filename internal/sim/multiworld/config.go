package multiworld

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"warpline.ai/internal/protocol"
	"warpline.ai/internal/sim/chunk"
	"warpline.ai/internal/sim/world"
)

type Config struct {
	DefaultWorldID string            `yaml:"default_world_id" toml:"default_world_id"`
	Seed           int64             `yaml:"seed" toml:"seed"`
	Worlds         []WorldSpec       `yaml:"worlds" toml:"worlds"`
	PortalRoutes   []PortalRouteSpec `yaml:"portal_routes,omitempty" toml:"portal_routes"`
	Runtime        RuntimeSpec       `yaml:"runtime" toml:"runtime"`
}

type WorldSpec struct {
	ID               string `yaml:"id" toml:"id"`
	Type             string `yaml:"type" toml:"type"`
	SeedOffset       int64  `yaml:"seed_offset" toml:"seed_offset"`
	BoundaryR        int    `yaml:"boundary_r" toml:"boundary_r"`
	MinY             int    `yaml:"min_y" toml:"min_y"`
	MaxY             int    `yaml:"max_y" toml:"max_y"`
	GroundY          int    `yaml:"ground_y" toml:"ground_y"`
	TerrainAmplitude int    `yaml:"terrain_amplitude" toml:"terrain_amplitude"`
	RegionChunks     int    `yaml:"region_chunks" toml:"region_chunks"`

	CoordinateScale    float64 `yaml:"coordinate_scale" toml:"coordinate_scale"`
	Arrival            string  `yaml:"arrival" toml:"arrival"`
	PortalSearchRadius int     `yaml:"portal_search_radius" toml:"portal_search_radius"`
	PortalCreateRadius int     `yaml:"portal_create_radius" toml:"portal_create_radius"`
	FixedLoadRadius    int     `yaml:"fixed_load_radius" toml:"fixed_load_radius"`

	EntryPointID string           `yaml:"entry_point_id" toml:"entry_point_id"`
	EntryPoints  []EntryPointSpec `yaml:"entry_points,omitempty" toml:"entry_points"`
}

type EntryPointSpec struct {
	ID      string `yaml:"id" toml:"id"`
	X       int    `yaml:"x" toml:"x"`
	Y       int    `yaml:"y" toml:"y"`
	Z       int    `yaml:"z" toml:"z"`
	Enabled bool   `yaml:"enabled" toml:"enabled"`
}

// PortalRouteSpec says where a portal in FromWorld leads. With ToEntryID set
// the traveller is delivered to that entry point and no portal is placed.
type PortalRouteSpec struct {
	FromWorld string `yaml:"from_world" toml:"from_world"`
	ToWorld   string `yaml:"to_world" toml:"to_world"`
	ToEntryID string `yaml:"to_entry_id,omitempty" toml:"to_entry_id"`
}

type RuntimeSpec struct {
	TickRateHz       int     `yaml:"tick_rate_hz" toml:"tick_rate_hz"`
	LoaderBudget     int     `yaml:"loader_budget" toml:"loader_budget"`
	LoaderIntervalMs int     `yaml:"loader_interval_ms" toml:"loader_interval_ms"`
	ViewDistance     float64 `yaml:"view_distance" toml:"view_distance"`
	RequestTimeoutMs int     `yaml:"request_timeout_ms" toml:"request_timeout_ms"`
}

// Load reads YAML, or TOML when the file ends in .toml. An empty path gives
// the defaults. A file that lists worlds replaces the default worlds and
// their routes; sections the file leaves out fall back to the defaults.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		cfg := defaults()
		cfg.Normalize()
		return cfg, nil
	}
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return defaults(), err
	}
	name := filepath.Base(path)
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", name, err)
		}
	} else if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", name, err)
	}
	cfg.fillDefaults()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", name, err)
	}
	return cfg, nil
}

// fillDefaults supplies the sections a config file left empty. Runtime
// fields are filled by Normalize.
func (c *Config) fillDefaults() {
	d := defaults()
	if len(c.Worlds) == 0 {
		c.Worlds = d.Worlds
		if len(c.PortalRoutes) == 0 {
			c.PortalRoutes = d.PortalRoutes
		}
	}
	if strings.TrimSpace(c.DefaultWorldID) == "" {
		c.DefaultWorldID = d.DefaultWorldID
		if _, ok := c.WorldSpecByID(c.DefaultWorldID); !ok {
			c.DefaultWorldID = c.Worlds[0].ID
		}
	}
	if c.Seed == 0 {
		c.Seed = d.Seed
	}
}

func defaults() Config {
	return Config{
		DefaultWorldID: "OVERWORLD",
		Seed:           1337,
		Worlds: []WorldSpec{
			{
				ID:                 "OVERWORLD",
				Type:               "OVERWORLD",
				BoundaryR:          30000,
				MinY:               0,
				MaxY:               255,
				GroundY:            64,
				TerrainAmplitude:   6,
				RegionChunks:       8,
				CoordinateScale:    1,
				Arrival:            string(world.ArrivalSearched),
				PortalSearchRadius: 8,
				PortalCreateRadius: 1,
				EntryPointID:       "overworld_spawn",
				EntryPoints: []EntryPointSpec{
					{ID: "overworld_spawn", X: 0, Y: 64, Z: 0, Enabled: true},
				},
			},
			{
				ID:                 "NETHER",
				Type:               "NETHER",
				SeedOffset:         1,
				BoundaryR:          3750,
				MinY:               0,
				MaxY:               127,
				GroundY:            32,
				TerrainAmplitude:   10,
				RegionChunks:       8,
				CoordinateScale:    8,
				Arrival:            string(world.ArrivalSearched),
				PortalSearchRadius: 2,
				PortalCreateRadius: 1,
				EntryPointID:       "nether_gate",
				EntryPoints: []EntryPointSpec{
					{ID: "nether_gate", X: 0, Y: 32, Z: 0, Enabled: true},
				},
			},
			{
				ID:               "THE_END",
				Type:             "THE_END",
				SeedOffset:       2,
				BoundaryR:        2000,
				MinY:             0,
				MaxY:             255,
				GroundY:          48,
				TerrainAmplitude: 2,
				RegionChunks:     8,
				CoordinateScale:  1,
				Arrival:          string(world.ArrivalFixed),
				FixedLoadRadius:  1,
				EntryPointID:     "end_platform",
				EntryPoints: []EntryPointSpec{
					{ID: "end_platform", X: 100, Y: 49, Z: 0, Enabled: true},
				},
			},
		},
		PortalRoutes: []PortalRouteSpec{
			{FromWorld: "OVERWORLD", ToWorld: "NETHER"},
			{FromWorld: "NETHER", ToWorld: "OVERWORLD"},
			{FromWorld: "OVERWORLD", ToWorld: "THE_END"},
			{FromWorld: "THE_END", ToWorld: "OVERWORLD", ToEntryID: "overworld_spawn"},
		},
		Runtime: RuntimeSpec{
			TickRateHz:       20,
			LoaderBudget:     64,
			LoaderIntervalMs: 10,
			ViewDistance:     64,
			RequestTimeoutMs: 3000,
		},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	for i := range c.Worlds {
		w := &c.Worlds[i]
		if strings.TrimSpace(w.Type) == "" {
			w.Type = w.ID
		}
		if w.Arrival == "" {
			w.Arrival = string(world.ArrivalSearched)
		}
		if w.CoordinateScale <= 0 {
			w.CoordinateScale = 1
		}
		if w.RegionChunks <= 0 {
			w.RegionChunks = 8
		}
		if w.MaxY == 0 && w.MinY == 0 {
			w.MaxY = 255
		}
		if w.PortalSearchRadius <= 0 {
			w.PortalSearchRadius = 8
		}
		if w.PortalCreateRadius <= 0 {
			w.PortalCreateRadius = 1
		}
		if w.FixedLoadRadius <= 0 {
			w.FixedLoadRadius = 1
		}
		if len(w.EntryPoints) == 0 {
			id := strings.TrimSpace(w.EntryPointID)
			if id == "" {
				id = strings.ToLower(w.ID) + "_entry"
			}
			w.EntryPoints = []EntryPointSpec{{ID: id, Y: w.GroundY, Enabled: true}}
		}
		// A single entry point is always usable.
		if len(w.EntryPoints) == 1 {
			w.EntryPoints[0].Enabled = true
		}
		if strings.TrimSpace(w.EntryPointID) == "" {
			w.EntryPointID = w.EntryPoints[0].ID
		}
	}
	if len(c.PortalRoutes) == 0 {
		for i := range c.Worlds {
			for j := range c.Worlds {
				if i == j {
					continue
				}
				c.PortalRoutes = append(c.PortalRoutes, PortalRouteSpec{
					FromWorld: c.Worlds[i].ID,
					ToWorld:   c.Worlds[j].ID,
				})
			}
		}
	}
	r := &c.Runtime
	if r.TickRateHz <= 0 {
		r.TickRateHz = 20
	}
	if r.LoaderBudget <= 0 {
		r.LoaderBudget = 64
	}
	if r.LoaderIntervalMs <= 0 {
		r.LoaderIntervalMs = 10
	}
	if r.ViewDistance <= 0 {
		r.ViewDistance = 64
	}
	if r.RequestTimeoutMs <= 0 {
		r.RequestTimeoutMs = 3000
	}
}

func (c Config) Validate() error {
	c.Normalize()
	if len(c.Worlds) == 0 {
		return fmt.Errorf("worlds must not be empty")
	}
	seen := map[string]bool{}
	entryByWorld := map[string]map[string]bool{}
	for _, w := range c.Worlds {
		if strings.TrimSpace(w.ID) == "" {
			return fmt.Errorf("world id must not be empty")
		}
		if seen[w.ID] {
			return fmt.Errorf("duplicate world id: %s", w.ID)
		}
		seen[w.ID] = true
		if w.BoundaryR <= 0 {
			return fmt.Errorf("world %s boundary_r must be > 0", w.ID)
		}
		if w.MaxY <= w.MinY {
			return fmt.Errorf("world %s max_y must be > min_y", w.ID)
		}
		if w.GroundY < w.MinY || w.GroundY+w.TerrainAmplitude >= w.MaxY {
			return fmt.Errorf("world %s ground_y+terrain_amplitude must lie in [min_y, max_y)", w.ID)
		}
		if w.TerrainAmplitude < 0 {
			return fmt.Errorf("world %s terrain_amplitude must be >= 0", w.ID)
		}
		switch world.Arrival(w.Arrival) {
		case world.ArrivalFixed, world.ArrivalSearched:
		default:
			return fmt.Errorf("world %s arrival must be %q or %q", w.ID, world.ArrivalFixed, world.ArrivalSearched)
		}
		ids := map[string]bool{}
		for _, ep := range w.EntryPoints {
			epID := strings.TrimSpace(ep.ID)
			if epID == "" {
				return fmt.Errorf("world %s has empty entry point id", w.ID)
			}
			if ids[epID] {
				return fmt.Errorf("world %s duplicate entry point id: %s", w.ID, epID)
			}
			ids[epID] = true
			if abs(ep.X) > w.BoundaryR || abs(ep.Z) > w.BoundaryR {
				return fmt.Errorf("world %s entry point %s outside boundary_r", w.ID, epID)
			}
		}
		entryByWorld[w.ID] = ids
		if !ids[w.EntryPointID] {
			return fmt.Errorf("world %s entry_point_id %q not found in entry_points", w.ID, w.EntryPointID)
		}
	}
	if c.DefaultWorldID == "" {
		return fmt.Errorf("default_world_id must not be empty")
	}
	if !seen[c.DefaultWorldID] {
		return fmt.Errorf("default_world_id %q not found in worlds", c.DefaultWorldID)
	}
	pairs := map[[2]string]bool{}
	for i, r := range c.PortalRoutes {
		if strings.TrimSpace(r.FromWorld) == "" || strings.TrimSpace(r.ToWorld) == "" {
			return fmt.Errorf("portal_routes[%d] missing from_world/to_world", i)
		}
		if !seen[r.FromWorld] {
			return fmt.Errorf("portal_routes[%d] from_world %q not found", i, r.FromWorld)
		}
		if !seen[r.ToWorld] {
			return fmt.Errorf("portal_routes[%d] to_world %q not found", i, r.ToWorld)
		}
		if pairs[[2]string{r.FromWorld, r.ToWorld}] {
			return fmt.Errorf("portal_routes[%d] duplicates %s -> %s", i, r.FromWorld, r.ToWorld)
		}
		pairs[[2]string{r.FromWorld, r.ToWorld}] = true
		if r.ToEntryID != "" && !entryByWorld[r.ToWorld][r.ToEntryID] {
			return fmt.Errorf("portal_routes[%d] to_entry_id %q not found in %s", i, r.ToEntryID, r.ToWorld)
		}
	}
	return nil
}

func (c Config) Manifest() []protocol.WorldRef {
	out := make([]protocol.WorldRef, 0, len(c.Worlds))
	for _, w := range c.Worlds {
		out = append(out, protocol.WorldRef{
			WorldID:         w.ID,
			WorldType:       w.Type,
			Arrival:         w.Arrival,
			CoordinateScale: w.CoordinateScale,
			EntryPointID:    w.EntryPointID,
			BoundaryR:       w.BoundaryR,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorldID < out[j].WorldID })
	return out
}

func (c Config) WorldSpecByID(id string) (WorldSpec, bool) {
	for _, w := range c.Worlds {
		if w.ID == id {
			return w, true
		}
	}
	return WorldSpec{}, false
}

func (c Config) EntryPoint(worldID, entryID string) (EntryPointSpec, bool) {
	for _, w := range c.Worlds {
		if w.ID != worldID {
			continue
		}
		for _, ep := range w.EntryPoints {
			if ep.ID == entryID {
				return ep, true
			}
		}
		return EntryPointSpec{}, false
	}
	return EntryPointSpec{}, false
}

func (c Config) Route(from, to string) (PortalRouteSpec, bool) {
	for _, r := range c.PortalRoutes {
		if r.FromWorld == from && r.ToWorld == to {
			return r, true
		}
	}
	return PortalRouteSpec{}, false
}

// RoutesFrom lists the portal destinations reachable from a world.
func (c Config) RoutesFrom(from string) []PortalRouteSpec {
	var out []PortalRouteSpec
	for _, r := range c.PortalRoutes {
		if r.FromWorld == from {
			out = append(out, r)
		}
	}
	return out
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Runtime.RequestTimeoutMs) * time.Millisecond
}

// WorldConfig converts a spec into the runtime world configuration. spawnEntry
// picks the entry point used as fixed arrival; empty means the primary one.
func (c Config) WorldConfig(w WorldSpec, spawnEntry string) world.Config {
	if spawnEntry == "" {
		spawnEntry = w.EntryPointID
	}
	ep, _ := c.EntryPoint(w.ID, spawnEntry)
	return world.Config{
		ID:        w.ID,
		Type:      w.Type,
		BoundaryR: w.BoundaryR,
		MinY:      w.MinY,
		MaxY:      w.MaxY,
		Terrain: chunk.Terrain{
			Seed:      c.Seed + w.SeedOffset,
			GroundY:   w.GroundY,
			Amplitude: w.TerrainAmplitude,
		},
		RegionChunks:       w.RegionChunks,
		TickRateHz:         c.Runtime.TickRateHz,
		ViewDistance:       c.Runtime.ViewDistance,
		CoordinateScale:    w.CoordinateScale,
		Arrival:            world.Arrival(w.Arrival),
		Spawn:              chunk.BlockPos{X: ep.X, Y: ep.Y, Z: ep.Z},
		PortalSearchRadius: w.PortalSearchRadius,
		PortalCreateRadius: w.PortalCreateRadius,
		FixedLoadRadius:    w.FixedLoadRadius,
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
