package multiworld

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"warpline.ai/internal/sim/world"
)

func TestLoad_WorldsYAML(t *testing.T) {
	cfg, err := Load("../../../configs/worlds.yaml")
	if err != nil {
		t.Fatalf("load worlds.yaml: %v", err)
	}
	specByID := map[string]WorldSpec{}
	for _, w := range cfg.Worlds {
		specByID[w.ID] = w
	}
	if specByID["NETHER"].CoordinateScale != 8 {
		t.Fatalf("NETHER coordinate_scale=%v want 8", specByID["NETHER"].CoordinateScale)
	}
	if specByID["THE_END"].Arrival != string(world.ArrivalFixed) {
		t.Fatalf("THE_END arrival=%q want fixed", specByID["THE_END"].Arrival)
	}
	if len(cfg.PortalRoutes) == 0 {
		t.Fatalf("expected portal_routes from config")
	}
}

func TestLoad_EmptyPathGivesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.DefaultWorldID != "OVERWORLD" || len(cfg.Worlds) != 3 {
		t.Fatalf("unexpected defaults: default=%q worlds=%d", cfg.DefaultWorldID, len(cfg.Worlds))
	}
	if cfg.RequestTimeout().Milliseconds() != 3000 {
		t.Fatalf("request timeout=%v", cfg.RequestTimeout())
	}
}

func TestLoad_TOMLByExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worlds.toml")
	body := `
default_world_id = "A"
seed = 7

[[worlds]]
id = "A"
boundary_r = 512
ground_y = 10
max_y = 64

[[worlds]]
id = "B"
boundary_r = 64
ground_y = 10
max_y = 64
coordinate_scale = 8
arrival = "fixed"

[runtime]
loader_budget = 16
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load toml: %v", err)
	}
	// The file replaces the default world list.
	if len(cfg.Worlds) != 2 {
		t.Fatalf("worlds=%d want 2", len(cfg.Worlds))
	}
	b, ok := cfg.WorldSpecByID("B")
	if !ok || b.CoordinateScale != 8 || b.Arrival != "fixed" {
		t.Fatalf("B spec=%+v", b)
	}
	if cfg.Runtime.LoaderBudget != 16 || cfg.Runtime.TickRateHz != 20 {
		t.Fatalf("runtime=%+v", cfg.Runtime)
	}
	// Routes are derived from the file's worlds, not the default ones.
	if len(cfg.PortalRoutes) != 2 {
		t.Fatalf("routes=%+v", cfg.PortalRoutes)
	}
	for _, r := range cfg.PortalRoutes {
		if r.FromWorld == "OVERWORLD" || r.ToWorld == "OVERWORLD" {
			t.Fatalf("default route leaked: %+v", r)
		}
	}
}

func TestLoad_YAMLSectionsFallBackToDefaults(t *testing.T) {
	dir := t.TempDir()

	runtimeOnly := filepath.Join(dir, "runtime.yaml")
	if err := os.WriteFile(runtimeOnly, []byte("runtime:\n  tick_rate_hz: 40\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(runtimeOnly)
	if err != nil {
		t.Fatalf("load runtime-only: %v", err)
	}
	if len(cfg.Worlds) != 3 || len(cfg.PortalRoutes) != 4 || cfg.DefaultWorldID != "OVERWORLD" {
		t.Fatalf("defaults not applied: worlds=%d routes=%d default=%q", len(cfg.Worlds), len(cfg.PortalRoutes), cfg.DefaultWorldID)
	}
	if cfg.Runtime.TickRateHz != 40 || cfg.Runtime.LoaderBudget != 64 || cfg.Seed != 1337 {
		t.Fatalf("runtime=%+v seed=%d", cfg.Runtime, cfg.Seed)
	}

	worldsOnly := filepath.Join(dir, "worlds.yaml")
	body := "worlds:\n  - id: SKY\n    boundary_r: 256\n  - id: DEEP\n    boundary_r: 128\n"
	if err := os.WriteFile(worldsOnly, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err = Load(worldsOnly)
	if err != nil {
		t.Fatalf("load worlds-only: %v", err)
	}
	if cfg.DefaultWorldID != "SKY" {
		t.Fatalf("default world=%q want SKY", cfg.DefaultWorldID)
	}
	if len(cfg.PortalRoutes) != 2 {
		t.Fatalf("routes=%+v", cfg.PortalRoutes)
	}
}

func TestLoad_YAMLValidationErrorNamesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	body := "default_world_id: A\nworlds:\n  - id: A\n    boundary_r: 0\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "bad.yaml") || !strings.Contains(err.Error(), "boundary_r") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestConfigNormalize_SynthesizesRoutesAndEntryPoints(t *testing.T) {
	cfg := Config{
		DefaultWorldID: "A",
		Worlds: []WorldSpec{
			{ID: "A", BoundaryR: 64},
			{ID: "B", BoundaryR: 64},
		},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate config: %v", err)
	}
	cfg.Normalize()
	if len(cfg.Worlds[0].EntryPoints) == 0 || len(cfg.Worlds[1].EntryPoints) == 0 {
		t.Fatalf("normalize should synthesize entry points")
	}
	if cfg.Worlds[0].Type != "A" {
		t.Fatalf("type should default to id, got %q", cfg.Worlds[0].Type)
	}
	if len(cfg.PortalRoutes) != 2 {
		t.Fatalf("normalize should synthesize full-mesh routes: got %d want 2", len(cfg.PortalRoutes))
	}
	if _, ok := cfg.Route("B", "A"); !ok {
		t.Fatalf("missing B -> A route")
	}
}

func TestConfigValidate_Rejects(t *testing.T) {
	base := func() Config {
		return Config{
			DefaultWorldID: "A",
			Worlds: []WorldSpec{
				{ID: "A", BoundaryR: 64, EntryPoints: []EntryPointSpec{{ID: "a1"}, {ID: "a2", X: 10}}},
				{ID: "B", BoundaryR: 64},
			},
		}
	}
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"duplicate world", func(c *Config) { c.Worlds[1].ID = "A" }, "duplicate world id"},
		{"unknown default", func(c *Config) { c.DefaultWorldID = "Z" }, "default_world_id"},
		{"bad arrival", func(c *Config) { c.Worlds[0].Arrival = "teleport" }, "arrival"},
		{"flat y range", func(c *Config) { c.Worlds[0].MinY = 10; c.Worlds[0].MaxY = 10 }, "max_y"},
		{"entry outside boundary", func(c *Config) { c.Worlds[0].EntryPoints[1].X = 100 }, "outside boundary_r"},
		{"duplicate entry", func(c *Config) { c.Worlds[0].EntryPoints[1].ID = "a1" }, "duplicate entry point"},
		{"unknown primary entry", func(c *Config) { c.Worlds[0].EntryPointID = "zz" }, "entry_point_id"},
		{"route to unknown world", func(c *Config) {
			c.PortalRoutes = []PortalRouteSpec{{FromWorld: "A", ToWorld: "Z"}}
		}, "to_world"},
		{"route to unknown entry", func(c *Config) {
			c.PortalRoutes = []PortalRouteSpec{{FromWorld: "B", ToWorld: "A", ToEntryID: "nope"}}
		}, "to_entry_id"},
		{"duplicate route", func(c *Config) {
			c.PortalRoutes = []PortalRouteSpec{{FromWorld: "A", ToWorld: "B"}, {FromWorld: "A", ToWorld: "B"}}
		}, "duplicates"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			if err := cfg.Validate(); err != nil {
				t.Fatalf("base config invalid: %v", err)
			}
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v want containing %q", err, tc.want)
			}
		})
	}
}

func TestConfigWorldConfig(t *testing.T) {
	cfg := defaults()
	cfg.Normalize()
	end, _ := cfg.WorldSpecByID("THE_END")
	wc := cfg.WorldConfig(end, "")
	if wc.Arrival != world.ArrivalFixed {
		t.Fatalf("arrival=%q", wc.Arrival)
	}
	if wc.Spawn.X != 100 || wc.Spawn.Y != 49 || wc.Spawn.Z != 0 {
		t.Fatalf("spawn=%v", wc.Spawn)
	}
	if wc.Terrain.Seed != cfg.Seed+2 {
		t.Fatalf("seed=%d", wc.Terrain.Seed)
	}
	if wc.TickRateHz != cfg.Runtime.TickRateHz || wc.ViewDistance != cfg.Runtime.ViewDistance {
		t.Fatalf("runtime fields not carried: %+v", wc)
	}
}

func TestConfigManifestSorted(t *testing.T) {
	cfg := defaults()
	cfg.Normalize()
	m := cfg.Manifest()
	if len(m) != 3 || m[0].WorldID != "NETHER" || m[1].WorldID != "OVERWORLD" || m[2].WorldID != "THE_END" {
		t.Fatalf("manifest=%+v", m)
	}
	if m[0].CoordinateScale != 8 {
		t.Fatalf("nether scale=%v", m[0].CoordinateScale)
	}
}
