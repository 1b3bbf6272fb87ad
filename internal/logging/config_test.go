package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		EnvLogLevel:     "warn",
		EnvLogTimestamp: "false",
		EnvLogJSON:      "1",
		EnvLogNoColor:   "nope",
	}
	cfg := DefaultConfig(ProfileRuntime)
	applyEnvOverrides(&cfg, func(k string) string { return env[k] })
	if cfg.Level != zerolog.WarnLevel || cfg.Timestamp || !cfg.JSON {
		t.Fatalf("cfg: %+v", cfg)
	}
	if cfg.NoColor {
		t.Fatalf("invalid bool should leave NoColor unchanged")
	}
}

func TestBuildJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := Build(Config{Level: zerolog.InfoLevel, JSON: true, Out: &buf})
	log.Debug().Msg("hidden")
	log.Info().Str("world", "NETHER").Msg("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line written at info level: %s", out)
	}
	if !strings.Contains(out, `"world":"NETHER"`) {
		t.Fatalf("missing field: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	if _, ok := parseLevel("loud"); ok {
		t.Fatalf("unknown level accepted")
	}
	if lvl, ok := parseLevel(" OFF "); !ok || lvl != zerolog.Disabled {
		t.Fatalf("off: got %v,%v", lvl, ok)
	}
}
