package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"warpline.ai/internal/logging"
	"warpline.ai/internal/persistence/indexdb"
	persistlog "warpline.ai/internal/persistence/log"
	"warpline.ai/internal/persistence/r2s3"
	"warpline.ai/internal/sim/multiworld"
	"warpline.ai/internal/sim/relocate"
	"warpline.ai/internal/transport/ws"
)

type runOptions struct {
	Addr        string
	Worlds      string
	DataDir     string
	StateFile   string
	DisableDB   bool
	EnablePprof bool
}

func runCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start every configured world and serve the HTTP API and event feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return runServer(ctx, opts, logging.New(logging.ProfileRuntime))
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Addr, "addr", ":8080", "http listen address")
	f.StringVar(&opts.Worlds, "worlds", "./configs/worlds.yaml", "worlds config (.yaml or .toml); empty uses built-in defaults")
	f.StringVar(&opts.DataDir, "data", "./data", "runtime data directory")
	f.StringVar(&opts.StateFile, "state-file", "", "manager state file (default: <data>/global/state.json)")
	f.BoolVar(&opts.DisableDB, "disable-db", false, "disable the relocation index")
	f.BoolVar(&opts.EnablePprof, "pprof", envBool("WARPLINE_ENABLE_PPROF_HTTP", false), "serve /debug/pprof")
	return cmd
}

func runServer(ctx context.Context, opts runOptions, logger zerolog.Logger) error {
	cfg, err := multiworld.Load(opts.Worlds)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return err
	}
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		stateFile = filepath.Join(opts.DataDir, "global", "state.json")
	}

	mirror, err := buildMirror(opts.DataDir, logger.With().Str("component", "mirror").Logger())
	if err != nil {
		return err
	}
	journal := persistlog.NewJournal(opts.DataDir, logger.With().Str("component", "journal").Logger())
	if mirror != nil {
		journal.OnClosed(mirror.Enqueue)
	}
	db, remote, err := openIndex(opts.DataDir, opts.DisableDB, logger.With().Str("component", "index").Logger())
	if err != nil {
		return err
	}
	hub := ws.NewHub(cfg.Manifest(), logger.With().Str("component", "feed").Logger())

	recorders := relocate.Recorders{journal, hub}
	if db != nil {
		recorders = append(recorders, db)
	}
	if remote != nil {
		recorders = append(recorders, remote)
	}

	mgr, err := multiworld.NewManager(cfg, multiworld.Options{
		StateFile: stateFile,
		Sink:      hub,
		Recorder:  recorders,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	mgr.Start(ctx)

	s := &server{mgr: mgr, hub: hub, journal: journal, db: db, remote: remote, mirror: mirror, log: logger}
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           s.mux(defaultEnableAdminHTTP(), opts.EnablePprof),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Info().Str("addr", opts.Addr).Strs("worlds", mgr.WorldIDs()).Str("state_file", stateFile).Msg("listening")
	serveErr := srv.ListenAndServe()
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}

	hub.Close()
	mgr.Close()
	if err := journal.Close(); err != nil {
		logger.Error().Err(err).Msg("close journal")
	}
	mirror.Close()
	if db != nil {
		_ = db.Close()
	}
	if remote != nil {
		_ = remote.Close()
	}
	logger.Info().Msg("stopped")
	return serveErr
}

// openIndex picks the relocation index backend from WARPLINE_INDEX_BACKEND:
// sqlite (default), remote, or none.
func openIndex(dataDir string, disableDB bool, logger zerolog.Logger) (*indexdb.SQLiteIndex, *indexdb.RemoteIndex, error) {
	if disableDB {
		return nil, nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("WARPLINE_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil, nil
	case "sqlite":
		db, err := indexdb.OpenSQLite(filepath.Join(dataDir, "index", "relocations.sqlite"))
		return db, nil, err
	case "remote":
		endpoint := strings.TrimSpace(os.Getenv("WARPLINE_INDEX_INGEST_URL"))
		if endpoint == "" {
			return nil, nil, errors.New("WARPLINE_INDEX_BACKEND=remote but WARPLINE_INDEX_INGEST_URL is empty")
		}
		remote, err := indexdb.OpenRemote(indexdb.RemoteConfig{
			Endpoint:      endpoint,
			Token:         strings.TrimSpace(os.Getenv("WARPLINE_INDEX_TOKEN")),
			Source:        hostname(),
			BatchSize:     envInt("WARPLINE_INDEX_BATCH_SIZE", 128),
			FlushInterval: time.Duration(envInt("WARPLINE_INDEX_FLUSH_MS", 500)) * time.Millisecond,
			Logger:        logger,
		})
		return nil, remote, err
	default:
		return nil, nil, errors.New("unsupported WARPLINE_INDEX_BACKEND: " + backend)
	}
}

// buildMirror returns nil unless WARPLINE_R2_MIRROR is set.
func buildMirror(dataDir string, logger zerolog.Logger) (*r2s3.Mirror, error) {
	if !envBool("WARPLINE_R2_MIRROR", false) {
		return nil, nil
	}
	endpoint := strings.TrimSpace(os.Getenv("WARPLINE_R2_ENDPOINT"))
	bucket := strings.TrimSpace(os.Getenv("WARPLINE_R2_BUCKET"))
	accessKeyID := strings.TrimSpace(os.Getenv("WARPLINE_R2_ACCESS_KEY_ID"))
	secretAccessKey := strings.TrimSpace(os.Getenv("WARPLINE_R2_SECRET_ACCESS_KEY"))
	if endpoint == "" || bucket == "" || accessKeyID == "" || secretAccessKey == "" {
		return nil, errors.New("WARPLINE_R2_MIRROR=true but WARPLINE_R2_ENDPOINT/WARPLINE_R2_BUCKET/WARPLINE_R2_ACCESS_KEY_ID/WARPLINE_R2_SECRET_ACCESS_KEY are not fully set")
	}
	client, err := r2s3.New(endpoint, bucket, accessKeyID, secretAccessKey)
	if err != nil {
		return nil, err
	}
	return r2s3.NewMirror(client, r2s3.MirrorOptions{
		DataDir: dataDir,
		Prefix:  strings.TrimSpace(os.Getenv("WARPLINE_R2_PREFIX")),
		Workers: envInt("WARPLINE_R2_UPLOAD_WORKERS", 2),
		Logger:  logger,
	}), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func defaultEnableAdminHTTP() bool {
	if v, ok := os.LookupEnv("WARPLINE_ENABLE_ADMIN_HTTP"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return err == nil && b
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "warpline"
	}
	return h
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
