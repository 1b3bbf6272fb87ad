package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sort"
	"strings"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"warpline.ai/internal/persistence/indexdb"
	persistlog "warpline.ai/internal/persistence/log"
	"warpline.ai/internal/persistence/r2s3"
	"warpline.ai/internal/protocol"
	"warpline.ai/internal/sim/multiworld"
	"warpline.ai/internal/sim/poi"
	"warpline.ai/internal/sim/relocate"
	"warpline.ai/internal/transport/ws"
)

const maxBodyBytes = 64 * 1024

// server holds what the HTTP handlers need. Everything but mgr and hub may
// be nil.
type server struct {
	mgr     *multiworld.Manager
	hub     *ws.Hub
	journal *persistlog.Journal
	db      *indexdb.SQLiteIndex
	remote  *indexdb.RemoteIndex
	mirror  *r2s3.Mirror
	log     zerolog.Logger
}

func (s *server) mux(enableAdmin, enablePprof bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/spawn", s.handleSpawn)
	mux.HandleFunc("/v1/mount", s.handleMount)
	mux.HandleFunc("/v1/teleport", s.handleTeleport)
	mux.HandleFunc("/v1/portal", s.handlePortal)
	mux.HandleFunc("/v1/worlds", func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, http.StatusOK, s.mgr.Manifest())
	})
	mux.HandleFunc("/v1/metrics", s.handleMetricsJSON)
	mux.HandleFunc("/metrics", s.handleMetricsText)
	mux.HandleFunc("/v1/relocations/", s.handleRelocation)
	mux.HandleFunc("/v1/portals", s.handlePortals)
	mux.HandleFunc("/v1/feed", s.hub.Handler())

	if enableAdmin {
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			writeJSON(rw, http.StatusOK, s.mgr.Stats())
		})
		mux.HandleFunc("/admin/v1/flush", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			if err := s.mgr.FlushState(ctx); err != nil {
				writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
				return
			}
			if s.db != nil {
				if err := s.db.Sync(ctx); err != nil {
					writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
					return
				}
			}
			writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
		})
	}
	if enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

func (s *server) handleSpawn(rw http.ResponseWriter, r *http.Request) {
	var req protocol.SpawnReq
	if !decodePost(rw, r, &req) {
		return
	}
	id, err := s.mgr.Spawn(r.Context(), req.World, req.Kind, vec3(req.Pos))
	if err != nil {
		code := multiworld.Code(err)
		writeJSON(rw, statusFor(code), protocol.SpawnResp{Code: code, Message: err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, protocol.SpawnResp{OK: true, Entity: id.String(), World: s.mgr.EntityWorld(id)})
}

func (s *server) handleMount(rw http.ResponseWriter, r *http.Request) {
	var req protocol.MountReq
	if !decodePost(rw, r, &req) {
		return
	}
	rider, ok1 := parseUUID(rw, req.Rider)
	if !ok1 {
		return
	}
	vehicle, ok2 := parseUUID(rw, req.Vehicle)
	if !ok2 {
		return
	}
	if err := s.mgr.Mount(r.Context(), rider, vehicle); err != nil {
		code := multiworld.Code(err)
		writeJSON(rw, statusFor(code), protocol.RelocationResp{Code: code, Message: err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, protocol.RelocationResp{OK: true})
}

func (s *server) handleTeleport(rw http.ResponseWriter, r *http.Request) {
	var req protocol.TeleportReq
	if !decodePost(rw, r, &req) {
		return
	}
	id, ok := parseUUID(rw, req.Entity)
	if !ok {
		return
	}
	var flags relocate.Flags
	if req.LoadChunks {
		flags |= relocate.FlagLoadChunks
	}
	if req.CarryPassengers {
		flags |= relocate.FlagCarryPassengers
	}
	if req.Unmount {
		flags |= relocate.FlagUnmount
	}
	res, err := s.mgr.Teleport(r.Context(), multiworld.TeleportRequest{
		Entity: id,
		World:  req.World,
		Pos:    vec3(req.Pos),
		Yaw:    req.Yaw,
		Pitch:  req.Pitch,
		Flags:  flags,
	})
	s.writeRelocation(rw, res, err)
}

func (s *server) handlePortal(rw http.ResponseWriter, r *http.Request) {
	var req protocol.PortalReq
	if !decodePost(rw, r, &req) {
		return
	}
	id, ok := parseUUID(rw, req.Entity)
	if !ok {
		return
	}
	axis, ok := poi.ParseAxis(req.Axis)
	if !ok {
		writeJSON(rw, http.StatusBadRequest, protocol.RelocationResp{Code: protocol.ErrBadRequest, Message: "axis must be x or z"})
		return
	}
	res, err := s.mgr.UsePortal(r.Context(), id, req.ToWorld, axis)
	s.writeRelocation(rw, res, err)
}

func (s *server) writeRelocation(rw http.ResponseWriter, res relocate.Result, err error) {
	out := protocol.RelocationResp{
		OK:    err == nil,
		ID:    res.ID,
		World: res.World,
		Nodes: res.Nodes,
		Fast:  res.Fast,
	}
	if res.ID != "" {
		out.Outcome = res.Outcome.String()
		out.Duration = res.Duration.String()
	}
	if res.Entity != nil {
		v := res.View
		out.Entity = &protocol.EntityRef{UUID: v.UUID, Kind: v.Kind, Pos: v.Pos, Yaw: v.Yaw, Pitch: v.Pitch}
	}
	if p := res.Portal; p != nil {
		out.Portal = &protocol.PortalRef{
			Min:     [3]int{p.Rect.Min.X, p.Rect.Min.Y, p.Rect.Min.Z},
			Axis:    p.Rect.Axis.String(),
			Width:   p.Rect.Width,
			Height:  p.Rect.Height,
			Created: p.Created,
		}
	}
	status := http.StatusOK
	if err != nil {
		out.Code = multiworld.Code(err)
		out.Message = err.Error()
		status = statusFor(out.Code)
	}
	writeJSON(rw, status, out)
}

type metricsResp struct {
	multiworld.Stats
	Feed    ws.Stats                 `json:"feed"`
	Journal *persistlog.JournalStats `json:"journal,omitempty"`
	Index   *indexdb.Stats           `json:"index,omitempty"`
	Remote  *indexdb.RemoteStats     `json:"remote_index,omitempty"`
	Mirror  *r2s3.Stats              `json:"mirror,omitempty"`
}

func (s *server) metrics() metricsResp {
	out := metricsResp{Stats: s.mgr.Stats(), Feed: s.hub.Stats()}
	if s.journal != nil {
		st := s.journal.Stats()
		out.Journal = &st
	}
	if s.db != nil {
		st := s.db.Stats()
		out.Index = &st
	}
	if s.remote != nil {
		st := s.remote.Stats()
		out.Remote = &st
	}
	if s.mirror != nil {
		st := s.mirror.Stats()
		out.Mirror = &st
	}
	return out
}

func (s *server) handleMetricsJSON(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, s.metrics())
}

// handleMetricsText writes the minimal Prometheus exposition format.
func (s *server) handleMetricsText(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
	m := s.metrics()

	fmt.Fprintf(rw, "# HELP warpline_world_entities Entities resident in the world.\n")
	fmt.Fprintf(rw, "# TYPE warpline_world_entities gauge\n")
	for _, w := range m.Worlds {
		fmt.Fprintf(rw, "warpline_world_entities{world=%q} %d\n", w.ID, w.Entities)
	}
	fmt.Fprintf(rw, "# HELP warpline_world_regions Active regions.\n")
	fmt.Fprintf(rw, "# TYPE warpline_world_regions gauge\n")
	for _, w := range m.Worlds {
		fmt.Fprintf(rw, "warpline_world_regions{world=%q} %d\n", w.ID, w.Regions)
	}
	fmt.Fprintf(rw, "# HELP warpline_world_pending_transfers Entities held between worlds.\n")
	fmt.Fprintf(rw, "# TYPE warpline_world_pending_transfers gauge\n")
	for _, w := range m.Worlds {
		fmt.Fprintf(rw, "warpline_world_pending_transfers{world=%q} %d\n", w.ID, w.Pending)
	}
	fmt.Fprintf(rw, "# HELP warpline_world_portals Known portals.\n")
	fmt.Fprintf(rw, "# TYPE warpline_world_portals gauge\n")
	for _, w := range m.Worlds {
		fmt.Fprintf(rw, "warpline_world_portals{world=%q} %d\n", w.ID, w.Portals)
	}
	fmt.Fprintf(rw, "# HELP warpline_loader_pending Chunk loads waiting for budget.\n")
	fmt.Fprintf(rw, "# TYPE warpline_loader_pending gauge\n")
	for _, w := range m.Worlds {
		fmt.Fprintf(rw, "warpline_loader_pending{world=%q} %d\n", w.ID, w.Loader.Pending)
	}
	fmt.Fprintf(rw, "# HELP warpline_world_tickets Active chunk tickets by kind.\n")
	fmt.Fprintf(rw, "# TYPE warpline_world_tickets gauge\n")
	for _, w := range m.Worlds {
		kinds := make([]string, 0, len(w.PendingTickets))
		for k := range w.PendingTickets {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(rw, "warpline_world_tickets{world=%q,kind=%q} %d\n", w.ID, k, w.PendingTickets[k].Outstanding)
		}
	}

	t := m.Totals
	fmt.Fprintf(rw, "# HELP warpline_relocations_total Relocations by result.\n")
	fmt.Fprintf(rw, "# TYPE warpline_relocations_total counter\n")
	for _, kv := range []struct {
		name string
		v    int64
	}{
		{"requested", t.Requested}, {"rejected", t.Rejected}, {"vetoed", t.Vetoed}, {"fast", t.Fast},
		{"relocated", t.Relocated}, {"degraded", t.Degraded}, {"reverted", t.Reverted}, {"superseded", t.Superseded},
	} {
		fmt.Fprintf(rw, "warpline_relocations_total{result=%q} %d\n", kv.name, kv.v)
	}
	fmt.Fprintf(rw, "# HELP warpline_relocations_in_flight Relocations not yet finished.\n")
	fmt.Fprintf(rw, "# TYPE warpline_relocations_in_flight gauge\n")
	fmt.Fprintf(rw, "warpline_relocations_in_flight %d\n", t.InFlight)

	fmt.Fprintf(rw, "# HELP warpline_route_total Manager requests per route and result.\n")
	fmt.Fprintf(rw, "# TYPE warpline_route_total counter\n")
	for _, rm := range m.Routes {
		fmt.Fprintf(rw, "warpline_route_total{from=%q,to=%q,result=%q} %d\n", rm.From, rm.To, rm.Result, rm.Count)
	}

	fmt.Fprintf(rw, "# HELP warpline_portal_arrivals_total Portal arrivals by how the exit was chosen.\n")
	fmt.Fprintf(rw, "# TYPE warpline_portal_arrivals_total counter\n")
	fmt.Fprintf(rw, "warpline_portal_arrivals_total{via=%q} %d\n", "fixed", m.Portal.Fixed)
	fmt.Fprintf(rw, "warpline_portal_arrivals_total{via=%q} %d\n", "found", m.Portal.Found)
	fmt.Fprintf(rw, "warpline_portal_arrivals_total{via=%q} %d\n", "created", m.Portal.Created)
	fmt.Fprintf(rw, "warpline_portal_arrivals_total{via=%q} %d\n", "degraded", m.Portal.Degraded)

	fmt.Fprintf(rw, "# HELP warpline_feed_clients Connected feed subscribers.\n")
	fmt.Fprintf(rw, "# TYPE warpline_feed_clients gauge\n")
	fmt.Fprintf(rw, "warpline_feed_clients %d\n", m.Feed.Clients)
	fmt.Fprintf(rw, "warpline_feed_dropped_total %d\n", m.Feed.DroppedTotal)

	if m.Index != nil {
		fmt.Fprintf(rw, "warpline_index_queue_depth %d\n", m.Index.QueueDepth)
		fmt.Fprintf(rw, "warpline_index_drop_total{kind=%q} %d\n", "event", m.Index.DropEventTotal)
		fmt.Fprintf(rw, "warpline_index_drop_total{kind=%q} %d\n", "portal", m.Index.DropPortalTotal)
	}
	if m.Remote != nil {
		fmt.Fprintf(rw, "warpline_remote_index_queue_depth %d\n", m.Remote.QueueDepth)
		fmt.Fprintf(rw, "warpline_remote_index_flush_fail_total %d\n", m.Remote.FlushFailTotal)
	}
	if m.Mirror != nil {
		fmt.Fprintf(rw, "warpline_mirror_queue_depth %d\n", m.Mirror.QueueDepth)
		fmt.Fprintf(rw, "warpline_mirror_upload_success_total %d\n", m.Mirror.UploadSuccessTotal)
		fmt.Fprintf(rw, "warpline_mirror_upload_fail_total %d\n", m.Mirror.UploadFailTotal)
		fmt.Fprintf(rw, "warpline_mirror_upload_rejected_total %d\n", m.Mirror.UploadRejectedTotal)
		fmt.Fprintf(rw, "warpline_mirror_dropped_total %d\n", m.Mirror.DroppedTotal)
	}
}

// handleRelocation serves /v1/relocations/{id} from the sqlite index.
func (s *server) handleRelocation(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.db == nil {
		http.Error(rw, "index disabled", http.StatusNotFound)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/relocations/"), "/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(rw, r)
		return
	}
	row, err := s.db.Relocation(r.Context(), id)
	if errors.Is(err, indexdb.ErrNotFound) {
		http.NotFound(rw, r)
		return
	}
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	states, err := s.db.Transitions(r.Context(), id)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(rw, http.StatusOK, struct {
		indexdb.RelocationRow
		Transitions []string `json:"transitions"`
	}{row, states})
}

func (s *server) handlePortals(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.db == nil {
		http.Error(rw, "index disabled", http.StatusNotFound)
		return
	}
	rows, err := s.db.Portals(r.Context(), r.URL.Query().Get("world"))
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(rw, http.StatusOK, rows)
}

func decodePost(rw http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(rw, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(rw, http.StatusBadRequest, protocol.NewError(protocol.ErrBadRequest, err.Error()))
		return false
	}
	return true
}

func parseUUID(rw http.ResponseWriter, s string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, protocol.NewError(protocol.ErrBadRequest, fmt.Sprintf("bad entity id %q", s)))
		return uuid.Nil, false
	}
	return id, true
}

func statusFor(code string) int {
	switch code {
	case protocol.ErrBadRequest, protocol.ErrProtoBadRequest:
		return http.StatusBadRequest
	case protocol.ErrWorldNotFound:
		return http.StatusNotFound
	case protocol.ErrWorldDenied:
		return http.StatusForbidden
	case protocol.ErrWorldBusy:
		return http.StatusServiceUnavailable
	case protocol.ErrInvalidTarget:
		return http.StatusUnprocessableEntity
	case protocol.ErrStale:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func vec3(p [3]float64) mgl64.Vec3 { return mgl64.Vec3{p[0], p[1], p[2]} }

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
