// Package ws streams relocation and visibility changes to websocket
// subscribers.
package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"warpline.ai/internal/protocol"
	"warpline.ai/internal/sim/relocate"
	"warpline.ai/internal/sim/visibility"
)

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second
	readTimeout      = 60 * time.Second
	outQueue         = 256
)

// Hub implements relocate.Recorder and visibility.Sink. Slow subscribers
// lose messages instead of stalling the region goroutines; the per-client
// seq lets them notice.
type Hub struct {
	manifest []protocol.WorldRef
	log      zerolog.Logger
	upgrader websocket.Upgrader

	nextID atomic.Uint64

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	sentTotal    atomic.Uint64
	droppedTotal atomic.Uint64
}

type filter struct {
	worlds     map[string]bool
	visibility bool
}

func (f *filter) wants(world string) bool {
	return len(f.worlds) == 0 || f.worlds[world]
}

type client struct {
	id   string
	conn *websocket.Conn
	out  chan []byte
	seq  atomic.Uint64
	f    atomic.Pointer[filter]
	done chan struct{}
	once sync.Once
}

func (c *client) stop() { c.once.Do(func() { close(c.done) }) }

func NewHub(manifest []protocol.WorldRef, logger zerolog.Logger) *Hub {
	return &Hub{
		manifest: manifest,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		clients: map[*client]struct{}{},
	}
}

type Stats struct {
	Clients      int    `json:"clients"`
	SentTotal    uint64 `json:"sent_total"`
	DroppedTotal uint64 `json:"dropped_total"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{Clients: n, SentTotal: h.sentTotal.Load(), DroppedTotal: h.droppedTotal.Load()}
}

// Record implements relocate.Recorder.
func (h *Hub) Record(ev relocate.Event) {
	re := relocationEvent(ev)
	h.broadcast(func(f *filter) bool {
		return f.wants(ev.FromWorld) || (ev.ToWorld != "" && f.wants(ev.ToWorld))
	}, func(seq uint64) any {
		return protocol.RelocationMsg{
			Type:            protocol.TypeRelocation,
			ProtocolVersion: protocol.Version,
			Seq:             seq,
			Event:           re,
		}
	})
}

// Visibility implements visibility.Sink.
func (h *Hub) Visibility(ev visibility.Event) {
	world := ev.Entity.World
	ref := protocol.EntityRef{
		UUID:  ev.Entity.UUID,
		Kind:  ev.Entity.Kind,
		Pos:   ev.Entity.Pos,
		Yaw:   ev.Entity.Yaw,
		Pitch: ev.Entity.Pitch,
	}
	h.broadcast(func(f *filter) bool {
		return f.visibility && f.wants(world)
	}, func(seq uint64) any {
		return protocol.VisibilityMsg{
			Type:            protocol.TypeVisibility,
			ProtocolVersion: protocol.Version,
			Seq:             seq,
			WorldID:         world,
			Change:          string(ev.Type),
			Observer:        ev.Observer,
			Entity:          ref,
		}
	})
}

func (h *Hub) broadcast(match func(*filter) bool, build func(seq uint64) any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		f := c.f.Load()
		if f == nil || !match(f) {
			continue
		}
		b, err := json.Marshal(build(c.seq.Add(1)))
		if err != nil {
			h.log.Error().Err(err).Msg("feed marshal failed")
			return
		}
		select {
		case c.out <- b:
			h.sentTotal.Add(1)
		default:
			h.droppedTotal.Add(1)
		}
	}
}

// Handler serves the feed: WELCOME, then the client must SUBSCRIBE. Later
// SUBSCRIBE messages replace the filter.
func (h *Hub) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		c := &client{
			id:   fmt.Sprintf("F%d", h.nextID.Add(1)),
			conn: conn,
			out:  make(chan []byte, outQueue),
			done: make(chan struct{}),
		}
		welcome := protocol.WelcomeMsg{
			Type:            protocol.TypeWelcome,
			ProtocolVersion: protocol.Version,
			SessionID:       c.id,
			WorldManifest:   h.manifest,
		}
		if err := writeJSON(conn, welcome); err != nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, perr := parseSubscribe(msg)
		if perr != nil {
			_ = writeJSON(conn, *perr)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}
		c.f.Store(f)

		if !h.add(c) {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
			return
		}
		defer h.remove(c)
		h.log.Debug().Str("session", c.id).Int("worlds", len(f.worlds)).Bool("visibility", f.visibility).Msg("feed subscribed")

		go func() {
			for {
				select {
				case <-c.done:
					return
				case b := <-c.out:
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						c.stop()
						return
					}
				}
			}
		}()

		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			f, perr := parseSubscribe(msg)
			if perr != nil {
				b, _ := json.Marshal(*perr)
				select {
				case c.out <- b:
				default:
				}
				continue
			}
			c.f.Store(f)
		}
		c.stop()
	}
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.stop()
		_ = c.conn.Close()
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func parseSubscribe(msg []byte) (*filter, *protocol.ErrorMsg) {
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeSubscribe {
		e := protocol.NewError(protocol.ErrProtoBadRequest, "expected SUBSCRIBE")
		return nil, &e
	}
	if base.ProtocolVersion != protocol.Version {
		e := protocol.NewError(protocol.ErrProtoBadRequest, "bad protocol_version")
		return nil, &e
	}
	var sub protocol.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		e := protocol.NewError(protocol.ErrProtoBadRequest, err.Error())
		return nil, &e
	}
	f := &filter{visibility: sub.Visibility}
	if len(sub.Worlds) > 0 {
		f.worlds = make(map[string]bool, len(sub.Worlds))
		for _, w := range sub.Worlds {
			f.worlds[w] = true
		}
	}
	return f, nil
}

func relocationEvent(ev relocate.Event) protocol.RelocationEvent {
	out := protocol.RelocationEvent{
		ID:        ev.ID,
		State:     ev.State,
		Cause:     ev.Cause,
		Entity:    ev.Entity,
		Kind:      ev.Kind,
		FromWorld: ev.FromWorld,
		From:      ev.From,
		ToWorld:   ev.ToWorld,
		To:        ev.To,
		Outcome:   ev.Outcome,
		Nodes:     ev.Nodes,
		Fast:      ev.Fast,
		Code:      ev.Code,
		Message:   ev.Err,
		At:        ev.At.UTC().Format(time.RFC3339Nano),
	}
	if p := ev.Portal; p != nil {
		out.Portal = &protocol.PortalRef{
			Min:     [3]int{p.Rect.Min.X, p.Rect.Min.Y, p.Rect.Min.Z},
			Axis:    p.Rect.Axis.String(),
			Width:   p.Rect.Width,
			Height:  p.Rect.Height,
			Created: p.Created,
		}
	}
	return out
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
