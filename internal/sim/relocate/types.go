package relocate

import (
	"errors"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"warpline.ai/internal/sim/entity"
	"warpline.ai/internal/sim/poi"
	"warpline.ai/internal/sim/portal"
)

var (
	// ErrRejected means a guard failed and nothing changed.
	ErrRejected = errors.New("relocation rejected")
	// ErrVetoed means the pre-relocation hook cancelled; the graph was put
	// back where it was.
	ErrVetoed = errors.New("relocation vetoed")
)

type Flags uint8

const (
	// FlagLoadChunks allows the destination to be loaded on demand.
	FlagLoadChunks Flags = 1 << iota
	// FlagCarryPassengers moves the whole riding tree. On a passenger it
	// relocates the tree from its root vehicle.
	FlagCarryPassengers
	// FlagUnmount dismounts a passenger before it moves on its own.
	FlagUnmount
)

func (f Flags) Has(x Flags) bool { return f&x == x }

type Dest struct {
	// World is the destination world id; empty means the entity's world.
	World string
	Pos   mgl64.Vec3
	Yaw   float64
	Pitch float64
	// Vel replaces the velocity when set.
	Vel *mgl64.Vec3
}

// PortalTravel routes the entity through a portal; the arrival point comes
// from the target world's portal locator.
type PortalTravel struct {
	TargetWorld string
	Axis        poi.Axis
}

type Request struct {
	Entity *entity.Entity
	To     Dest
	Portal *PortalTravel
	Flags  Flags
	Cause  string
	// OnDone fires exactly once for requests that were accepted.
	OnDone func(Result)
}

type Outcome uint8

const (
	OutcomeRelocated Outcome = iota + 1
	OutcomeDegraded
	OutcomeReverted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRelocated:
		return "relocated"
	case OutcomeDegraded:
		return "degraded"
	case OutcomeReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

type Result struct {
	ID      string
	Outcome Outcome
	// Entity is the live root after the move (or after the revert). Only its
	// region may touch it; View is the copy for everyone else.
	Entity    *entity.Entity
	View      entity.View
	World     string
	FromWorld string
	From      mgl64.Vec3
	Portal    *portal.Found
	Nodes     int
	Fast      bool
	Duration  time.Duration
}

type State uint8

const (
	StateRequested State = iota
	StateDetached
	StateRepositioned
	StateReattached
	StateHeld
	StateAwaitingDestination
	StateTransformed
	StateScheduled
	StatePlaced
	StateRestored
	StateAbandoned
	StateSuperseded
	StateReverted
)

var stateNames = [...]string{
	StateRequested:           "REQUESTED",
	StateDetached:            "DETACHED",
	StateRepositioned:        "REPOSITIONED",
	StateReattached:          "REATTACHED",
	StateHeld:                "HELD",
	StateAwaitingDestination: "AWAITING_DESTINATION_READY",
	StateTransformed:         "TRANSFORMED",
	StateScheduled:           "SCHEDULED",
	StatePlaced:              "PLACED",
	StateRestored:            "RESTORED",
	StateAbandoned:           "ABANDONED",
	StateSuperseded:          "SUPERSEDED",
	StateReverted:            "REVERTED",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

func (s State) Terminal() bool {
	switch s {
	case StateReattached, StateRestored, StateAbandoned, StateSuperseded, StateReverted:
		return true
	}
	return false
}

// PreRelocate is handed to the hook after the graph is detached and before
// any ticket exists. Setting Cancelled vetoes; To may be rewritten unless the
// move goes through a portal.
type PreRelocate struct {
	Entity    *entity.Entity
	FromWorld string
	From      mgl64.Vec3
	To        Dest
	Portal    bool
	Cancelled bool
}

type Hook func(*PreRelocate)

// Event is one state transition, as journaled and indexed.
type Event struct {
	ID        string        `json:"id"`
	State     string        `json:"state"`
	Cause     string        `json:"cause,omitempty"`
	Entity    string        `json:"entity"`
	Kind      string        `json:"kind,omitempty"`
	FromWorld string        `json:"from_world"`
	From      [3]float64    `json:"from"`
	ToWorld   string        `json:"to_world,omitempty"`
	To        [3]float64    `json:"to"`
	Outcome   string        `json:"outcome,omitempty"`
	Portal    *portal.Found `json:"portal,omitempty"`
	Nodes     int           `json:"nodes"`
	Fast      bool          `json:"fast,omitempty"`
	Err       string        `json:"err,omitempty"`
	Code      string        `json:"code,omitempty"`
	At        time.Time     `json:"at"`
}

type Recorder interface {
	Record(ev Event)
}

type RecorderFunc func(Event)

func (f RecorderFunc) Record(ev Event) { f(ev) }

// Recorders fans an event out to several recorders.
type Recorders []Recorder

func (rs Recorders) Record(ev Event) {
	for _, r := range rs {
		if r != nil {
			r.Record(ev)
		}
	}
}

type Metrics struct {
	Requested  int64 `json:"requested"`
	Rejected   int64 `json:"rejected"`
	Vetoed     int64 `json:"vetoed"`
	Fast       int64 `json:"fast"`
	Relocated  int64 `json:"relocated"`
	Degraded   int64 `json:"degraded"`
	Reverted   int64 `json:"reverted"`
	Superseded int64 `json:"superseded"`
	InFlight   int64 `json:"in_flight"`
}

func vec(v mgl64.Vec3) [3]float64 { return [3]float64{v.X(), v.Y(), v.Z()} }
