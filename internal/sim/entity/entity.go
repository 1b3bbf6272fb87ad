package entity

import (
	"errors"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
)

type RemovalReason uint8

const (
	NotRemoved RemovalReason = iota
	Killed
	Discarded
	ChangedWorld
	Unloaded
)

func (r RemovalReason) String() string {
	switch r {
	case NotRemoved:
		return "not_removed"
	case Killed:
		return "killed"
	case Discarded:
		return "discarded"
	case ChangedWorld:
		return "changed_world"
	case Unloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

var (
	ErrSelfRide     = errors.New("entity cannot ride itself")
	ErrRideCycle    = errors.New("riding would create a cycle")
	ErrAlreadyRides = errors.New("entity already has a vehicle")
	ErrNotVehicle   = errors.New("kind does not accept passengers")
	ErrSeatsFull    = errors.New("vehicle has no free seat")
)

// Entity is a live simulation object. Fields are mutated only by the region
// goroutine that currently owns the entity, or by a relocation that holds it
// detached.
type Entity struct {
	id    int64
	uuid  uuid.UUID
	kind  *Kind
	world string

	Pos   mgl64.Vec3
	Vel   mgl64.Vec3
	Yaw   float64
	Pitch float64

	Health            float64
	Sleeping          bool
	InteractionLocked bool
	Attrs             map[string]string

	vehicle    *Entity
	passengers []*Entity
	removal    RemovalReason
	owner      any
}

func New(id int64, uid uuid.UUID, kind *Kind, world string, pos mgl64.Vec3) *Entity {
	e := &Entity{
		id:    id,
		uuid:  uid,
		kind:  kind,
		world: world,
		Pos:   pos,
		Attrs: map[string]string{},
	}
	if kind != nil {
		e.Health = kind.MaxHealth
	}
	return e
}

func (e *Entity) ID() int64       { return e.id }
func (e *Entity) UUID() uuid.UUID { return e.uuid }
func (e *Entity) Kind() *Kind     { return e.kind }
func (e *Entity) World() string   { return e.world }

func (e *Entity) Removed() bool                { return e.removal != NotRemoved }
func (e *Entity) RemovalReason() RemovalReason { return e.removal }
func (e *Entity) Dead() bool                   { return e.Health <= 0 }
func (e *Entity) Alive() bool                  { return !e.Removed() && !e.Dead() }

func (e *Entity) Remove(reason RemovalReason) {
	if e.removal == NotRemoved {
		e.removal = reason
	}
}

// Owner is the region currently ticking this entity (nil while detached).
func (e *Entity) Owner() any     { return e.owner }
func (e *Entity) SetOwner(o any) { e.owner = o }

func (e *Entity) Vehicle() *Entity    { return e.vehicle }
func (e *Entity) IsPassenger() bool   { return e.vehicle != nil }
func (e *Entity) HasPassengers() bool { return len(e.passengers) > 0 }

func (e *Entity) Passengers() []*Entity {
	out := make([]*Entity, len(e.passengers))
	copy(out, e.passengers)
	return out
}

func (e *Entity) RootVehicle() *Entity {
	root := e
	for root.vehicle != nil {
		root = root.vehicle
	}
	return root
}

// StartRiding links e as the last passenger of v. Both sides are updated.
func (e *Entity) StartRiding(v *Entity) error {
	if v == e {
		return ErrSelfRide
	}
	if e.vehicle != nil {
		return ErrAlreadyRides
	}
	if !v.kind.Has(CapVehicle) {
		return ErrNotVehicle
	}
	if v.kind.MaxPassengers > 0 && len(v.passengers) >= v.kind.MaxPassengers {
		return ErrSeatsFull
	}
	for p := v; p != nil; p = p.vehicle {
		if p == e {
			return ErrRideCycle
		}
	}
	e.vehicle = v
	v.passengers = append(v.passengers, e)
	return nil
}

func (e *Entity) StopRiding() {
	v := e.vehicle
	if v == nil {
		return
	}
	for i, p := range v.passengers {
		if p == e {
			v.passengers = append(v.passengers[:i], v.passengers[i+1:]...)
			break
		}
	}
	e.vehicle = nil
}

func (e *Entity) EjectPassengers() {
	for len(e.passengers) > 0 {
		e.passengers[len(e.passengers)-1].StopRiding()
	}
}

// PositionPassenger moves p onto its seat above e.
func (e *Entity) PositionPassenger(p *Entity) {
	offset := e.kind.SeatHeight
	if p.kind != nil {
		offset += p.kind.RideOffset
	}
	p.Pos = e.Pos.Add(mgl64.Vec3{0, offset, 0})
}

// Transfer builds the instance that replaces e in another world. The new
// instance keeps the UUID and copies transferable state; e is invalidated.
// Riding links are not copied.
func (e *Entity) Transfer(newID int64, world string) *Entity {
	n := New(newID, e.uuid, e.kind, world, e.Pos)
	n.Vel = e.Vel
	n.Yaw = e.Yaw
	n.Pitch = e.Pitch
	n.Health = e.Health
	for k, v := range e.Attrs {
		n.Attrs[k] = v
	}
	e.Remove(ChangedWorld)
	e.owner = nil
	return n
}

// View is a read-only copy used for logs and the event feed.
type View struct {
	ID    int64      `json:"id"`
	UUID  string     `json:"uuid"`
	Kind  string     `json:"kind"`
	World string     `json:"world"`
	Pos   [3]float64 `json:"pos"`
	Yaw   float64    `json:"yaw"`
	Pitch float64    `json:"pitch"`
}

func (e *Entity) View() View {
	v := View{
		ID:    e.id,
		UUID:  e.uuid.String(),
		World: e.world,
		Pos:   [3]float64{e.Pos.X(), e.Pos.Y(), e.Pos.Z()},
		Yaw:   e.Yaw,
		Pitch: e.Pitch,
	}
	if e.kind != nil {
		v.Kind = e.kind.Name
	}
	return v
}
