package entity

import (
	"fmt"
	"sort"
	"strings"
)

// Caps are capability flags fixed per kind at registration time.
type Caps uint32

const (
	// CapObserver entities receive visibility updates for other entities.
	CapObserver Caps = 1 << iota
	// CapVehicle entities accept passengers.
	CapVehicle
	// CapPortalTravel entities may be moved into another world.
	CapPortalTravel
	// CapPersistent entities survive chunk unloads (players, named mobs).
	CapPersistent
)

type Kind struct {
	Name string
	Caps Caps

	MaxHealth float64
	// SeatHeight is how far above the vehicle origin passengers sit.
	SeatHeight float64
	// RideOffset is added to the seat height when this kind rides something.
	RideOffset    float64
	MaxPassengers int
}

func (k *Kind) Has(c Caps) bool {
	return k != nil && k.Caps&c == c
}

// Kinds is a registry of kind descriptors keyed by name.
type Kinds struct {
	byName map[string]*Kind
}

func NewKinds(kinds ...Kind) (*Kinds, error) {
	reg := &Kinds{byName: map[string]*Kind{}}
	for _, k := range kinds {
		if err := reg.Register(k); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// DefaultKinds covers the kinds used by the server defaults and tests.
func DefaultKinds() *Kinds {
	reg, err := NewKinds(
		Kind{Name: "player", Caps: CapObserver | CapPortalTravel | CapPersistent, MaxHealth: 20, RideOffset: -0.35},
		Kind{Name: "boat", Caps: CapVehicle | CapPortalTravel, MaxHealth: 4, SeatHeight: 0.2, MaxPassengers: 2},
		Kind{Name: "minecart", Caps: CapVehicle | CapPortalTravel, MaxHealth: 6, SeatHeight: 0.1, MaxPassengers: 1},
		Kind{Name: "horse", Caps: CapVehicle | CapPortalTravel | CapPersistent, MaxHealth: 30, SeatHeight: 1.1, MaxPassengers: 1},
		Kind{Name: "pig", Caps: CapVehicle | CapPortalTravel, MaxHealth: 10, SeatHeight: 0.7, MaxPassengers: 1, RideOffset: 0.15},
		Kind{Name: "item", Caps: CapPortalTravel, MaxHealth: 5},
		Kind{Name: "marker", MaxHealth: 1},
	)
	if err != nil {
		panic(err)
	}
	return reg
}

func (r *Kinds) Register(k Kind) error {
	name := strings.TrimSpace(k.Name)
	if name == "" {
		return fmt.Errorf("kind name must not be empty")
	}
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("duplicate kind: %s", name)
	}
	if k.MaxHealth <= 0 {
		k.MaxHealth = 1
	}
	k.Name = name
	r.byName[name] = &k
	return nil
}

func (r *Kinds) Lookup(name string) (*Kind, bool) {
	k, ok := r.byName[strings.TrimSpace(name)]
	return k, ok
}

func (r *Kinds) Names() []string {
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
