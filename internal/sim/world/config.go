package world

import (
	"errors"
	"fmt"

	"warpline.ai/internal/sim/chunk"
)

type Arrival string

const (
	ArrivalFixed    Arrival = "fixed"
	ArrivalSearched Arrival = "searched"
)

type Config struct {
	ID   string
	Type string

	// BoundaryR bounds |x| and |z| in blocks.
	BoundaryR int
	MinY      int
	MaxY      int

	Terrain chunk.Terrain

	RegionChunks int
	TickRateHz   int
	ViewDistance float64

	CoordinateScale float64
	Arrival         Arrival
	// Spawn is the fixed arrival point for fixed-arrival worlds and the
	// default spawn otherwise. Y is recomputed from terrain.
	Spawn chunk.BlockPos

	PortalSearchRadius int
	PortalCreateRadius int
	FixedLoadRadius    int
}

func (c *Config) normalize() {
	if c.RegionChunks <= 0 {
		c.RegionChunks = 8
	}
	if c.TickRateHz <= 0 {
		c.TickRateHz = 20
	}
	if c.ViewDistance <= 0 {
		c.ViewDistance = 64
	}
	if c.CoordinateScale <= 0 {
		c.CoordinateScale = 1
	}
	if c.Arrival == "" {
		c.Arrival = ArrivalSearched
	}
	if c.PortalSearchRadius <= 0 {
		c.PortalSearchRadius = 8
	}
	if c.PortalCreateRadius <= 0 {
		c.PortalCreateRadius = 1
	}
	if c.FixedLoadRadius <= 0 {
		c.FixedLoadRadius = 1
	}
	if c.MaxY == 0 && c.MinY == 0 {
		c.MaxY = 256
	}
}

func (c Config) validate() error {
	if c.ID == "" {
		return errors.New("world id required")
	}
	if c.BoundaryR <= 0 {
		return fmt.Errorf("world %s boundary_r must be > 0", c.ID)
	}
	if c.MaxY <= c.MinY {
		return fmt.Errorf("world %s max_y must be > min_y", c.ID)
	}
	if c.Arrival != ArrivalFixed && c.Arrival != ArrivalSearched {
		return fmt.Errorf("world %s has unknown arrival %q", c.ID, c.Arrival)
	}
	return nil
}
