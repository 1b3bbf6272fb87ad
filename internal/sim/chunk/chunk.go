package chunk

import (
	"warpline.ai/internal/sim/mathx"
)

// Detail is how much of a chunk has been produced. Empty chunks carry only
// structure/POI data; Full chunks also have terrain.
type Detail uint8

const (
	DetailNone Detail = iota
	DetailEmpty
	DetailFull
)

func (d Detail) String() string {
	switch d {
	case DetailNone:
		return "none"
	case DetailEmpty:
		return "empty"
	case DetailFull:
		return "full"
	default:
		return "unknown"
	}
}

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Chunk is immutable once published by the loader; upgrades replace it.
type Chunk struct {
	Pos     Pos
	Detail  Detail
	heights []int16
}

// HeightAt returns the top solid block Y at world block (x, z), which must be
// inside this chunk. ok is false below full detail.
func (c *Chunk) HeightAt(x, z int) (int, bool) {
	if c.Detail < DetailFull {
		return 0, false
	}
	lx := mathx.Mod(x, Size)
	lz := mathx.Mod(z, Size)
	return int(c.heights[lx+lz*Size]), true
}

// Terrain is the synthetic height field used for full-detail chunks. Heights
// are constant over 4x4 block cells so flat spots exist.
type Terrain struct {
	Seed      int64
	GroundY   int
	Amplitude int
}

func (t Terrain) Height(x, z int) int {
	if t.Amplitude <= 0 {
		return t.GroundY
	}
	h := mathx.Hash2(t.Seed, mathx.FloorDiv(x, 4), mathx.FloorDiv(z, 4))
	return t.GroundY + int(h%uint64(t.Amplitude+1))
}

func (t Terrain) generate(pos Pos, detail Detail) *Chunk {
	c := &Chunk{Pos: pos, Detail: detail}
	if detail < DetailFull {
		return c
	}
	c.heights = make([]int16, Size*Size)
	for lz := 0; lz < Size; lz++ {
		for lx := 0; lx < Size; lx++ {
			c.heights[lx+lz*Size] = int16(t.Height(pos.X*Size+lx, pos.Z*Size+lz))
		}
	}
	return c
}
