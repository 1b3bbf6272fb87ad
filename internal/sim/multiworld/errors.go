package multiworld

import (
	"context"
	"errors"

	"warpline.ai/internal/protocol"
	"warpline.ai/internal/sim/relocate"
)

var (
	ErrWorldNotFound  = errors.New("world not found")
	ErrEntityNotFound = errors.New("entity not found")
	ErrUnknownKind    = errors.New("unknown entity kind")
	ErrOutOfBounds    = errors.New("position outside world boundary")
	ErrNoRoute        = errors.New("no portal route")
	ErrWorldBusy      = errors.New("world busy")
	// ErrReverted is returned when a relocation was accepted but the entity
	// ended up back at its origin.
	ErrReverted = errors.New("relocation reverted")
)

// Code maps an error returned by the Manager to a protocol error code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrWorldNotFound):
		return protocol.ErrWorldNotFound
	case errors.Is(err, ErrNoRoute), errors.Is(err, relocate.ErrVetoed):
		return protocol.ErrWorldDenied
	case errors.Is(err, ErrWorldBusy), errors.Is(err, context.DeadlineExceeded):
		return protocol.ErrWorldBusy
	case errors.Is(err, ErrReverted):
		return protocol.ErrStale
	case errors.Is(err, relocate.ErrRejected), errors.Is(err, ErrEntityNotFound),
		errors.Is(err, ErrUnknownKind), errors.Is(err, ErrOutOfBounds):
		return protocol.ErrInvalidTarget
	default:
		return protocol.ErrInternal
	}
}
