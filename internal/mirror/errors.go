package mirror

import (
	"errors"

	"strategia.ai/internal/mirror/retry"
)

// Protocol violations. Any of these halts the mirror that saw it.
var (
	ErrNoSnapshot        = errors.New("delta before snapshot")
	ErrDuplicateSnapshot = errors.New("snapshot already applied")
	ErrUnknownID         = errors.New("unknown id")
	ErrUnresolvedRef     = errors.New("unresolved reference")
	ErrMalformed         = errors.New("malformed message")
	ErrHalted            = errors.New("mirror halted")
)

// ErrUnresolvedType means a type id has no definition yet. It is transient:
// the apply is retried once TYPE_DEFS catches up.
var ErrUnresolvedType = retry.Transient(errors.New("unresolved type id"))
