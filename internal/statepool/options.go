package statepool

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidOptions is returned by New for inconsistent sizing.
	ErrInvalidOptions = errors.New("statepool: invalid options")
	// ErrPoolClosed is reported once Close has run.
	ErrPoolClosed = errors.New("statepool: pool closed")
)

// Options sizes the pool.
type Options struct {
	// TargetSlots is the number of slots created eagerly for a new key.
	TargetSlots int
	// MaxSlots caps the persistent slots of a key. Beyond it requests run on
	// ephemeral slots.
	MaxSlots int
	// SeekRetries bounds the passes over busy slots before growing.
	SeekRetries int
	// Entrypoint is the function invoked for every request.
	Entrypoint string

	DefaultStatus      string
	DefaultContentType string
}

// DefaultOptions mirrors the shipped configuration file.
func DefaultOptions() Options {
	return Options{
		TargetSlots:        3,
		MaxSlots:           5,
		SeekRetries:        3,
		Entrypoint:         "main",
		DefaultStatus:      "200 OK",
		DefaultContentType: "text/html",
	}
}

func (o Options) validate() error {
	switch {
	case o.TargetSlots < 1:
		return fmt.Errorf("%w: target slots %d < 1", ErrInvalidOptions, o.TargetSlots)
	case o.MaxSlots < o.TargetSlots:
		return fmt.Errorf("%w: max slots %d < target slots %d", ErrInvalidOptions, o.MaxSlots, o.TargetSlots)
	case o.SeekRetries < 1:
		return fmt.Errorf("%w: seek retries %d < 1", ErrInvalidOptions, o.SeekRetries)
	case o.Entrypoint == "":
		return fmt.Errorf("%w: empty entrypoint", ErrInvalidOptions)
	}

	return nil
}
