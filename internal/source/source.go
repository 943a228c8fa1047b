// Package source provides live audio sources the capture session records
// from.
package source

import (
	"context"
	"errors"
)

// ErrNoActiveSource is returned when no audio feed matches the request
var ErrNoActiveSource = errors.New("no active audio source")

// Stream is one acquired audio source. Frames is closed when the source
// ends or is released; Err then reports why (nil after Release).
type Stream interface {
	SampleRate() int
	Frames() <-chan []float32
	Err() error
	Release()
}

// Provider hands out audio sources by reference. An empty ref selects the
// only connected source.
type Provider interface {
	Acquire(ctx context.Context, ref string) (Stream, error)
}
