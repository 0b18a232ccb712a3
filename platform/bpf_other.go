//go:build !linux

package platform

import (
	"github.com/jnesss/eventstrace/events"
	"github.com/jnesss/eventstrace/types"
)

// Attach always fails outside Linux. Use the simulated backend for development.
func (b *Backend) Attach(mask types.EventType, features events.Feature) (events.Source, error) {
	return nil, ErrNotSupported
}
