package platform

import (
	"go.uber.org/zap"

	"github.com/jnesss/eventstrace/locator"
)

// Options configures a Backend.
type Options struct {
	// Object is the path of the compiled probe object.
	Object      string
	ConsumerPid uint32
	// RingSize overrides the ring buffer map size when non-zero.
	RingSize int
	// Functions overrides slot locations of the derived argument table.
	Functions locator.Table
	// VerifierLog requests verbose verifier output when loading programs.
	VerifierLog bool
}

// Backend attaches the probe object to the running kernel. It implements
// events.Attacher.
type Backend struct {
	opts Options
	log  *zap.Logger
}

// New returns an unattached backend.
func New(opts Options, log *zap.Logger) *Backend {
	if log == nil {
		log = zap.NewNop()
	}
	return &Backend{opts: opts, log: log}
}
