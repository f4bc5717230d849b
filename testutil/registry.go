package testutil

import (
	"time"

	"github.com/skosovsky/agentloop"
)

// NewTestRegistry returns a Registry with a long timeout and panic recovery enabled,
// suitable for tests. It panics if two tools share a name.
func NewTestRegistry(tools ...agentloop.Tool) *agentloop.Registry {
	reg := agentloop.NewRegistry(
		agentloop.WithDefaultTimeout(30*time.Second),
		agentloop.WithRecoverPanics(true),
	)
	reg.MustRegister(tools...)
	return reg
}
