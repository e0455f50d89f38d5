// Package instance defines the managed sandbox instance model: its identity,
// ports, lifecycle status and per-instance configuration, plus the error
// taxonomy shared by the manager and the HTTP API.
package instance

import (
	"time"

	"corral/internal/ports"

	"github.com/google/uuid"
)

// IDLength is the length of a canonical instance ID (a UUID string).
const IDLength = 36

// Instance is one managed sandbox.
type Instance struct {
	ID          string        `json:"id"`
	ContainerID string        `json:"container_id"` // empty until the container is created
	Ports       ports.Triplet `json:"ports"`
	Status      Status        `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	Config      Config        `json:"config"`
}

// HasContainer reports whether a container was successfully created.
func (i Instance) HasContainer() bool {
	return i.ContainerID != ""
}

// Config holds the optional per-instance overrides supplied at creation.
type Config struct {
	RDPPassword    *string  `json:"rdp_password,omitempty"`
	WineDebugLevel *string  `json:"wine_debug_level,omitempty"`
	CPULimit       *float64 `json:"cpulimit,omitempty"`
}

// WithDefaultCPU returns a copy of c whose CPU limit is set, falling back to
// def when no explicit limit was given.
func (c Config) WithDefaultCPU(def float64) Config {
	if c.CPULimit != nil {
		return c
	}
	limit := def
	c.CPULimit = &limit
	return c
}

// EffectiveCPU returns the CPU limit, or 0 if none is set.
func (c Config) EffectiveCPU() float64 {
	if c.CPULimit == nil {
		return 0
	}
	return *c.CPULimit
}

// NewID generates a random instance identifier.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether s parses as an instance identifier.
func ValidID(s string) bool {
	if len(s) != IDLength {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
