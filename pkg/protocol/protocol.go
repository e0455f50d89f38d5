// Package protocol defines the JSON types exchanged between the corral
// server and its clients over HTTP.
package protocol

import (
	"fmt"
	"time"
)

// DefaultAPIURL is where the CLI looks for the server when nothing else is
// configured.
const DefaultAPIURL = "http://localhost:3000"

// HealthOK is the body of a healthy /health response.
const HealthOK = "OK"

// InstanceConfig carries optional per-instance overrides.
type InstanceConfig struct {
	RDPPassword    *string  `json:"rdp_password,omitempty"`
	WineDebugLevel *string  `json:"wine_debug_level,omitempty"`
	CPULimit       *float64 `json:"cpulimit,omitempty"`
}

// CreateInstanceRequest is the body of POST /api/instances.
type CreateInstanceRequest struct {
	// Payload is the base64-encoded binary mounted into the container.
	Payload string          `json:"payload"`
	Config  *InstanceConfig `json:"config,omitempty"`
}

// CreateInstanceResponse is returned as soon as the instance is registered;
// provisioning continues in the background.
type CreateInstanceResponse struct {
	InstanceID  string `json:"instance_id"`
	RDPPort     uint16 `json:"rdp_port"`
	ConsolePort uint16 `json:"console_port"`
	XpraPort    uint16 `json:"xpra_port"`
	RDPURL      string `json:"rdp_url"`
	XpraURL     string `json:"xpra_url"`
	Status      string `json:"status"`
}

// InstanceDetails describes one instance.
type InstanceDetails struct {
	ID          string         `json:"id"`
	ContainerID string         `json:"container_id"`
	RDPPort     uint16         `json:"rdp_port"`
	ConsolePort uint16         `json:"console_port"`
	XpraPort    uint16         `json:"xpra_port"`
	RDPURL      string         `json:"rdp_url"`
	XpraURL     string         `json:"xpra_url"`
	Status      string         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	Config      InstanceConfig `json:"config"`
}

// LogsResponse is the body of GET /api/instances/{id}/logs.
type LogsResponse struct {
	InstanceID string `json:"instance_id"`
	Logs       string `json:"logs"`
}

// StatusResponse is returned by the stop, start and restart actions.
type StatusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// StreamResponse is returned by the log streaming placeholder.
type StreamResponse struct {
	InstanceID string `json:"instance_id"`
	Message    string `json:"message"`
}

// Event is one audit record as served by GET /api/events.
type Event struct {
	Timestamp   string `json:"timestamp"`
	Action      string `json:"action"`
	InstanceID  string `json:"instance_id,omitempty"`
	ContainerID string `json:"container_id,omitempty"`
	Status      string `json:"status,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RDPURL builds the remote desktop URL for a host port.
func RDPURL(host string, port uint16) string {
	return fmt.Sprintf("rdp://%s:%d", host, port)
}

// XpraURL builds the xpra HTML5 client URL for a host port.
func XpraURL(host string, port uint16) string {
	return fmt.Sprintf("http://%s:%d", host, port)
}
