package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is used when the configuration leaves the prefix empty.
const DefaultTopicPrefix = "packflow"

// Topics provides builders for packflow MQTT topics.
// Using these helpers keeps ingress and status topics consistent between
// the engine and anything that talks to it over the broker.
//
//	topics := mqtt.Topics{Prefix: "packflow"}
//	topics.Event("canvas_updated")
//	// Returns: "packflow/events/canvas_updated"
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	p := strings.TrimSuffix(t.Prefix, "/")
	if p == "" {
		return DefaultTopicPrefix
	}
	return p
}

// =============================================================================
// Ingress Topics
// =============================================================================

// Event returns the ingress topic for a named event.
//
// Example: packflow/events/canvas_updated
func (t Topics) Event(eventName string) string {
	return fmt.Sprintf("%s/events/%s", t.prefix(), eventName)
}

// AllEvents returns a pattern matching every event ingress topic.
//
// Pattern: packflow/events/+
func (t Topics) AllEvents() string {
	return fmt.Sprintf("%s/events/+", t.prefix())
}

// EventName extracts the event name from an ingress topic.
// It reports false when the topic is not an event topic under this prefix.
func (t Topics) EventName(topic string) (string, bool) {
	base := t.prefix() + "/events/"
	if !strings.HasPrefix(topic, base) {
		return "", false
	}
	name := strings.TrimPrefix(topic, base)
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

// =============================================================================
// Status Topics
// =============================================================================

// ExecutionStatus returns the retained status topic for a pack execution.
//
// Example: packflow/executions/3f0c.../status
func (t Topics) ExecutionStatus(executionID string) string {
	return fmt.Sprintf("%s/executions/%s/status", t.prefix(), executionID)
}

// ChainStatus returns the retained status topic for a chain execution.
//
// Example: packflow/chains/9a1e.../status
func (t Topics) ChainStatus(chainExecutionID string) string {
	return fmt.Sprintf("%s/chains/%s/status", t.prefix(), chainExecutionID)
}

// SystemStatus returns the engine's online/offline topic.
//
// Example: packflow/system/status
func (t Topics) SystemStatus() string {
	return fmt.Sprintf("%s/system/status", t.prefix())
}

// AllTopics returns a pattern matching everything under the prefix.
// Use with caution - this receives ALL traffic.
func (t Topics) AllTopics() string {
	return t.prefix() + "/#"
}
