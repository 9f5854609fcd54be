package api

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/nerrad567/packflow/internal/auth"
	"github.com/nerrad567/packflow/internal/automation"
	"github.com/nerrad567/packflow/internal/infrastructure/mqtt"
)

// ingressSource is recorded on events that arrive over MQTT without a source.
const ingressSource = "mqtt"

// maxIngressInFlight caps concurrent emits from MQTT. A full pool blocks the
// MQTT callback, which applies backpressure to the broker.
const maxIngressInFlight = 8

// ingressMessage is the JSON body of an event ingress message. The event
// name comes from the topic.
type ingressMessage struct {
	Payload   map[string]any `json:"payload"`
	Source    string         `json:"source"`
	UserID    string         `json:"user_id"`
	OrgID     string         `json:"org_id"`
	StartupID string         `json:"startup_id"`
}

// subscribeEventIngress subscribes to every event topic and emits each
// message. Brokers are trusted: the scope in the message is taken as is.
func (s *Server) subscribeEventIngress(ctx context.Context) error {
	if s.mqtt == nil {
		return nil
	}

	topics := s.mqtt.Topics()
	sem := semaphore.NewWeighted(maxIngressInFlight)
	s.logger.Info("subscribing to event ingress", "topic", topics.AllEvents())

	return s.mqtt.Subscribe(topics.AllEvents(), 1, func(topic string, payload []byte) error {
		if err := sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("ingress stopped: %w", err)
		}
		go func() {
			defer sem.Release(1)
			if _, err := s.ingestEvent(ctx, topics, topic, payload); err != nil {
				s.logger.Warn("event ingress failed", "topic", topic, "error", err)
			}
		}()
		return nil
	})
}

// ingestEvent decodes one ingress message and emits it.
func (s *Server) ingestEvent(ctx context.Context, topics mqtt.Topics, topic string, payload []byte) (*automation.EmitResult, error) {
	name, ok := topics.EventName(topic)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an event topic", automation.ErrInvalidEvent, topic)
	}

	var msg ingressMessage
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("decoding ingress message: %w", err)
		}
	}
	if msg.Source == "" {
		msg.Source = ingressSource
	}

	scope := automation.Scope{UserID: msg.UserID, OrgID: msg.OrgID, StartupID: msg.StartupID}
	if scope.UserID != "" && scope.StartupID == "" {
		startup, err := s.resolveStartup(ctx, auth.Scope{UserID: scope.UserID, OrgID: scope.OrgID})
		if err != nil {
			return nil, fmt.Errorf("resolving ingress scope: %w", err)
		}
		scope.StartupID = startup
	}

	res, err := s.emitter.Emit(ctx, automation.EmitRequest{
		EventName: name,
		Payload:   msg.Payload,
		Source:    msg.Source,
		Scope:     scope,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("event ingested",
		"event", name,
		"event_id", res.EventID,
		"triggered", res.TriggeredCount,
	)
	return res, nil
}
