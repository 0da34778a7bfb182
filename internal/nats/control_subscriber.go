/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package nats

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-delay-go/internal/delay"
)

const (
	connectAttempts = 5
	connectBackoff  = 2 * time.Second

	broadcastSetSubject = "delay.broadcast.params.set"
)

// ParamUpdate is a partial parameter change from a control surface. Absent
// fields are left untouched; out-of-range values are clamped.
type ParamUpdate struct {
	DelaySeconds *float64 `json:"delay_seconds,omitempty"`
	Feedback     *float64 `json:"feedback,omitempty"`
	WetDryRatio  *float64 `json:"wet_dry_ratio,omitempty"`
	Routing      *string  `json:"routing,omitempty"`
}

// TransportCommand switches processing on (play) or off (stop)
type TransportCommand struct {
	Playing bool `json:"playing"`
}

// ParamState is the applied state of the effect as reported to control surfaces
type ParamState struct {
	EffectID     string  `json:"effect_id"`
	DelaySeconds float64 `json:"delay_seconds"`
	DelayText    string  `json:"delay_text"`
	Feedback     float64 `json:"feedback"`
	FeedbackText string  `json:"feedback_text"`
	WetDryRatio  float64 `json:"wet_dry_ratio"`
	WetDryText   string  `json:"wet_dry_text"`
	Routing      string  `json:"routing"`
	Playing      bool    `json:"playing"`
	Error        string  `json:"error,omitempty"`
}

// EffectControl is the parameter surface of a delay effect
type EffectControl interface {
	SetDelaySeconds(v float64) float64
	SetFeedback(v float64) float64
	SetWetDryRatio(v float64) float64
	FeedbackRouting() delay.FeedbackRouting
	SetFeedbackRouting(r delay.FeedbackRouting) delay.FeedbackRouting
	Params() delay.Params
}

// Transport starts and stops audio processing
type Transport interface {
	Suspend() error
	Resume() error
	IsPlaying() bool
}

// ControlNATSConnection interface for dependency injection
type ControlNATSConnection interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Publish(subject string, data []byte) error
	Close()
}

// ControlNATSConnectionAdapter adapts *nats.Conn to ControlNATSConnection interface
type ControlNATSConnectionAdapter struct {
	conn *nats.Conn
}

func NewControlNATSConnectionAdapter(conn *nats.Conn) *ControlNATSConnectionAdapter {
	return &ControlNATSConnectionAdapter{conn: conn}
}

func (r *ControlNATSConnectionAdapter) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	return r.conn.Subscribe(subject, cb)
}

func (r *ControlNATSConnectionAdapter) Publish(subject string, data []byte) error {
	return r.conn.Publish(subject, data)
}

func (r *ControlNATSConnectionAdapter) Close() {
	r.conn.Close()
}

// ControlSubscriber exposes an effect's parameters over NATS
type ControlSubscriber struct {
	natsConn  ControlNATSConnection
	effectID  string
	effect    EffectControl
	transport Transport
}

// NewControlSubscriber connects to NATS and creates a control subscriber for effectID.
// transport may be nil, in which case transport commands are refused.
func NewControlSubscriber(natsURL, effectID string, effect EffectControl, transport Transport) (*ControlSubscriber, error) {
	// Connect to NATS with retry
	var nc *nats.Conn
	var err error

	for i := 0; i < connectAttempts; i++ {
		nc, err = nats.Connect(natsURL, nats.Name("loqa-delay-"+effectID))
		if err == nil {
			break
		}
		log.Printf("⚠️  Failed to connect to NATS (attempt %d/%d): %v", i+1, connectAttempts, err)
		time.Sleep(connectBackoff)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", connectAttempts, err)
	}

	log.Printf("✅ Connected to NATS at %s", natsURL)

	return NewControlSubscriberWithConnection(NewControlNATSConnectionAdapter(nc), effectID, effect, transport), nil
}

// NewControlSubscriberWithConnection creates a control subscriber with an existing connection (for testing)
func NewControlSubscriberWithConnection(natsConn ControlNATSConnection, effectID string, effect EffectControl, transport Transport) *ControlSubscriber {
	return &ControlSubscriber{
		natsConn:  natsConn,
		effectID:  effectID,
		effect:    effect,
		transport: transport,
	}
}

// SetSubject is where parameter updates for this effect are sent
func (cs *ControlSubscriber) SetSubject() string { return fmt.Sprintf("delay.%s.params.set", cs.effectID) }

// GetSubject answers state requests
func (cs *ControlSubscriber) GetSubject() string { return fmt.Sprintf("delay.%s.params.get", cs.effectID) }

// StateSubject receives the applied state after every change
func (cs *ControlSubscriber) StateSubject() string {
	return fmt.Sprintf("delay.%s.params.state", cs.effectID)
}

// TransportSubject receives play/stop commands
func (cs *ControlSubscriber) TransportSubject() string {
	return fmt.Sprintf("delay.%s.transport", cs.effectID)
}

// Start begins listening for control messages
func (cs *ControlSubscriber) Start() error {
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{cs.SetSubject(), cs.handleSet},
		{broadcastSetSubject, cs.handleSet},
		{cs.GetSubject(), cs.handleGet},
		{cs.TransportSubject(), cs.handleTransport},
	}

	for _, h := range handlers {
		if _, err := cs.natsConn.Subscribe(h.subject, h.handler); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", h.subject, err)
		}
	}

	log.Printf("🎚️  Subscribed to control topics: %s, %s, %s, %s",
		cs.SetSubject(), broadcastSetSubject, cs.GetSubject(), cs.TransportSubject())
	return nil
}

// Apply applies an update and returns the resulting state
func (cs *ControlSubscriber) Apply(update ParamUpdate) ParamState {
	var problem string

	if update.DelaySeconds != nil {
		cs.effect.SetDelaySeconds(*update.DelaySeconds)
	}
	if update.Feedback != nil {
		cs.effect.SetFeedback(*update.Feedback)
	}
	if update.WetDryRatio != nil {
		cs.effect.SetWetDryRatio(*update.WetDryRatio)
	}
	if update.Routing != nil {
		routing, err := delay.ParseFeedbackRouting(*update.Routing)
		if err != nil {
			problem = err.Error()
		} else {
			cs.effect.SetFeedbackRouting(routing)
		}
	}

	state := cs.State()
	state.Error = problem
	return state
}

// State reports the currently applied parameters
func (cs *ControlSubscriber) State() ParamState {
	params := cs.effect.Params()
	state := ParamState{
		EffectID:     cs.effectID,
		DelaySeconds: params.DelaySeconds.Load(),
		DelayText:    params.DelaySeconds.Text(),
		Feedback:     params.Feedback.Load(),
		FeedbackText: params.Feedback.Text(),
		WetDryRatio:  params.WetDryRatio.Load(),
		WetDryText:   params.WetDryRatio.Text(),
		Routing:      cs.effect.FeedbackRouting().String(),
	}
	if cs.transport != nil {
		state.Playing = cs.transport.IsPlaying()
	}
	return state
}

// handleSet processes incoming parameter updates
func (cs *ControlSubscriber) handleSet(msg *nats.Msg) {
	var update ParamUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		log.Printf("❌ Failed to unmarshal parameter update: %v", err)
		cs.reply(msg, ParamState{EffectID: cs.effectID, Error: "malformed parameter update"})
		return
	}

	state := cs.Apply(update)
	if state.Error != "" {
		log.Printf("⚠️  Ignored part of parameter update: %s", state.Error)
	}
	log.Printf("🎛️  Delay %s, feedback %s, wet/dry %s, routing %s",
		state.DelayText, state.FeedbackText, state.WetDryText, state.Routing)

	cs.reply(msg, state)
	cs.publish(cs.StateSubject(), state)
}

// handleGet answers state requests
func (cs *ControlSubscriber) handleGet(msg *nats.Msg) {
	cs.reply(msg, cs.State())
}

// handleTransport processes play/stop commands
func (cs *ControlSubscriber) handleTransport(msg *nats.Msg) {
	var cmd TransportCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		log.Printf("❌ Failed to unmarshal transport command: %v", err)
		cs.reply(msg, ParamState{EffectID: cs.effectID, Error: "malformed transport command"})
		return
	}

	var err error
	switch {
	case cs.transport == nil:
		err = fmt.Errorf("transport control not available")
	case cmd.Playing:
		err = cs.transport.Resume()
	default:
		err = cs.transport.Suspend()
	}

	state := cs.State()
	if err != nil {
		log.Printf("⚠️  Transport command failed: %v", err)
		state.Error = err.Error()
	}

	cs.reply(msg, state)
	cs.publish(cs.StateSubject(), state)
}

func (cs *ControlSubscriber) reply(msg *nats.Msg, state ParamState) {
	if msg.Reply == "" {
		return
	}
	cs.publish(msg.Reply, state)
}

func (cs *ControlSubscriber) publish(subject string, state ParamState) {
	data, err := json.Marshal(state)
	if err != nil {
		log.Printf("❌ Failed to marshal state: %v", err)
		return
	}
	if err := cs.natsConn.Publish(subject, data); err != nil {
		log.Printf("⚠️  Failed to publish to %s: %v", subject, err)
	}
}

// Close closes the NATS connection
func (cs *ControlSubscriber) Close() {
	if cs.natsConn != nil {
		cs.natsConn.Close()
		log.Println("🔌 NATS connection closed")
	}
}
