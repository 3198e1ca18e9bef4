// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package core

import (
	"encoding/json"
	"strings"
	"time"
)

// Message is one (topic, payload) pair travelling over the encoder bus.
type Message struct {
	Topic      string    `json:"topic"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

type LifecycleState string

const (
	StateInvalid    LifecycleState = "Invalid"
	StateWaiting    LifecycleState = "Waiting"
	StateReady      LifecycleState = "Ready"
	StateStarting   LifecycleState = "Starting"
	StatePreviewing LifecycleState = "Previewing"
	StateLive       LifecycleState = "Live"
	StateStopping   LifecycleState = "Stopping"
	StateError      LifecycleState = "Error"

	// StateUnknown is only produced by the HTTP fallback when the status
	// page matches none of the known phrases.
	StateUnknown LifecycleState = "Unknown"
)

var knownStates = []LifecycleState{
	StateInvalid, StateWaiting, StateReady, StateStarting,
	StatePreviewing, StateLive, StateStopping, StateError, StateUnknown,
}

// ParseLifecycleState normalises the casing of known states and passes
// anything else through verbatim.
func ParseLifecycleState(s string) LifecycleState {
	s = strings.TrimSpace(s)
	for _, st := range knownStates {
		if strings.EqualFold(s, string(st)) {
			return st
		}
	}
	return LifecycleState(s)
}

type AudioLevel struct {
	Left  float64 `json:"left"`
	Right float64 `json:"right"`
}

// StatusSnapshot is the aggregated view of encoder state.
type StatusSnapshot struct {
	State                 LifecycleState  `json:"state"`
	Uptime                int64           `json:"uptime"`
	AccountID             string          `json:"accountId,omitempty"`
	AccountName           string          `json:"accountName,omitempty"`
	Provider              string          `json:"provider,omitempty"`
	CurrentBroadcastID    string          `json:"currentBroadcastId,omitempty"`
	CurrentBroadcastTitle string          `json:"currentBroadcastTitle,omitempty"`
	BitrateKbps           int             `json:"bitrateKbps"`
	AudioLevel            AudioLevel      `json:"audioLevel"`
	NetworkInfo           json.RawMessage `json:"networkInfo,omitempty"`
	Mode                  string          `json:"mode,omitempty"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}

func (s StatusSnapshot) IsStreaming() bool { return s.State == StateLive }
func (s StatusSnapshot) IsReady() bool     { return s.State == StateReady }

// Clone returns a copy that shares no mutable memory with s.
func (s StatusSnapshot) Clone() StatusSnapshot {
	if s.NetworkInfo != nil {
		s.NetworkInfo = append(json.RawMessage(nil), s.NetworkInfo...)
	}
	return s
}

// StreamingStatus is the response shape of getStreamingStatus. The bus path
// and the HTTP fallback path both produce it.
type StreamingStatus struct {
	StatusSnapshot
	Connected   bool   `json:"connected"`
	Degraded    bool   `json:"degraded"`
	IsStreaming bool   `json:"isStreaming"`
	IsReady     bool   `json:"isReady"`
	Source      string `json:"source"`
	Error       string `json:"error,omitempty"`
}

const (
	SourceBus  = "bus"
	SourceHTTP = "http"
)

// NewStreamingStatus derives the streaming flags from the snapshot.
func NewStreamingStatus(s StatusSnapshot, connected bool, source string) StreamingStatus {
	return StreamingStatus{
		StatusSnapshot: s,
		Connected:      connected,
		Degraded:       source != SourceBus,
		IsStreaming:    s.IsStreaming(),
		IsReady:        s.IsReady(),
		Source:         source,
	}
}

// Broadcast is one remote live-event target.
type Broadcast struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	ScheduledStart  *time.Time `json:"scheduledStart,omitempty"`
	LifeCycleStatus string     `json:"lifeCycleStatus,omitempty"`
	PrivacyStatus   string     `json:"privacyStatus,omitempty"`
	AccountID       string     `json:"accountId"`
	Selected        bool       `json:"selected"`
}

type Destination struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Active   bool   `json:"active"`
}

// Destinations is the static set of streaming targets the encoder supports.
var Destinations = []Destination{
	{ID: "youtube", Name: "YouTube Live", Provider: "YouTube"},
	{ID: "facebook", Name: "Facebook Live", Provider: "Facebook"},
	{ID: "twitch", Name: "Twitch", Provider: "Twitch"},
	{ID: "rtmp", Name: "Custom RTMP", Provider: "RTMP"},
}

// LookupDestination matches id case-insensitively against Destinations.
func LookupDestination(id string) (Destination, bool) {
	for _, d := range Destinations {
		if strings.EqualFold(d.ID, id) {
			return d, true
		}
	}
	return Destination{}, false
}

// Result is the uniform operation result handed to the HTTP layer.
type Result struct {
	Success   bool          `json:"success"`
	Data      any           `json:"data,omitempty"`
	Error     string        `json:"error,omitempty"`
	Reason    FailureReason `json:"reason,omitempty"`
	Connected bool          `json:"connected"`
	Streaming bool          `json:"streaming"`
}

// FailureReason lets callers tell an unreachable device from a rejected
// command without parsing the error text.
type FailureReason string

const (
	ReasonUnreachable    FailureReason = "unreachable"
	ReasonRejected       FailureReason = "rejected"
	ReasonInvalidState   FailureReason = "invalid_state"
	ReasonInvalidInput   FailureReason = "invalid_input"
	ReasonMissingAccount FailureReason = "missing_account"
	ReasonInternal       FailureReason = "internal"
)

type StatusEventKind string

const (
	EventStateChanged     StatusEventKind = "state_changed"
	EventBroadcastChanged StatusEventKind = "broadcast_changed"
	EventDegraded         StatusEventKind = "degraded"
	EventRecovered        StatusEventKind = "recovered"
)

// StatusEvent is emitted to sinks whenever something operators care about
// changes on the encoder.
type StatusEvent struct {
	ID        string          `json:"id"`
	Kind      StatusEventKind `json:"kind"`
	Previous  string          `json:"previous,omitempty"`
	Current   string          `json:"current,omitempty"`
	Snapshot  StatusSnapshot  `json:"snapshot"`
	Timestamp time.Time       `json:"timestamp"`
}
