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

package status

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/ptzhub/encoder-hub/internal/topics"
	"github.com/ptzhub/encoder-hub/pkg/core"
)

// Delta is the subset of snapshot fields one message reports. Nil fields
// were absent from the payload and must be left untouched.
type Delta struct {
	State          *core.LifecycleState
	Uptime         *int64
	AccountID      *string
	AccountName    *string
	Provider       *string
	BroadcastID    *string
	BroadcastTitle *string
	BitrateKbps    *int
	AudioLevel     *core.AudioLevel
	Mode           *string
	NetworkInfo    json.RawMessage
}

func (d Delta) Empty() bool {
	return d.State == nil && d.Uptime == nil && d.AccountID == nil &&
		d.AccountName == nil && d.Provider == nil && d.BroadcastID == nil &&
		d.BroadcastTitle == nil && d.BitrateKbps == nil && d.AudioLevel == nil &&
		d.Mode == nil && d.NetworkInfo == nil
}

// MergeInto writes the present fields into s.
func (d Delta) MergeInto(s *core.StatusSnapshot) {
	if d.State != nil {
		s.State = *d.State
	}
	if d.Uptime != nil {
		s.Uptime = *d.Uptime
	}
	if d.AccountID != nil {
		s.AccountID = *d.AccountID
	}
	if d.AccountName != nil {
		s.AccountName = *d.AccountName
	}
	if d.Provider != nil {
		s.Provider = *d.Provider
	}
	if d.BroadcastID != nil {
		s.CurrentBroadcastID = *d.BroadcastID
	}
	if d.BroadcastTitle != nil {
		s.CurrentBroadcastTitle = *d.BroadcastTitle
	}
	if d.BitrateKbps != nil {
		s.BitrateKbps = *d.BitrateKbps
	}
	if d.AudioLevel != nil {
		s.AudioLevel = *d.AudioLevel
	}
	if d.Mode != nil {
		s.Mode = *d.Mode
	}
	if d.NetworkInfo != nil {
		s.NetworkInfo = append(json.RawMessage(nil), d.NetworkInfo...)
	}
}

// object is a JSON object decoded one field at a time, so one bad field
// does not discard its siblings.
type object struct {
	fields map[string]json.RawMessage
	bad    []string
}

func decodeObject(payload []byte) (*object, error) {
	o := &object{}
	if err := unmarshal(payload, &o.fields); err != nil {
		return nil, err
	}
	return o, nil
}

// err reports the fields that failed to decode.
func (o *object) err() error {
	if len(o.bad) == 0 {
		return nil
	}
	return fmt.Errorf("fields %s: %w", strings.Join(o.bad, ","), core.ErrMalformedPayload)
}

// field returns the decoded value of key, or nil when it is absent, null
// or of the wrong type.
func field[T any](o *object, key string) *T {
	raw, ok := o.fields[key]
	if !ok {
		return nil
	}
	var v *T
	if err := json.Unmarshal(raw, &v); err != nil {
		o.bad = append(o.bad, key)
		return nil
	}
	return v
}

// Decode maps one message to a Delta. ok is false for topics the
// aggregator does not track. A payload that cannot be parsed yields an
// error wrapping core.ErrMalformedPayload. When only some fields of an
// object are bad the same error is returned alongside a Delta holding the
// fields that did decode.
func Decode(ns topics.Namespace, msg core.Message) (d Delta, ok bool, err error) {
	switch {
	case msg.Topic == ns.State():
		state, err := decodeState(msg.Payload)
		if err != nil {
			return Delta{}, true, err
		}
		d.State = &state
		return d, true, nil

	case msg.Topic == ns.Status():
		o, err := decodeObject(msg.Payload)
		if err != nil {
			return Delta{}, true, err
		}
		if state := field[string](o, "State"); state != nil {
			st := core.ParseLifecycleState(*state)
			d.State = &st
		}
		if uptime := field[float64](o, "Uptime"); uptime != nil {
			up := int64(*uptime)
			d.Uptime = &up
		}
		d.BroadcastTitle = field[string](o, "Broadcast")
		d.BroadcastID = field[string](o, "BroadcastId")
		if bitrate := field[float64](o, "Bitrate"); bitrate != nil {
			kbps := int(math.Round(*bitrate))
			d.BitrateKbps = &kbps
		}
		d.AudioLevel = field[core.AudioLevel](o, "AudioLevel")
		return d, true, o.err()

	case msg.Topic == ns.Settings():
		o, err := decodeObject(msg.Payload)
		if err != nil {
			return Delta{}, true, err
		}
		d.Mode = field[string](o, "Mode")
		d.BroadcastID = field[string](o, "BroadcastId")
		d.AccountID = field[string](o, "AccountId")
		d.Provider = field[string](o, "Provider")
		return d, true, o.err()

	case msg.Topic == topics.NetworkTopic:
		raw := bytes.TrimSpace(msg.Payload)
		if !json.Valid(raw) {
			return Delta{}, true, fmt.Errorf("%s: %w", msg.Topic, core.ErrMalformedPayload)
		}
		d.NetworkInfo = json.RawMessage(raw)
		return d, true, nil
	}

	if at, isAccount := topics.ParseAccountTopic(msg.Topic); isAccount && at.Kind == topics.KindInfo {
		o, err := decodeObject(msg.Payload)
		if err != nil {
			return Delta{}, true, err
		}
		id, provider := at.AccountID, at.Provider
		d.AccountID = &id
		d.Provider = &provider
		d.AccountName = field[string](o, "Name")
		return d, true, o.err()
	}

	return Delta{}, false, nil
}

// decodeState accepts a bare word, a JSON string or {"State": "..."}.
func decodeState(payload []byte) (core.LifecycleState, error) {
	raw := bytes.TrimSpace(payload)
	if len(raw) == 0 {
		return "", fmt.Errorf("empty state: %w", core.ErrMalformedPayload)
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("state: %w", core.ErrMalformedPayload)
		}
		return core.ParseLifecycleState(s), nil
	case '{':
		var p struct {
			State *string `json:"State"`
		}
		if err := json.Unmarshal(raw, &p); err != nil || p.State == nil {
			return "", fmt.Errorf("state: %w", core.ErrMalformedPayload)
		}
		return core.ParseLifecycleState(*p.State), nil
	}

	s := string(raw)
	if strings.ContainsAny(s, "[]{}\n") {
		return "", fmt.Errorf("state %q: %w", s, core.ErrMalformedPayload)
	}
	return core.ParseLifecycleState(s), nil
}

func unmarshal(payload []byte, v any) error {
	raw := bytes.TrimSpace(payload)
	if len(raw) == 0 {
		return fmt.Errorf("empty payload: %w", core.ErrMalformedPayload)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%v: %w", err, core.ErrMalformedPayload)
	}
	return nil
}
