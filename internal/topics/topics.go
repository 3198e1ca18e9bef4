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

// Package topics knows the encoder's topic namespace: how lifecycle, status,
// account and broadcast topics are spelled, how correlated replies are
// addressed, and which topics are too chatty to process.
package topics

import (
	"strings"
)

// Lifecycle verbs published under the session path.
const (
	VerbPublish    = "publish"
	VerbUnpublish  = "unpublish"
	VerbPreview    = "preview"
	VerbEndPreview = "endpreview"
	VerbBroadcast  = "broadcast"
	VerbComplete   = "complete"
)

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

const (
	accountsRoot   = "Accounts"
	liveBroadcasts = "LiveBroadcasts"
	refreshLeaf    = "refresh"
	NetworkTopic   = "System/Network"
)

// Account topic kinds.
const (
	KindInfo           = "Info"
	KindLiveBroadcasts = liveBroadcasts
)

// Namespace builds topics rooted at one stream session path, e.g.
// "Session/0/Stream/0".
type Namespace struct {
	Session string
}

func (n Namespace) Verb(verb string) string { return n.Session + "/" + verb }
func (n Namespace) State() string           { return n.Session + "/State" }
func (n Namespace) Status() string          { return n.Session + "/Status" }
func (n Namespace) Settings() string        { return n.Session + "/Settings" }

// SettingsUpdate is the request prefix for changing stream settings.
func (n Namespace) SettingsUpdate() string { return n.Settings() + "/update" }

// Subscriptions is the curated topic set. It deliberately excludes audio
// level samples, clock ticks and preview frames.
func (n Namespace) Subscriptions() []string {
	return []string{
		n.State(),
		n.Status(),
		n.Settings(),
		accountsRoot + "/+/+/" + KindInfo,
		accountsRoot + "/+/+/" + liveBroadcasts,
		accountsRoot + "/+/+/" + liveBroadcasts + "/+",
		NetworkTopic,
	}
}

// IdentitySubscriptions are the topics that carry an account id.
func (n Namespace) IdentitySubscriptions() []string {
	return []string{n.Settings(), accountsRoot + "/+/+/" + KindInfo}
}

// UpdatePrefix is the request prefix for a generic settings scope.
func UpdatePrefix(scope string) string {
	return strings.TrimSuffix(scope, "/") + "/update"
}

func AccountInfo(provider, accountID string) string {
	return accountsRoot + "/" + provider + "/" + accountID + "/" + KindInfo
}

func LiveBroadcastList(provider, accountID string) string {
	return accountsRoot + "/" + provider + "/" + accountID + "/" + liveBroadcasts
}

func LiveBroadcast(provider, accountID, broadcastID string) string {
	return LiveBroadcastList(provider, accountID) + "/" + broadcastID
}

func LiveBroadcastRefresh(provider, accountID string) string {
	return LiveBroadcastList(provider, accountID) + "/" + refreshLeaf
}

// AccountTopic is a parsed Accounts/<provider>/<account>/... topic.
type AccountTopic struct {
	Provider    string
	AccountID   string
	Kind        string // KindInfo or KindLiveBroadcasts
	BroadcastID string // set for Accounts/p/a/LiveBroadcasts/<id>
}

// ParseAccountTopic recognises account info, broadcast list and single
// broadcast topics. Refresh requests and their replies are rejected.
func ParseAccountTopic(topic string) (AccountTopic, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[0] != accountsRoot || parts[1] == "" || parts[2] == "" {
		return AccountTopic{}, false
	}
	at := AccountTopic{Provider: parts[1], AccountID: parts[2], Kind: parts[3]}
	switch {
	case len(parts) == 4 && (at.Kind == KindInfo || at.Kind == liveBroadcasts):
		return at, true
	case len(parts) == 5 && at.Kind == liveBroadcasts && parts[4] != "" && parts[4] != refreshLeaf:
		at.BroadcastID = parts[4]
		return at, true
	}
	return AccountTopic{}, false
}

// ParseReply splits "<prefix>/<id>/<success|error>".
func ParseReply(topic string) (correlationID, outcome string, ok bool) {
	last := strings.LastIndexByte(topic, '/')
	if last <= 0 {
		return "", "", false
	}
	outcome = topic[last+1:]
	if outcome != OutcomeSuccess && outcome != OutcomeError {
		return "", "", false
	}
	rest := topic[:last]
	prev := strings.LastIndexByte(rest, '/')
	correlationID = rest[prev+1:]
	if correlationID == "" {
		return "", "", false
	}
	return correlationID, outcome, true
}

var filteredLeaves = map[string]bool{
	"AudioLevels": true,
	"Clock":       true,
	"Thumbnail":   true,
}

// IsFiltered reports topics that must never reach the aggregator: preview
// frames and high-frequency telemetry.
func IsFiltered(topic string) bool {
	parts := strings.Split(topic, "/")
	for _, p := range parts {
		if p == "Preview" {
			return true
		}
	}
	return filteredLeaves[parts[len(parts)-1]]
}

// Match reports whether topic matches an MQTT filter with + and # wildcards.
func Match(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return i == len(fp)-1
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
