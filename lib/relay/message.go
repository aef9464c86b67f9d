/*
Copyright 2025 Worldgate, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package relay implements the socket side of the gateway: world
// connections, the connection registry with credential-group fan-out,
// and the pending-request registry that matches correlated replies to
// waiting HTTP handlers.
package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gravitational/trace"

	"github.com/worldgate/worldgate/lib/utils"
)

// Request kinds. A request frame's type field equals the kind; the world
// answers with a frame whose type is the kind plus the "-result" suffix.
// The relay never inspects payloads beyond this type dispatch.
const (
	KindSearch              = "search"
	KindEntity              = "entity"
	KindStructure           = "structure"
	KindContents            = "contents"
	KindCreate              = "create"
	KindUpdate              = "update"
	KindDelete              = "delete"
	KindRolls               = "rolls"
	KindLastRoll            = "lastroll"
	KindRoll                = "roll"
	KindActorSheet          = "actor-sheet"
	KindMacros              = "macros"
	KindMacroExecute        = "macro-execute"
	KindEncounters          = "encounters"
	KindStartEncounter      = "start-encounter"
	KindNextTurn            = "next-turn"
	KindNextRound           = "next-round"
	KindLastTurn            = "last-turn"
	KindLastRound           = "last-round"
	KindEndEncounter        = "end-encounter"
	KindAddToEncounter      = "add-to-encounter"
	KindRemoveFromEncounter = "remove-from-encounter"
	KindKill                = "kill"
	KindIncrease            = "increase"
	KindDecrease            = "decrease"
	KindGive                = "give"
	KindSelect              = "select"
	KindSelected            = "selected"
	KindFileSystem          = "file-system"
	KindUploadFile          = "upload-file"
	KindDownloadFile        = "download-file"
	KindExecuteJS           = "execute-js"
)

// Kinds lists every request kind the gateway relays.
var Kinds = []string{
	KindSearch, KindEntity, KindStructure, KindContents,
	KindCreate, KindUpdate, KindDelete,
	KindRolls, KindLastRoll, KindRoll,
	KindActorSheet, KindMacros, KindMacroExecute,
	KindEncounters, KindStartEncounter, KindNextTurn, KindNextRound,
	KindLastTurn, KindLastRound, KindEndEncounter,
	KindAddToEncounter, KindRemoveFromEncounter,
	KindKill, KindIncrease, KindDecrease, KindGive,
	KindSelect, KindSelected,
	KindFileSystem, KindUploadFile, KindDownloadFile, KindExecuteJS,
}

// Frame types handled at the connection itself, never dispatched.
const (
	TypePing = "ping"
	TypePong = "pong"
)

// ResultSuffix is appended to a kind to form its reply type.
const ResultSuffix = "-result"

// ReplyType returns the frame type a world uses to answer requests of
// the given kind.
func ReplyType(kind string) string {
	return kind + ResultSuffix
}

// Message is one text JSON frame on a world socket. Payloads are opaque
// to the relay; only the type, requestId, and error fields are read.
type Message map[string]interface{}

// Type returns the frame's type discriminator, or "" when absent.
func (m Message) Type() string {
	t, _ := m["type"].(string)
	return t
}

// RequestID returns the correlation id echoed by the world, or "".
func (m Message) RequestID() string {
	id, _ := m["requestId"].(string)
	return id
}

// ErrorText returns the world-reported error, or "" for success replies.
func (m Message) ErrorText() string {
	e, _ := m["error"].(string)
	return e
}

// GetString returns a string payload field, or "" when absent or not a
// string.
func (m Message) GetString(key string) string {
	s, _ := m[key].(string)
	return s
}

// Marshal serializes the message as a JSON text frame.
func (m Message) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// Unmarshal parses a text frame into a Message.
func Unmarshal(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, trace.BadParameter("malformed frame: %v", err)
	}
	return m, nil
}

// NewRequestID mints a correlation id. The kind prefix and timestamp are
// advisory (useful in logs); uniqueness comes from the random suffix.
func NewRequestID(kind string, now time.Time) (string, error) {
	suffix, err := utils.RandomBase36(9)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return fmt.Sprintf("%s_%d_%s", kind, now.UnixMilli(), suffix), nil
}
