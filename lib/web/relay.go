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

package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"github.com/worldgate/worldgate/lib/defaults"
	"github.com/worldgate/worldgate/lib/httplib"
	"github.com/worldgate/worldgate/lib/relay"
	"github.com/worldgate/worldgate/lib/sanitize"
	"github.com/worldgate/worldgate/lib/users"
)

// relayOp describes one correlated request to a world.
type relayOp struct {
	// kind is the request kind; the reply type is derived from it.
	kind string
	// timeout is the reply deadline. Zero means the default.
	timeout time.Duration
	// fields is the request payload merged into the outbound frame.
	fields map[string]interface{}
	// waiter carries secondary-match and rendering metadata.
	waiter relay.Waiter
}

// relayRequest runs the local relay path for one operation: resolve the
// world, register a waiter, send the frame, await the correlated reply.
func (h *Handler) relayRequest(r *http.Request, user *users.User, op relayOp) (relay.Message, string, string, error) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		return nil, "", "", httplib.NewError(http.StatusBadRequest, "clientId is required").WithFields(map[string]interface{}{
			"howToUse": "pass the target world id as the clientId query parameter",
		})
	}

	conn, ok := h.cfg.Registry.Get(clientID)
	if !ok {
		if forwardAttempted(r) {
			return nil, "", "", httplib.BadGateway("failed to reach the replica serving this API key")
		}
		return nil, "", "", httplib.NewError(http.StatusNotFound, fmt.Sprintf("no connected world with id %q", clientID)).WithFields(map[string]interface{}{
			"availableClients": h.availableClientIDs(r.Context(), user.APIKey),
		})
	}
	if conn.APIKey() != user.APIKey {
		return nil, "", "", trace.AccessDenied("world %q belongs to a different API key", clientID)
	}

	corrID, err := relay.NewRequestID(op.kind, h.clock.Now())
	if err != nil {
		return nil, "", "", trace.Wrap(err)
	}
	waiter := op.waiter
	waiter.Kind = op.kind
	waiter.WorldID = clientID
	waiter.Timeout = op.timeout
	pending, err := h.cfg.Pending.Register(corrID, waiter)
	if err != nil {
		return nil, "", "", trace.Wrap(err)
	}

	msg := relay.Message{"type": op.kind, "requestId": corrID}
	for key, value := range op.fields {
		msg[key] = value
	}
	if !conn.Send(msg) {
		h.cfg.Pending.Cancel(corrID)
		return nil, "", "", httplib.NewError(http.StatusInternalServerError, "failed to deliver the request to the world")
	}

	reply, err := pending.Wait(r.Context())
	if err != nil {
		if errors.Is(err, relay.ErrReplyTimeout) {
			h.log.WithFields(log.Fields{
				"world":          clientID,
				"kind":           op.kind,
				"correlation_id": corrID,
			}).Info("World did not reply before the deadline.")
			return nil, "", "", httplib.Timeout(timeoutMessage(op.kind))
		}
		return nil, "", "", trace.Wrap(err)
	}
	return reply, corrID, clientID, nil
}

// relayJSON relays the operation and shapes the reply into the standard
// success body. World-reported errors come back as 400 with the world's
// message.
func (h *Handler) relayJSON(r *http.Request, user *users.User, op relayOp) (interface{}, error) {
	reply, corrID, clientID, err := h.relayRequest(r, user, op)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if errText := reply.ErrorText(); errText != "" {
		return nil, httplib.NewError(http.StatusBadRequest, errText).WithFields(map[string]interface{}{
			"requestId": corrID,
			"clientId":  clientID,
		})
	}
	return replyBody(reply, corrID, clientID), nil
}

// replyBody wraps a world reply as {requestId, clientId, ...fields},
// dropping the frame plumbing.
func replyBody(reply relay.Message, corrID, clientID string) map[string]interface{} {
	body := make(map[string]interface{}, len(reply)+2)
	for key, value := range reply {
		if key == "type" || key == "requestId" {
			continue
		}
		body[key] = value
	}
	body["requestId"] = corrID
	body["clientId"] = clientID
	return body
}

// timeoutMessage renders the caller-facing 408 text for a kind.
func timeoutMessage(kind string) string {
	names := map[string]string{
		relay.KindEntity:       "Entity",
		relay.KindLastRoll:     "Last roll",
		relay.KindActorSheet:   "Sheet",
		relay.KindMacroExecute: "Macro execution",
		relay.KindFileSystem:   "File system",
		relay.KindUploadFile:   "Upload",
		relay.KindDownloadFile: "Download",
		relay.KindExecuteJS:    "Script execution",
	}
	name, ok := names[kind]
	if !ok {
		name = strings.ReplaceAll(kind, "-", " ")
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	return name + " request timed out"
}

// readBody decodes a JSON request body into a field map, enforcing the
// body size limit. An empty body is an empty map.
func readBody(w http.ResponseWriter, r *http.Request) (map[string]interface{}, error) {
	data, err := readRawBody(w, r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return parseFields(data)
}

func readRawBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, defaults.MaxJSONBodyBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, httplib.NewError(http.StatusRequestEntityTooLarge, "request body too large")
		}
		return nil, trace.Wrap(err)
	}
	return data, nil
}

func parseFields(data []byte) (map[string]interface{}, error) {
	if len(data) == 0 {
		return map[string]interface{}{}, nil
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, trace.BadParameter("request body is not valid JSON: %v", err)
	}
	if fields == nil {
		fields = map[string]interface{}{}
	}
	return fields, nil
}

// normalizeSelected coerces the "selected" field, which callers send as
// a boolean or as the strings "true"/"false", to a boolean.
func normalizeSelected(fields map[string]interface{}) error {
	raw, ok := fields["selected"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case bool:
	case string:
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return trace.BadParameter("selected must be a boolean")
		}
		fields["selected"] = parsed
	default:
		return trace.BadParameter("selected must be a boolean")
	}
	return nil
}

// hasSelected reports whether the field map asks for the world-side
// selection.
func hasSelected(fields map[string]interface{}) bool {
	selected, _ := fields["selected"].(bool)
	return selected
}

// queryFields copies the named query parameters into a field map,
// skipping absent ones.
func queryFields(r *http.Request, keys ...string) map[string]interface{} {
	fields := make(map[string]interface{})
	for _, key := range keys {
		if value := r.URL.Query().Get(key); value != "" {
			fields[key] = value
		}
	}
	return fields
}

// queryBool parses an optional boolean query parameter.
func queryBool(r *http.Request, key string) (bool, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return false, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, trace.BadParameter("%s must be a boolean", key)
	}
	return parsed, nil
}

// missingParam is the 400 reply for an absent required parameter.
func missingParam(message, howToUse string) error {
	return httplib.NewError(http.StatusBadRequest, message).WithFields(map[string]interface{}{
		"howToUse": howToUse,
	})
}

// checkScript rejects request bodies that embed JavaScript reaching for
// the hosting browser's stores, credentials or escape hatches.
func checkScript(body []byte) error {
	pattern, found := sanitize.ScanScript(string(body))
	if !found {
		return nil
	}
	return httplib.NewError(http.StatusBadRequest, "Script contains forbidden patterns").WithFields(map[string]interface{}{
		"suggestion": fmt.Sprintf("remove the use of %q; scripts may only touch the world's own game API", pattern),
	})
}

// search finds entities by text query.
func (h *Handler) search(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
	fields := queryFields(r, "query", "filter")
	if _, ok := fields["query"]; !ok {
		return nil, missingParam("query is required", "GET /search?clientId=<id>&query=<text>[&filter=<type>]")
	}
	return h.relayJSON(r, user, relayOp{
		kind:   relay.KindSearch,
		fields: fields,
		waiter: relay.Waiter{Query: r.URL.Query().Get("query"), Filter: r.URL.Query().Get("filter")},
	})
}

// getEntity fetches one entity by uuid, or the selected one.
func (h *Handler) getEntity(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
	fields := queryFields(r, "uuid")
	for _, key := range []string{"selected", "actor", "noCache"} {
		value, err := queryBool(r, key)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if value {
			fields[key] = true
		}
	}
	if _, ok := fields["uuid"]; !ok && !hasSelected(fields) {
		return nil, missingParam("uuid or selected is required",
			"GET /get?clientId=<id>&uuid=<uuid> or GET /get?clientId=<id>&selected=true")
	}
	return h.relayJSON(r, user, relayOp{
		kind:   relay.KindEntity,
		fields: fields,
		waiter: relay.Waiter{UUID: r.URL.Query().Get("uuid")},
	})
}

// structure returns the world's folder and compendium tree.
func (h *Handler) structure(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
	return h.relayJSON(r, user, relayOp{kind: relay.KindStructure})
}

// contents lists one folder or compendium.
func (h *Handler) contents(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
	path := strings.TrimPrefix(p.ByName("path"), "/")
	if path == "" {
		return nil, missingParam("path is required", "GET /contents/<folder-or-compendium-path>?clientId=<id>")
	}
	return h.relayJSON(r, user, relayOp{
		kind:   relay.KindContents,
		fields: map[string]interface{}{"path": path},
		waiter: relay.Waiter{Path: path},
	})
}

// create makes a new entity from the request body.
func (h *Handler) create(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
	fields, err := readBody(w, r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(fields) == 0 {
		return nil, missingParam("request body is required",
			`POST /create?clientId=<id> with body {"entityType": "Actor", "data": {...}}`)
	}
	out, err := h.relayJSON(r, user, relayOp{kind: relay.KindCreate, fields: fields})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return httplib.WithStatus(http.StatusCreated, out), nil
}

// update patches an entity by uuid or selection.
func (h *Handler) update(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
	fields, err := readBody(w, r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := normalizeSelected(fields); err != nil {
		return nil, trace.Wrap(err)
	}
	uuid, _ := fields["uuid"].(string)
	if uuid == "" && !hasSelected(fields) {
		return nil, missingParam("uuid or selected is required",
			`PUT /update?clientId=<id> with body {"uuid": "<uuid>", "data": {...}}`)
	}
	return h.relayJSON(r, user, relayOp{
		kind:   relay.KindUpdate,
		fields: fields,
		waiter: relay.Waiter{UUID: uuid},
	})
}

// deleteEntity removes an entity by uuid or selection. The target may
// come from the query or the body.
func (h *Handler) deleteEntity(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
	fields, err := readBody(w, r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for key, value := range queryFields(r, "uuid", "selected") {
		if _, ok := fields[key]; !ok {
			fields[key] = value
		}
	}
	if err := normalizeSelected(fields); err != nil {
		return nil, trace.Wrap(err)
	}
	uuid, _ := fields["uuid"].(string)
	if uuid == "" && !hasSelected(fields) {
		return nil, missingParam("uuid or selected is required", "DELETE /delete?clientId=<id>&uuid=<uuid>")
	}
	return h.relayJSON(r, user, relayOp{
		kind:   relay.KindDelete,
		fields: fields,
		waiter: relay.Waiter{UUID: uuid},
	})
}

// rolls returns recent dice rolls.
func (h *Handler) rolls(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
	fields := make(map[string]interface{})
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return nil, trace.BadParameter("limit must be a positive integer")
		}
		fields["limit"] = limit
	}
	return h.relayJSON(r, user, relayOp{
		kind:    relay.KindRolls,
		timeout: defaults.QuickRequestTimeout,
		fields:  fields,
	})
}

// lastRoll returns the most recent dice roll.
func (h *Handler) lastRoll(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
	return h.relayJSON(r, user, relayOp{
		kind:    relay.KindLastRoll,
		timeout: defaults.QuickRequestTimeout,
	})
}

// roll evaluates a dice formula in the world.
func (h *Handler) roll(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
	fields, err := readBody(w, r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if formula, _ := fields["formula"].(string); formula == "" {
		return nil, missingParam("formula is required",
			`POST /roll?clientId=<id> with body {"formula": "2d6+3", "flavor": "Attack"}`)
	}
	return h.relayJSON(r, user, relayOp{
		kind:    relay.KindRoll,
		timeout: defaults.QuickRequestTimeout,
		fields:  fields,
	})
}

// macros lists the world's macros.
func (h *Handler) macros(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
	return h.relayJSON(r, user, relayOp{kind: relay.KindMacros})
}

// macroExecute runs a macro by uuid. The body is scanned by the script
// filter before it is forwarded.
func (h *Handler) macroExecute(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
	uuid := p.ByName("uuid")
	raw, err := readRawBody(w, r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := checkScript(raw); err != nil {
		return nil, trace.Wrap(err)
	}
	fields, err := parseFields(raw)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	fields["uuid"] = uuid
	return h.relayJSON(r, user, relayOp{
		kind:    relay.KindMacroExecute,
		timeout: defaults.MacroRequestTimeout,
		fields:  fields,
		waiter:  relay.Waiter{UUID: uuid},
	})
}

// encounters lists active encounters.
func (h *Handler) encounters(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
	return h.relayJSON(r, user, relayOp{kind: relay.KindEncounters})
}

// startEncounter begins an encounter from explicit uuids or the
// world-side selection.
func (h *Handler) startEncounter(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
	fields, err := readBody(w, r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := normalizeSelected(fields); err != nil {
		return nil, trace.Wrap(err)
	}
	return h.relayJSON(r, user, relayOp{kind: relay.KindStartEncounter, fields: fields})
}

// encounterOp builds a handler for the turn-order operations, which
// share one shape: an optional encounter id in the body.
func (h *Handler) encounterOp(kind string) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
		fields, err := readBody(w, r)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return h.relayJSON(r, user, relayOp{kind: kind, fields: fields})
	}
}

// encounterMembers builds a handler for adding or removing combatants.
func (h *Handler) encounterMembers(kind string) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
		fields, err := readBody(w, r)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if err := normalizeSelected(fields); err != nil {
			return nil, trace.Wrap(err)
		}
		return h.relayJSON(r, user, relayOp{kind: kind, fields: fields})
	}
}

// kill defeats an actor by uuid or selection.
func (h *Handler) kill(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
	fields, err := readBody(w, r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := normalizeSelected(fields); err != nil {
		return nil, trace.Wrap(err)
	}
	uuid, _ := fields["uuid"].(string)
	if uuid == "" && !hasSelected(fields) {
		return nil, missingParam("uuid or selected is required",
			`POST /kill?clientId=<id> with body {"uuid": "<uuid>"}`)
	}
	return h.relayJSON(r, user, relayOp{
		kind:   relay.KindKill,
		fields: fields,
		waiter: relay.Waiter{UUID: uuid},
	})
}

// attributeOp builds the increase and decrease handlers, which adjust a
// numeric attribute on an actor.
func (h *Handler) attributeOp(kind string) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
		fields, err := readBody(w, r)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if err := normalizeSelected(fields); err != nil {
			return nil, trace.Wrap(err)
		}
		attribute, _ := fields["attribute"].(string)
		if attribute == "" {
			return nil, missingParam("attribute is required",
				fmt.Sprintf(`POST /%s?clientId=<id> with body {"attribute": "system.attributes.hp.value", "amount": 5}`, kind))
		}
		if _, ok := fields["amount"]; !ok {
			return nil, missingParam("amount is required",
				fmt.Sprintf(`POST /%s?clientId=<id> with body {"attribute": "system.attributes.hp.value", "amount": 5}`, kind))
		}
		uuid, _ := fields["uuid"].(string)
		return h.relayJSON(r, user, relayOp{
			kind:   kind,
			fields: fields,
			waiter: relay.Waiter{UUID: uuid},
		})
	}
}

// give transfers an item between actors.
func (h *Handler) give(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
	fields, err := readBody(w, r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, key := range []string{"fromUuid", "toUuid", "itemUuid"} {
		if value, _ := fields[key].(string); value == "" {
			return nil, missingParam(key+" is required",
				`POST /give?clientId=<id> with body {"fromUuid": "...", "toUuid": "...", "itemUuid": "...", "quantity": 1}`)
		}
	}
	return h.relayJSON(r, user, relayOp{kind: relay.KindGive, fields: fields})
}

// selectEntities changes the world-side selection.
func (h *Handler) selectEntities(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
	fields, err := readBody(w, r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	_, hasUUIDs := fields["uuids"]
	name, _ := fields["name"].(string)
	all, _ := fields["all"].(bool)
	if !hasUUIDs && name == "" && !all {
		return nil, missingParam("uuids, name or all is required",
			`POST /select?clientId=<id> with body {"uuids": ["..."]} or {"name": "Goblin"} or {"all": true}`)
	}
	return h.relayJSON(r, user, relayOp{kind: relay.KindSelect, fields: fields})
}

// selected returns the world-side selection.
func (h *Handler) selected(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
	return h.relayJSON(r, user, relayOp{kind: relay.KindSelected})
}

// executeJS runs an ad-hoc script in the world. The body is scanned by
// the script filter before it is forwarded.
func (h *Handler) executeJS(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
	raw, err := readRawBody(w, r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := checkScript(raw); err != nil {
		return nil, trace.Wrap(err)
	}
	fields, err := parseFields(raw)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if script, _ := fields["script"].(string); script == "" {
		return nil, missingParam("script is required",
			`POST /execute-js?clientId=<id> with body {"script": "return game.user.name"}`)
	}
	return h.relayJSON(r, user, relayOp{kind: relay.KindExecuteJS, fields: fields})
}
