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
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/worldgate/worldgate"
)

// endpointDoc is one entry of the machine-readable endpoint catalogue.
type endpointDoc struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
	Params      string `json:"params,omitempty"`
}

var endpointCatalogue = []endpointDoc{
	{Path: "/api/status", Method: "GET", Description: "Replica identity and connected world count."},
	{Path: "/api/health", Method: "GET", Description: "Liveness probe."},
	{Path: "/register", Method: "POST", Description: "Create an account and mint its API key.", Params: `body {"email"}`},
	{Path: "/relay", Method: "GET", Description: "World socket endpoint (websocket upgrade).", Params: "query id, token"},
	{Path: "/clients", Method: "GET", Description: "Enumerate the worlds visible to the API key."},
	{Path: "/search", Method: "GET", Description: "Find entities by text query.", Params: "query clientId, query, filter"},
	{Path: "/get", Method: "GET", Description: "Fetch one entity.", Params: "query clientId, uuid|selected, actor, noCache"},
	{Path: "/structure", Method: "GET", Description: "Folder and compendium tree.", Params: "query clientId"},
	{Path: "/contents/{path}", Method: "GET", Description: "List a folder or compendium.", Params: "query clientId"},
	{Path: "/create", Method: "POST", Description: "Create an entity.", Params: "query clientId; JSON body passed to the world"},
	{Path: "/update", Method: "PUT", Description: "Update an entity.", Params: `query clientId; body {"uuid"|"selected", ...}`},
	{Path: "/delete", Method: "DELETE", Description: "Delete an entity.", Params: "query clientId, uuid|selected"},
	{Path: "/rolls", Method: "GET", Description: "Recent dice rolls.", Params: "query clientId, limit"},
	{Path: "/lastroll", Method: "GET", Description: "Most recent dice roll.", Params: "query clientId"},
	{Path: "/roll", Method: "POST", Description: "Evaluate a dice formula.", Params: `query clientId; body {"formula", "flavor", "whisper", "createChatMessage"}`},
	{Path: "/sheet", Method: "GET", Description: "Render an entity sheet as HTML or JSON.", Params: "query clientId, uuid|selected, format, tab, darkMode, scale"},
	{Path: "/macros", Method: "GET", Description: "List macros.", Params: "query clientId"},
	{Path: "/macro/{uuid}/execute", Method: "POST", Description: "Run a macro (script filter applies).", Params: "query clientId; optional JSON args body"},
	{Path: "/encounters", Method: "GET", Description: "List active encounters.", Params: "query clientId"},
	{Path: "/start-encounter", Method: "POST", Description: "Begin an encounter.", Params: `query clientId; body {"uuids"|"selected", "name"}`},
	{Path: "/next-turn", Method: "POST", Description: "Advance the turn order.", Params: `query clientId; body {"encounter"}`},
	{Path: "/next-round", Method: "POST", Description: "Advance a full round.", Params: `query clientId; body {"encounter"}`},
	{Path: "/last-turn", Method: "POST", Description: "Rewind the turn order.", Params: `query clientId; body {"encounter"}`},
	{Path: "/last-round", Method: "POST", Description: "Rewind a full round.", Params: `query clientId; body {"encounter"}`},
	{Path: "/end-encounter", Method: "POST", Description: "End an encounter.", Params: `query clientId; body {"encounter"}`},
	{Path: "/add-to-encounter", Method: "POST", Description: "Add combatants.", Params: `query clientId; body {"encounter", "uuids"|"selected"}`},
	{Path: "/remove-from-encounter", Method: "POST", Description: "Remove combatants.", Params: `query clientId; body {"encounter", "uuids"|"selected"}`},
	{Path: "/kill", Method: "POST", Description: "Defeat an actor.", Params: `query clientId; body {"uuid"|"selected"}`},
	{Path: "/increase", Method: "POST", Description: "Increase an actor attribute.", Params: `query clientId; body {"attribute", "amount", "uuid"|"selected"}`},
	{Path: "/decrease", Method: "POST", Description: "Decrease an actor attribute.", Params: `query clientId; body {"attribute", "amount", "uuid"|"selected"}`},
	{Path: "/give", Method: "POST", Description: "Transfer an item between actors.", Params: `query clientId; body {"fromUuid", "toUuid", "itemUuid", "quantity"}`},
	{Path: "/select", Method: "POST", Description: "Change the world-side selection.", Params: `query clientId; body {"uuids"|"name"|"all", "overwrite"}`},
	{Path: "/selected", Method: "GET", Description: "Read the world-side selection.", Params: "query clientId"},
	{Path: "/file-system", Method: "GET", Description: "List the world's file storage.", Params: "query clientId, path, source, recursive"},
	{Path: "/upload", Method: "POST", Description: "Store a file in the world.", Params: "query clientId, path, filename, mimeType, overwrite; raw bytes or JSON body"},
	{Path: "/download", Method: "GET", Description: "Fetch a file from the world.", Params: "query clientId, path"},
	{Path: "/execute-js", Method: "POST", Description: "Run a script in the world (script filter applies).", Params: `query clientId; body {"script"}`},
	{Path: "/session-handshake", Method: "POST", Description: "Mint a one-shot headless login handshake.", Params: "headers x-url, x-world-name, x-username"},
	{Path: "/start-session", Method: "POST", Description: "Redeem a handshake into a headless session.", Params: `body {"token", "encryptedPayload"}`},
	{Path: "/session", Method: "GET", Description: "Read the active headless session."},
	{Path: "/end-session", Method: "DELETE", Description: "Close the headless session."},
	{Path: "/proxy-asset/{host}/{path}", Method: "GET", Description: "Stream an asset from a world's origin."},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics."},
}

// docs returns the endpoint catalogue.
func (h *Handler) docs(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	return map[string]interface{}{
		"version":   worldgate.Version,
		"auth":      "pass your API key in the " + worldgate.APIKeyHeader + " header",
		"endpoints": endpointCatalogue,
	}, nil
}
