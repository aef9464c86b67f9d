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
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/worldgate/worldgate"
	"github.com/worldgate/worldgate/lib/defaults"
	"github.com/worldgate/worldgate/lib/headless"
	"github.com/worldgate/worldgate/lib/httplib"
	"github.com/worldgate/worldgate/lib/users"
)

// sessionHandshake mints a one-shot login handshake. The login target
// rides in headers so the URL and username never join a JSON body that
// intermediate proxies might log.
func (h *Handler) sessionHandshake(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
	minted, err := h.cfg.Handshakes.Mint(r.Context(), headless.MintParams{
		Credential: user.APIKey,
		URL:        r.Header.Get(worldgate.HandshakeURLHeader),
		WorldName:  r.Header.Get(worldgate.HandshakeWorldHeader),
		Username:   r.Header.Get(worldgate.HandshakeUserHeader),
	})
	if err != nil {
		if trace.IsBadParameter(err) {
			return nil, httplib.NewError(http.StatusBadRequest, trace.UserMessage(err)).WithFields(map[string]interface{}{
				"howToUse": "POST /session-handshake with headers x-url, x-username and optional x-world-name",
			})
		}
		return nil, trace.Wrap(err)
	}
	return minted, nil
}

type startSessionRequest struct {
	Token            string `json:"token"`
	EncryptedPayload string `json:"encryptedPayload"`
}

// startSession redeems a handshake into a running headless session.
// When another replica minted the handshake the controller relays the
// redemption through the coordination store and this handler replays
// whatever status and body the owner published.
func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
	var req startSessionRequest
	r.Body = http.MaxBytesReader(w, r.Body, defaults.MaxJSONBodyBytes)
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Token == "" || req.EncryptedPayload == "" {
		return nil, missingParam("token and encryptedPayload are required",
			`POST /start-session with body {"token": "<handshake token>", "encryptedPayload": "<base64>"}`)
	}
	outcome, err := h.cfg.Sessions.Redeem(r.Context(), user.APIKey, req.Token, req.EncryptedPayload)
	if err != nil {
		return nil, httplib.NewError(headless.RedeemStatusCode(err), trace.UserMessage(err))
	}
	return httplib.WithStatus(outcome.Status, json.RawMessage(outcome.Body)), nil
}

// getSession returns the caller's active headless session.
func (h *Handler) getSession(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
	session, err := h.cfg.Sessions.GetSession(r.Context(), user.APIKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return session, nil
}

// endSession closes the caller's headless session.
func (h *Handler) endSession(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
	if err := h.cfg.Sessions.EndSession(r.Context(), user.APIKey); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{"message": "session ended"}, nil
}
