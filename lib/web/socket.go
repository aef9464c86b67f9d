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
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"github.com/worldgate/worldgate"
	"github.com/worldgate/worldgate/lib/relay"
	"github.com/worldgate/worldgate/lib/utils"
)

// upgradeWorld accepts a world socket. Rejections happen after the
// upgrade so the in-protocol close codes reach the world: 4001 for a
// missing id, 4002 for a missing or invalid credential, 4004 for a
// duplicate id, 4006 for a registration failure.
func (h *Handler) upgradeWorld(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	query := r.URL.Query()
	worldID := query.Get("id")
	token := query.Get("token")

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("Socket upgrade failed.")
		return
	}
	if worldID == "" {
		h.rejectSocket(ws, worldgate.CloseNoClientID, "world id is required")
		return
	}
	if token == "" {
		h.rejectSocket(ws, worldgate.CloseNoAuth, "credential is required")
		return
	}
	user, err := h.cfg.Accountant.Authenticate(r.Context(), token)
	if err != nil {
		if !trace.IsAccessDenied(err) {
			h.log.WithError(err).Warn("Failed to authenticate world socket.")
		}
		h.rejectSocket(ws, worldgate.CloseNoAuth, "invalid credential")
		return
	}

	conn, err := h.cfg.Registry.Add(r.Context(), ws, worldID, user.APIKey, relay.Origin{
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		if trace.IsAlreadyExists(err) {
			h.log.WithFields(log.Fields{
				"world": worldID,
				"key":   utils.CredentialPrefix(user.APIKey),
			}).Info("Rejected duplicate world connection.")
			h.rejectSocket(ws, worldgate.CloseDuplicateConnection, "world id is already connected")
			return
		}
		h.log.WithError(err).Warn("Failed to register world connection.")
		h.rejectSocket(ws, worldgate.CloseInternalError, "failed to register connection")
		return
	}

	// A reconnecting headless world may have been spawned by another
	// replica; take the session over so the sweep judges it here.
	if err := h.cfg.Sessions.AdoptWorld(r.Context(), conn.WorldID(), conn.APIKey()); err != nil {
		h.log.WithError(err).Warn("Failed to adopt headless session for reconnected world.")
	}
}

// rejectSocket delivers a close code and drops the socket.
func (h *Handler) rejectSocket(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	ws.Close()
}
