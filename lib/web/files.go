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
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/worldgate/worldgate/lib/defaults"
	"github.com/worldgate/worldgate/lib/httplib"
	"github.com/worldgate/worldgate/lib/relay"
	"github.com/worldgate/worldgate/lib/users"
)

// fileSystem lists the world's file storage.
func (h *Handler) fileSystem(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
	fields := queryFields(r, "path", "source")
	recursive, err := queryBool(r, "recursive")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if recursive {
		fields["recursive"] = true
	}
	return h.relayJSON(r, user, relayOp{
		kind:    relay.KindFileSystem,
		timeout: defaults.FileSystemRequestTimeout,
		fields:  fields,
		waiter:  relay.Waiter{Path: r.URL.Query().Get("path")},
	})
}

// uploadRequest is the JSON form of an upload, with the file content
// already base64 encoded by the caller.
type uploadRequest struct {
	Path      string `json:"path"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mimeType"`
	Overwrite bool   `json:"overwrite"`
	FileData  string `json:"fileData"`
}

// upload stores a file in the world. Two body forms are accepted: a
// JSON object carrying base64 file data, or the raw bytes with the
// metadata in query parameters.
func (h *Handler) upload(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
	req, err := h.readUpload(w, r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Path == "" || req.Filename == "" {
		return nil, missingParam("path and filename are required",
			"POST /upload?clientId=<id>&path=<dir>&filename=<name> with the file bytes as the body, "+
				`or a JSON body {"path": ..., "filename": ..., "fileData": "<base64>"}`)
	}
	if req.FileData == "" {
		return nil, missingParam("file content is required", "send the file bytes as the request body")
	}
	return h.relayJSON(r, user, relayOp{
		kind:    relay.KindUploadFile,
		timeout: defaults.UploadRequestTimeout,
		fields: map[string]interface{}{
			"path":      req.Path,
			"filename":  req.Filename,
			"mimeType":  req.MimeType,
			"overwrite": req.Overwrite,
			"fileData":  req.FileData,
		},
		waiter: relay.Waiter{Path: req.Path},
	})
}

func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (*uploadRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, defaults.MaxUploadBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, httplib.NewError(http.StatusRequestEntityTooLarge,
				fmt.Sprintf("uploads are limited to %d bytes", defaults.MaxUploadBytes))
		}
		return nil, trace.Wrap(err)
	}

	contentType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if contentType == "application/json" {
		var req uploadRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, trace.BadParameter("request body is not valid JSON: %v", err)
		}
		if req.FileData != "" {
			if _, err := base64.StdEncoding.DecodeString(req.FileData); err != nil {
				return nil, trace.BadParameter("fileData is not valid base64")
			}
		}
		return &req, nil
	}

	// Raw mode: the body is the file, the metadata rides in the query.
	overwrite, err := queryBool(r, "overwrite")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req := &uploadRequest{
		Path:      r.URL.Query().Get("path"),
		Filename:  r.URL.Query().Get("filename"),
		MimeType:  r.URL.Query().Get("mimeType"),
		Overwrite: overwrite,
	}
	if req.MimeType == "" {
		req.MimeType = contentType
	}
	if len(data) > 0 {
		req.FileData = base64.StdEncoding.EncodeToString(data)
	}
	return req, nil
}

// download streams a file out of the world. The handler decodes the
// world's base64 reply and writes the bytes as an attachment.
func (h *Handler) download(w http.ResponseWriter, r *http.Request, p httprouter.Params, user *users.User) (interface{}, error) {
	filePath := r.URL.Query().Get("path")
	if filePath == "" {
		return nil, missingParam("path is required", "GET /download?clientId=<id>&path=<file-path>")
	}
	reply, _, _, err := h.relayRequest(r, user, relayOp{
		kind:    relay.KindDownloadFile,
		timeout: defaults.DownloadRequestTimeout,
		fields:  map[string]interface{}{"path": filePath},
		waiter:  relay.Waiter{Path: filePath},
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if errText := reply.ErrorText(); errText != "" {
		return nil, httplib.NewError(http.StatusNotFound, errText)
	}
	data, err := base64.StdEncoding.DecodeString(reply.GetString("fileData"))
	if err != nil || len(data) == 0 {
		return nil, httplib.BadGateway("the world returned no usable file data")
	}

	filename := reply.GetString("filename")
	if filename == "" {
		filename = path.Base(filePath)
	}
	mimeType := reply.GetString("mimeType")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sanitizeFilename(filename)))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if _, err := w.Write(data); err != nil {
		h.log.WithError(err).Debug("Failed to stream file to caller.")
	}
	return nil, nil
}

// sanitizeFilename keeps the attachment header parseable whatever the
// world put in the filename field.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, `"`, "")
	name = strings.ReplaceAll(name, "\n", "")
	name = strings.ReplaceAll(name, "\r", "")
	return name
}
