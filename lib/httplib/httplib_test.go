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

package httplib

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"
)

func TestMakeHandlerSanitizes(t *testing.T) {
	h := MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		return map[string]interface{}{"clientId": "w1", "apiKey": "secret"}, nil
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest("GET", "/test", nil), nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"clientId":"w1","apiKey":"[REDACTED]"}`, rec.Body.String())
}

func TestMakeHandlerWithStatus(t *testing.T) {
	h := MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		return WithStatus(http.StatusCreated, map[string]interface{}{"uuid": "abc"}), nil
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest("POST", "/test", nil), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestReplyErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{name: "bad parameter", err: trace.BadParameter("missing clientId"), code: http.StatusBadRequest},
		{name: "not found", err: trace.NotFound("no such world"), code: http.StatusNotFound},
		{name: "access denied", err: trace.AccessDenied("not the owner"), code: http.StatusForbidden},
		{name: "already exists", err: trace.AlreadyExists("email taken"), code: http.StatusConflict},
		{name: "limit exceeded", err: trace.LimitExceeded("quota"), code: http.StatusTooManyRequests},
		{name: "unauthorized", err: Unauthorized("invalid API key"), code: http.StatusUnauthorized},
		{name: "timeout", err: Timeout("Search request timed out"), code: http.StatusRequestTimeout},
		{name: "bad gateway", err: BadGateway("owner unreachable"), code: http.StatusBadGateway},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			ReplyError(rec, tc.err)
			require.Equal(t, tc.code, rec.Code)
			require.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestReplyErrorFields(t *testing.T) {
	rec := httptest.NewRecorder()
	ReplyError(rec, Timeout("Search request timed out").WithFields(map[string]interface{}{
		"howToUse": "ensure the world module is connected",
	}))
	require.Equal(t, http.StatusRequestTimeout, rec.Code)
	require.Contains(t, rec.Body.String(), "howToUse")
	require.Contains(t, rec.Body.String(), "Search request timed out")
}

func TestConvertResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			ReplyJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
		case "/missing":
			ReplyError(w, trace.NotFound("no such world"))
		default:
			ReplyError(w, trace.AccessDenied("not the owner"))
		}
	}))
	defer srv.Close()

	clt, err := roundtrip.NewClient(srv.URL, "")
	require.NoError(t, err)

	re, err := ConvertResponse(clt.Get(context.Background(), clt.Endpoint("ok"), url.Values{}))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, re.Code())

	_, err = ConvertResponse(clt.Get(context.Background(), clt.Endpoint("missing"), url.Values{}))
	require.Error(t, err)
	require.True(t, trace.IsNotFound(err))

	_, err = ConvertResponse(clt.Get(context.Background(), clt.Endpoint("locked"), url.Values{}))
	require.Error(t, err)
	require.True(t, trace.IsAccessDenied(err))

	// Nothing listens here; the failure surfaces as a connection problem.
	dead, err := roundtrip.NewClient("http://127.0.0.1:1", "")
	require.NoError(t, err)
	_, err = ConvertResponse(dead.Get(context.Background(), dead.Endpoint("ok"), url.Values{}))
	require.Error(t, err)
	require.True(t, trace.IsConnectionProblem(err))
}
