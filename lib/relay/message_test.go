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

package relay

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/worldgate/worldgate/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	m.Run()
}

func TestMessageAccessors(t *testing.T) {
	msg, err := Unmarshal([]byte(`{"type":"search-result","requestId":"search_1_abc","error":"","totalResults":1}`))
	require.NoError(t, err)
	require.Equal(t, "search-result", msg.Type())
	require.Equal(t, "search_1_abc", msg.RequestID())
	require.Empty(t, msg.ErrorText())

	// Missing or mistyped fields read as empty, never panic.
	msg = Message{"type": 42}
	require.Empty(t, msg.Type())
	require.Empty(t, msg.RequestID())

	_, err = Unmarshal([]byte(`{not json`))
	require.Error(t, err)
}

func TestReplyType(t *testing.T) {
	require.Equal(t, "search-result", ReplyType(KindSearch))
	require.Equal(t, "execute-js-result", ReplyType(KindExecuteJS))
	require.Len(t, Kinds, 32)
}

func TestNewRequestID(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	pattern := regexp.MustCompile(`^search_\d+_[0-9a-z]{9}$`)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := NewRequestID(KindSearch, now)
		require.NoError(t, err)
		require.Regexp(t, pattern, id)
		require.False(t, seen[id], "correlation id %q repeated", id)
		seen[id] = true
	}
}
