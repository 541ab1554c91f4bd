// SPDX-License-Identifier: Apache-2.0
//
// Copyright 2025 Binaek Sarkar
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sandbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestFetchReachesAllowedOrigin is the positive half of spec scenario
// S4: a fetch to an allow-listed origin must actually be issued and its
// response surfaced back into JS, not merely "not rejected".
func TestFetchReachesAllowedOrigin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello from origin"))
	}))
	defer srv.Close()

	h := newTestHost(t, map[string]string{
		"entry.js": `
			export default async function (props) {
				const res = await fetch(props.url);
				const body = await res.text();
				return "status=" + res.status + " body=" + body;
			};
		`,
	}, 0, 0, srv.URL)

	res, err := h.Render(context.Background(), "entry.js", map[string]interface{}{"url": srv.URL})
	require.NoError(t, err)
	require.Equal(t, "status=200 body=hello from origin", res.Body)
}

// TestFetchRejectsCrossOriginRedirect covers the redirect half of the
// allow-list invariant: the initial request's origin is allow-listed,
// but the server hands back a redirect to a different origin, which
// must not be followed even though it was never checked against the
// allow-list directly.
func TestFetchRejectsCrossOriginRedirect(t *testing.T) {
	var targetURL string

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("you should not see this"))
	}))
	defer target.Close()
	targetURL = target.URL

	redirector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, targetURL+"/elsewhere", http.StatusFound)
	}))
	defer redirector.Close()

	h := newTestHost(t, map[string]string{
		"entry.js": `
			export default async function (props) {
				const res = await fetch(props.url);
				const body = await res.text();
				return "status=" + res.status + " body=" + body;
			};
		`,
	}, 0, 0, redirector.URL) // only the redirector's origin is allow-listed

	res, err := h.Render(context.Background(), "entry.js", map[string]interface{}{"url": redirector.URL})
	require.NoError(t, err)
	require.Contains(t, res.Body, "status=302")
	require.NotContains(t, res.Body, "you should not see this")
}

// TestFetchFollowsSameOriginRedirect is the control case: a redirect
// that stays within the same origin must still be followed.
func TestFetchFollowsSameOriginRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("final destination"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h := newTestHost(t, map[string]string{
		"entry.js": `
			export default async function (props) {
				const res = await fetch(props.url);
				const body = await res.text();
				return "status=" + res.status + " body=" + body;
			};
		`,
	}, 0, 0, srv.URL)

	res, err := h.Render(context.Background(), "entry.js", map[string]interface{}{"url": srv.URL + "/start"})
	require.NoError(t, err)
	require.Equal(t, "status=200 body=final destination", res.Body)
}
