// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/modelmux/internal/orchestrator"
	"github.com/jeranaias/modelmux/internal/provider"
	"github.com/jeranaias/modelmux/internal/registry"
	"github.com/jeranaias/modelmux/internal/scorer"
	"github.com/jeranaias/modelmux/internal/secrets"
)

// fakeBackend scripts an Ollama-compatible backend for the full stack.
type fakeBackend struct {
	verifyReply string
	scoreReply  string
	genStatus   int
}

func (f *fakeBackend) serve(t *testing.T) *httptest.Server {
	t.Helper()
	if f.verifyReply == "" {
		f.verifyReply = `{"is_safe": true, "safety_score": 0.95, "issues": [], "explanation": "ok"}`
	}
	if f.scoreReply == "" {
		f.scoreReply = `{"confidence_score": 0.9, "reasoning": "solid"}`
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"models":[{"name":"phi3:3.8b"}]}`))
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		prompt := req.Messages[len(req.Messages)-1].Content

		var text string
		switch {
		case strings.Contains(prompt, "safety verification assistant"):
			text = f.verifyReply
		case strings.Contains(prompt, "evaluating the quality"):
			text = f.scoreReply
		default:
			if f.genStatus != 0 {
				w.WriteHeader(f.genStatus)
				w.Write([]byte(`{"error":"backend down"}`))
				return
			}
			text = "hello from the model"
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"message":           map[string]string{"role": "assistant", "content": text},
			"prompt_eval_count": 5,
			"eval_count":        7,
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// newTestServer wires the full stack behind an httptest server.
func newTestServer(t *testing.T, backend *fakeBackend, register bool) (*httptest.Server, *registry.Store) {
	t.Helper()

	store, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	salt, err := secrets.GenerateSalt()
	require.NoError(t, err)
	box, err := secrets.NewBox("test-master-key", salt)
	require.NoError(t, err)

	if register {
		_, err = store.UpsertProvider(context.Background(), &registry.Provider{
			Name:         "ollama",
			DisplayName:  "Ollama",
			BaseURL:      backend.serve(t).URL,
			IsActive:     true,
			Capabilities: []string{"chat"},
			Models:       []string{},
		})
		require.NoError(t, err)
	}

	sc := scorer.New(store, box, provider.NewFactory(5*time.Second), "ollama", scorer.DefaultWeights())
	svc := orchestrator.New(sc, store, orchestrator.Config{})

	srv := httptest.NewServer(New(svc, store, Config{}).Routes())
	t.Cleanup(srv.Close)
	return srv, store
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBackend{}, true)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChatHappyPath(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBackend{}, true)

	resp := postJSON(t, srv.URL+"/v1/chat", `{"messages":[{"role":"user","content":"Hi there"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body orchestrator.ChatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "hello from the model", body.Output)
	assert.Equal(t, "Ollama", body.Provider)
	assert.NotEmpty(t, body.RequestID)
	require.NotNil(t, body.VerificationResult)
	assert.True(t, body.VerificationResult.IsSafe)
}

func TestChatRejectedIs422(t *testing.T) {
	backend := &fakeBackend{
		verifyReply: `{"is_safe": false, "safety_score": 0.1, "issues": ["harmful_content"], "explanation": "nope"}`,
	}
	srv, _ := newTestServer(t, backend, true)

	resp := postJSON(t, srv.URL+"/v1/chat", `{"messages":[{"role":"user","content":"Hi there"}]}`)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var body struct {
		Error struct {
			Code   string `json:"code"`
			Detail struct {
				Verification struct {
					IsSafe bool     `json:"is_safe"`
					Issues []string `json:"issues"`
				} `json:"verification"`
				Confidence struct {
					ConfidenceScore float64 `json:"confidence_score"`
				} `json:"confidence"`
			} `json:"detail"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "output_rejected", body.Error.Code)
	assert.False(t, body.Error.Detail.Verification.IsSafe)
	assert.Contains(t, body.Error.Detail.Verification.Issues, "harmful_content")
}

func TestChatNoProviderIs503(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBackend{}, false)

	resp := postJSON(t, srv.URL+"/v1/chat", `{"messages":[{"role":"user","content":"Hi there"}]}`)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "no_provider", body.Error.Code)
}

func TestChatUpstreamFailureIs502(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBackend{genStatus: http.StatusInternalServerError}, true)

	resp := postJSON(t, srv.URL+"/v1/chat", `{"messages":[{"role":"user","content":"Hi there"}]}`)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "upstream_failed", body.Error.Code)
}

func TestChatValidation(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBackend{}, true)

	tests := []struct {
		name string
		body string
	}{
		{"empty messages", `{"messages":[]}`},
		{"malformed json", `{"messages":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/v1/chat", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestRouteEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBackend{}, true)

	resp := postJSON(t, srv.URL+"/v1/route", `{"capability":"chat","requirements":{"messages":[{"role":"user","content":"Classify this email as spam or not"}],"cost_priority":true}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decision scorer.Decision
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decision))
	assert.True(t, decision.Local)
	assert.Equal(t, "gemma:2b", decision.Model)
}

func TestRouteRequiresCapability(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBackend{}, true)

	resp := postJSON(t, srv.URL+"/v1/route", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListProviders(t *testing.T) {
	srv, _ := newTestServer(t, &fakeBackend{}, true)

	resp, err := http.Get(srv.URL + "/v1/providers")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Providers []struct {
			Name     string `json:"name"`
			IsActive bool   `json:"is_active"`
		} `json:"providers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Providers, 1)
	assert.Equal(t, "ollama", body.Providers[0].Name)
	assert.True(t, body.Providers[0].IsActive)
}
