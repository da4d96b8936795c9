// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClientWithConfig(&ClientConfig{BaseURL: srv.URL})
}

// =============================================================================
// CONFIG TESTS
// =============================================================================

func TestNewClientWithConfig_FillsDefaults(t *testing.T) {
	c := NewClientWithConfig(&ClientConfig{})
	cfg := c.GetConfig()

	if cfg.BaseURL != DefaultBaseURL {
		t.Errorf("BaseURL = %q, want %q", cfg.BaseURL, DefaultBaseURL)
	}
	if cfg.DefaultModel != DefaultModel {
		t.Errorf("DefaultModel = %q, want %q", cfg.DefaultModel, DefaultModel)
	}
	if cfg.Timeout == 0 {
		t.Error("Timeout should be defaulted")
	}
}

// =============================================================================
// MODEL OPERATION TESTS
// =============================================================================

func TestListModels(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		fmt.Fprint(w, `{"models":[{"name":"phi3:latest","size":2300000000},{"name":"llava:7b"}]}`)
	})

	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "phi3:latest", models[0].Name)
	assert.Equal(t, "2.1 GB", models[0].FormatSize())

	names, err := c.ModelNames(context.Background())
	require.NoError(t, err)
	assert.True(t, names["llava:7b"])
	assert.False(t, names["mistral"])
}

func TestListModels_NotRunning(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClientWithConfig(&ClientConfig{BaseURL: url})
	_, err := c.ListModels(context.Background())
	require.Error(t, err)
	assert.True(t, IsNotRunning(err), "got %v", err)
}

func TestDelete(t *testing.T) {
	var got DeleteRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/delete", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	})

	require.NoError(t, c.Delete(context.Background(), "phi3:latest"))
	assert.Equal(t, "phi3:latest", got.Model)
}

func TestDelete_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	err := c.Delete(context.Background(), "ghost")
	assert.True(t, IsModelNotFound(err))
}

func TestPull_ReportsProgress(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/pull", r.URL.Path)
		lines := []string{
			`{"status":"pulling manifest"}`,
			`{"status":"downloading","digest":"sha256:a","total":100,"completed":25}`,
			`{"status":"downloading","digest":"sha256:a","total":100,"completed":100}`,
			`{"status":"success"}`,
		}
		fmt.Fprint(w, strings.Join(lines, "\n"))
	})

	var fractions []float64
	err := c.Pull(context.Background(), "phi3", func(p PullProgress) {
		fractions = append(fractions, p.Fraction())
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{-1, 0.25, 1, -1}, fractions)
}

func TestPull_StreamError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"status":"pulling manifest"}`)
		fmt.Fprintln(w, `{"error":"pull model manifest: file does not exist"}`)
	})

	err := c.Pull(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file does not exist")
}

// =============================================================================
// STREAMING CHAT TESTS
// =============================================================================

func TestChatStream(t *testing.T) {
	var req ChatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		fmt.Fprintln(w, `{"model":"llava","message":{"role":"assistant","content":"Hel"},"done":false}`)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, `{"model":"llava","message":{"role":"assistant","content":"lo"},"done":false}`)
		fmt.Fprintln(w, `{"model":"llava","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","eval_count":2}`)
	})

	msgs := []Message{{Role: "user", Content: "hi", Images: []string{"aW1n"}}}
	var chunks []StreamChunk
	err := c.ChatStream(context.Background(), "llava", msgs, func(chunk StreamChunk) {
		chunks = append(chunks, chunk)
	})
	require.NoError(t, err)

	assert.True(t, req.Stream)
	assert.Equal(t, "llava", req.Model)
	assert.Equal(t, []string{"aW1n"}, req.Messages[0].Images)

	require.Len(t, chunks, 3)
	assert.Equal(t, "Hel", chunks[0].Content)
	assert.Equal(t, "lo", chunks[1].Content)
	assert.True(t, chunks[2].Done)
	assert.Equal(t, 2, chunks[2].CompletionTokens)
}

func TestChatStream_DefaultModel(t *testing.T) {
	var req ChatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		fmt.Fprintln(w, `{"message":{"content":""},"done":true}`)
	})

	require.NoError(t, c.ChatStream(context.Background(), "", nil, func(StreamChunk) {}))
	assert.Equal(t, DefaultModel, req.Model)
}

func TestChatStream_ErrorStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"model does not support images"}`)
	})

	err := c.ChatStream(context.Background(), "phi3", nil, func(StreamChunk) {})
	require.Error(t, err)
	assert.Equal(t, "model does not support images", err.Error())
}

func TestChatStream_MalformedLine(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"ok"},"done":false}`)
		fmt.Fprintln(w, `{not json`)
	})

	var got []string
	err := c.ChatStream(context.Background(), "phi3", nil, func(c StreamChunk) { got = append(got, c.Content) })
	require.Error(t, err)
	assert.Equal(t, []string{"ok"}, got)

	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrTypeInvalidResponse, clientErr.Type)
}

func TestChatStream_EndsWithoutDone(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"partial"},"done":false}`)
	})

	var got []string
	err := c.ChatStream(context.Background(), "phi3", nil, func(c StreamChunk) { got = append(got, c.Content) })
	require.Error(t, err)
	assert.Equal(t, []string{"partial"}, got)

	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrTypeInvalidResponse, clientErr.Type)
}

func TestPullProgress_Fraction(t *testing.T) {
	assert.Equal(t, -1.0, PullProgress{}.Fraction())
	assert.Equal(t, 0.5, PullProgress{Total: 10, Completed: 5}.Fraction())
	assert.Equal(t, 1.0, PullProgress{Total: 10, Completed: 11}.Fraction())
}
