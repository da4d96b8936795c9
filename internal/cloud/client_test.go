// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/comhra/internal/model"
)

// sseHandler streams the given deltas as chat completion chunks.
func sseHandler(t *testing.T, deltas []string, captured *openai.ChatCompletionRequest) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		if captured != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(captured))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for i, d := range deltas {
			finish := "null"
			if i == len(deltas)-1 {
				finish = `"stop"`
			}
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"model\":\"gpt-4o\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q},\"finish_reason\":%s}]}\n\n", d, finish)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{APIKey: "sk-test", Variant: model.VariantGeneric, BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)
	return c
}

// =============================================================================
// CONFIG TESTS
// =============================================================================

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{Variant: model.VariantOpenAI})
	assert.True(t, errors.Is(err, ErrNotConfigured))

	_, err = NewClient(Config{APIKey: "k", Variant: model.VariantGeneric})
	assert.True(t, errors.Is(err, ErrNotConfigured))

	c, err := NewClient(Config{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, model.VariantOpenAI, c.Variant())
}

// =============================================================================
// STREAMING TESTS
// =============================================================================

func TestChatStream_DeliversDeltas(t *testing.T) {
	var req openai.ChatCompletionRequest
	c := newTestClient(t, sseHandler(t, []string{"Dia ", "duit", "!"}, &req))

	var got []string
	finish, err := c.ChatStream(context.Background(), "gpt-4o",
		ToChatMessages([]model.Message{model.NewUserMessage("Hello")}),
		func(d string) { got = append(got, d) })
	require.NoError(t, err)

	assert.Equal(t, []string{"Dia ", "duit", "!"}, got)
	assert.Equal(t, "stop", finish)
	assert.True(t, req.Stream)
	assert.Equal(t, "gpt-4o", req.Model)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "Hello", req.Messages[0].Content)
}

func TestChatStream_AuthFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`)
	})

	_, err := c.ChatStream(context.Background(), "gpt-4o", nil, func(string) {})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthFailed), "got %v", err)
}

func TestChatStream_ServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
	})

	_, err := c.ChatStream(context.Background(), "gpt-4o", nil, func(string) {})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
}

func TestListModelIDs(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","data":[{"id":"gpt-4o","object":"model"},{"id":"gpt-4o-mini","object":"model"}]}`)
	})

	ids, err := c.ListModelIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, ids)
}

// =============================================================================
// CONVERSION TESTS
// =============================================================================

func TestToChatMessages_Images(t *testing.T) {
	png := base64.StdEncoding.EncodeToString([]byte("\x89PNG\r\n\x1a\n0000000000000000"))
	msgs := ToChatMessages([]model.Message{
		model.NewSystemMessage("be brief"),
		{Role: model.RoleUser, Content: "what is this?", Images: []model.Image{{B64: png}}},
	})

	require.Len(t, msgs, 2)
	assert.Equal(t, "be brief", msgs[0].Content)
	assert.Empty(t, msgs[1].Content)
	require.Len(t, msgs[1].MultiContent, 2)
	assert.Equal(t, openai.ChatMessagePartTypeText, msgs[1].MultiContent[0].Type)
	assert.True(t, strings.HasPrefix(msgs[1].MultiContent[1].ImageURL.URL, "data:image/png;base64,"))
}

func TestImageDataURL_Fallback(t *testing.T) {
	assert.Equal(t, "data:image/png;base64,???", ImageDataURL("???"))

	jpeg := base64.StdEncoding.EncodeToString([]byte("\xff\xd8\xff\xe0rest-of-jpeg-header"))
	assert.True(t, strings.HasPrefix(ImageDataURL(jpeg), "data:image/jpeg;base64,"))
}
