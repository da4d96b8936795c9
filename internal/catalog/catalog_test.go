// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/comhra/internal/cloud"
	"github.com/jeranaias/comhra/internal/model"
	"github.com/jeranaias/comhra/internal/ollama"
)

type staticSource struct {
	name   string
	models []model.ModelDescriptor
	err    error
}

func (s staticSource) Name() string { return s.name }

func (s staticSource) Models(context.Context) ([]model.ModelDescriptor, error) {
	return s.models, s.err
}

func deadOllama(t *testing.T) *ollama.Client {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return ollama.NewClientWithConfig(&ollama.ClientConfig{BaseURL: url})
}

func fakeOllama(t *testing.T, h http.HandlerFunc) *ollama.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return ollama.NewClientWithConfig(&ollama.ClientConfig{BaseURL: srv.URL})
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// =============================================================================
// CATALOG TESTS
// =============================================================================

func TestListModels_ConcatenatesInSourceOrder(t *testing.T) {
	cat := New(
		staticSource{name: "a", models: []model.ModelDescriptor{model.LocalModel("phi3")}},
		staticSource{name: "b", models: []model.ModelDescriptor{model.HostedModel("phi3", "k", model.VariantOpenAI)}},
	)

	got := cat.ListModels(context.Background())
	require.Len(t, got, 2)
	assert.Equal(t, model.KindLocal, got[0].Kind)
	assert.Equal(t, model.KindHosted, got[1].Kind, "duplicate names across backends are kept")
}

func TestListModels_PartialFailureIsolation(t *testing.T) {
	dir := t.TempDir()
	listPath := filepath.Join(dir, "models", APIModelsFile)
	writeFile(t, listPath, `[{"name":"gpt-4o","model_type":{"Api":["sk-1","OpenAI"]}}]`)

	cat := New(LocalSource{Client: deadOllama(t)}, FileSource{Path: listPath})
	got := cat.ListModels(context.Background())

	require.Len(t, got, 1)
	assert.Equal(t, model.HostedModel("gpt-4o", "sk-1", model.VariantOpenAI), got[0])
}

func TestListModels_AllFailingIsEmpty(t *testing.T) {
	cat := New(staticSource{name: "x", err: errors.New("down")})
	got := cat.ListModels(context.Background())
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestLocalSource(t *testing.T) {
	client := fakeOllama(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[{"name":"phi3:latest"},{"name":"llava:7b"}]}`)
	})

	got, err := LocalSource{Client: client}.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []model.ModelDescriptor{model.LocalModel("phi3:latest"), model.LocalModel("llava:7b")}, got)
}

func TestFind(t *testing.T) {
	models := []model.ModelDescriptor{
		model.LocalModel("phi3"),
		model.HostedModel("phi3", "k", model.VariantGeneric),
		model.HostedModel("gpt-4o", "k", model.VariantOpenAI),
	}

	d, ok := Find(models, "phi3", model.KindHosted)
	require.True(t, ok)
	assert.Equal(t, model.KindHosted, d.Kind)

	d, ok = Find(models, "gpt-4o", model.KindLocal)
	require.True(t, ok, "falls back to another kind")
	assert.Equal(t, model.KindHosted, d.Kind)

	_, ok = Find(models, "mistral", model.KindLocal)
	assert.False(t, ok)
}

// =============================================================================
// MODEL LIST FILE TESTS
// =============================================================================

func TestModelListFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models", APIModelsFile)
	models := []model.ModelDescriptor{
		model.HostedModel("gpt-4o", "sk-1", model.VariantOpenAI),
		{Name: "mixtral", Kind: model.KindHosted, APIKey: "k", Variant: model.VariantGeneric, BaseURL: "http://gpu-box:8000/v1"},
	}

	require.NoError(t, WriteModelList(path, models))
	got, err := ReadModelList(path)
	require.NoError(t, err)
	assert.Equal(t, models, got)
}

func TestWriteModelList_EmptyIsSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), APIModelsFile)
	writeFile(t, path, `[{"name":"keep","model_type":"Ollama"}]`)

	require.NoError(t, WriteModelList(path, nil))
	got, err := ReadModelList(path)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestReadModelList_MissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()

	got, err := ReadModelList(filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	assert.Empty(t, got)

	bad := filepath.Join(dir, "bad.json")
	writeFile(t, bad, `{"not":"an array"}`)
	_, err = ReadModelList(bad)
	assert.Error(t, err)
}

func TestDiscoverHosted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","data":[{"id":"llama3-70b"},{"id":"mixtral"}]}`)
	}))
	defer srv.Close()

	template := model.ModelDescriptor{Kind: model.KindHosted, APIKey: "k", Variant: model.VariantGeneric, BaseURL: srv.URL + "/v1"}
	client, err := cloud.ForModel(template, 0)
	require.NoError(t, err)

	got, err := DiscoverHosted(context.Background(), client, template)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "mixtral", got[1].Name)
	assert.Equal(t, srv.URL+"/v1", got[1].BaseURL)
}

// =============================================================================
// MANAGER TESTS
// =============================================================================

func TestLocalModels_DownloadedBySetMembership(t *testing.T) {
	curated := filepath.Join(t.TempDir(), CuratedListFile)
	list := []model.CuratedModel{
		{DisplayName: "Phi-3 Mini", DownloadName: "phi3:latest", SizeInB: 3.8, Description: "small"},
		{DisplayName: "LLaVA", DownloadName: "llava:7b", SizeInB: 7, Description: "vision", Downloaded: true},
	}
	data, _ := json.Marshal(list)
	writeFile(t, curated, string(data))

	client := fakeOllama(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[{"name":"phi3:latest"}]}`)
	})

	got, err := NewManager(client, curated).LocalModels(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Downloaded)
	assert.False(t, got[1].Downloaded, "stale flag on disk is recomputed")
}

func TestLocalModels_RunnerDown(t *testing.T) {
	curated := filepath.Join(t.TempDir(), CuratedListFile)
	writeFile(t, curated, `[{"display_name":"Phi-3","download_name":"phi3:latest","size_in_b":3.8,"description":"","is_downloaded":true}]`)

	got, err := NewManager(deadOllama(t), curated).LocalModels(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Downloaded)
}

func TestPull_ReportsFractions(t *testing.T) {
	client := fakeOllama(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			fmt.Fprint(w, `{"models":[]}`)
		case "/api/pull":
			lines := []string{
				`{"status":"pulling manifest"}`,
				`{"status":"downloading","total":200,"completed":50}`,
				`{"status":"downloading","total":200,"completed":100}`,
				`{"status":"downloading","total":200,"completed":200}`,
				`{"status":"success"}`,
			}
			fmt.Fprint(w, strings.Join(lines, "\n"))
		}
	})

	m := NewManager(client, "")
	m.ProgressInterval = 0
	var got []float64
	require.NoError(t, m.Pull(context.Background(), "phi3", func(f float64) { got = append(got, f) }))
	assert.Equal(t, []float64{0.25, 0.5, 1}, got)
}

func TestPull_ThrottlesButAlwaysReportsCompletion(t *testing.T) {
	client := fakeOllama(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			fmt.Fprint(w, `{"models":[]}`)
			return
		}
		for i := 1; i <= 100; i++ {
			fmt.Fprintf(w, "{\"status\":\"downloading\",\"total\":100,\"completed\":%d}\n", i)
		}
		fmt.Fprintln(w, `{"status":"success"}`)
	})

	m := NewManager(client, "")
	m.ProgressInterval = time.Second
	var got []float64
	require.NoError(t, m.Pull(context.Background(), "phi3", func(f float64) { got = append(got, f) }))

	require.NotEmpty(t, got)
	assert.Less(t, len(got), 100)
	assert.Equal(t, 1.0, got[len(got)-1])
}

func TestPull_SkipsInstalled(t *testing.T) {
	pulled := false
	client := fakeOllama(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/pull" {
			pulled = true
		}
		fmt.Fprint(w, `{"models":[{"name":"phi3:latest"}]}`)
	})

	require.NoError(t, NewManager(client, "").Pull(context.Background(), "phi3:latest", nil))
	assert.False(t, pulled)
}

func TestPull_RunnerDown(t *testing.T) {
	err := NewManager(deadOllama(t), "").Pull(context.Background(), "phi3", nil)
	require.Error(t, err)
	assert.True(t, ollama.IsNotRunning(err))
}

func TestDelete(t *testing.T) {
	var path string
	client := fakeOllama(t, func(w http.ResponseWriter, r *http.Request) { path = r.URL.Path })

	require.NoError(t, NewManager(client, "").Delete(context.Background(), "phi3"))
	assert.Equal(t, "/api/delete", path)
}
