// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package library

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/comhra/internal/model"
	"github.com/jeranaias/comhra/internal/storage"
)

func setup(t *testing.T) (*storage.ConversationStore, *Library) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewConversationStore(filepath.Join(dir, "conversations"))
	require.NoError(t, err)
	lib, err := Open(store, filepath.Join(dir, DatabaseFile))
	require.NoError(t, err)
	t.Cleanup(func() { lib.Close() })
	return store, lib
}

func save(t *testing.T, store *storage.ConversationStore, name string, msgs ...string) {
	t.Helper()
	var transcript []model.Message
	for i, m := range msgs {
		if i%2 == 0 {
			transcript = append(transcript, model.NewUserMessage(m))
		} else {
			transcript = append(transcript, model.NewAssistantMessage(m))
		}
	}
	require.NoError(t, store.Save(transcript, name))
}

func paths(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Path
	}
	return out
}

func TestSyncAndList(t *testing.T) {
	store, lib := setup(t)
	save(t, store, "trip.json", "Plan a trip to Cork", "Take the train.")
	save(t, store, "recipe.json", "Soda bread recipe?", "Flour, buttermilk, soda, salt.")
	save(t, store, "old.json", "Old question", "Old answer")
	require.NoError(t, store.SetStarred("recipe.json", true))
	require.NoError(t, store.SetArchived("old.json", true))
	require.NoError(t, os.WriteFile(store.Path("broken.json"), []byte("{"), 0644))

	n, err := lib.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n, "corrupt file skipped")

	all, err := lib.List(Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "recipe.json", all[0].Path, "starred first")

	active, err := lib.List(Filter{Archived: Exclude})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"trip.json", "recipe.json"}, paths(active))

	archived, err := lib.List(Filter{Archived: Only})
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "old", archived[0].Name)
	assert.True(t, archived[0].Archived)

	starred, err := lib.List(Filter{Starred: Only})
	require.NoError(t, err)
	assert.Equal(t, []string{"recipe.json"}, paths(starred))

	trip := active[1]
	require.Equal(t, "trip.json", trip.Path)
	assert.Equal(t, 2, trip.Turns)
	assert.Equal(t, "Plan a trip to Cork", trip.Preview)

	limited, err := lib.List(Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSearch(t *testing.T) {
	store, lib := setup(t)
	save(t, store, "trip.json", "<|context|>\nsecret rag context\n<|end_context|>\n<|user|>\nPlan a trip to Cork\n<|end_user|>", "Take the train.")
	save(t, store, "recipe.json", "Soda bread recipe?", "Flour and buttermilk.")
	_, err := lib.Sync(context.Background())
	require.NoError(t, err)

	got, err := lib.Search("buttermilk", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"recipe.json"}, paths(got))

	got, err = lib.Search("cor", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"trip.json"}, paths(got), "prefix match")
	assert.Equal(t, "Plan a trip to Cork", got[0].Preview, "preview shows the typed text")

	got, err = lib.Search("secret", 10)
	require.NoError(t, err)
	assert.Empty(t, got, "rag context is not indexed")

	got, err = lib.Search(`  "" `, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRefreshAndRemove(t *testing.T) {
	store, lib := setup(t)
	save(t, store, "a.json", "hello")
	_, err := lib.Sync(context.Background())
	require.NoError(t, err)

	require.NoError(t, store.Rename("a.json", "Greetings"))
	require.NoError(t, lib.Refresh("a.json"))
	got, err := lib.List(Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Greetings", got[0].Name)

	got, err = lib.Search("greetings", 0)
	require.NoError(t, err)
	assert.Len(t, got, 1, "fts follows updates")

	require.NoError(t, store.Delete("a.json"))
	require.NoError(t, lib.Refresh("a.json"), "missing file is removed")
	got, err = lib.List(Filter{})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = lib.Search("greetings", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWatcher(t *testing.T) {
	store, lib := setup(t)

	changed := make(chan string, 16)
	w, err := lib.Watch(20*time.Millisecond, func(name string) { changed <- name })
	require.NoError(t, err)
	defer w.Close()

	save(t, store, "new.json", "watch me")
	require.Eventually(t, func() bool {
		got, err := lib.List(Filter{})
		return err == nil && len(got) == 1 && got[0].Path == "new.json"
	}, 3*time.Second, 20*time.Millisecond)

	select {
	case name := <-changed:
		assert.Equal(t, "new.json", name)
	case <-time.After(3 * time.Second):
		t.Fatal("onChange not called")
	}

	require.NoError(t, store.Delete("new.json"))
	require.Eventually(t, func() bool {
		got, err := lib.List(Filter{})
		return err == nil && len(got) == 0
	}, 3*time.Second, 20*time.Millisecond)
}
