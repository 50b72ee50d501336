package knowledge

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpsertWritesFrontmatterAndBody(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	e, err := s.Upsert("Retry budget tuning", []string{"runloop", "retries"}, "Cap retries at 3 by default.")
	require.NoError(t, err)
	require.Equal(t, "Retry budget tuning", e.Title)
	require.FileExists(t, e.Path)

	loaded, err := load(e.Path)
	require.NoError(t, err)
	require.Equal(t, e.Title, loaded.Title)
	require.ElementsMatch(t, []string{"runloop", "retries"}, loaded.Tags)
	require.Equal(t, "Cap retries at 3 by default.", loaded.Body)
}

func TestUpsertExactTitleMatchReplacesFile(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	first, err := s.Upsert("Sigil parsing", []string{"sigil"}, "first body")
	require.NoError(t, err)

	second, err := s.Upsert("Sigil parsing", []string{"parser"}, "second body")
	require.NoError(t, err)

	require.Equal(t, first.Path, second.Path)
	loaded, err := load(second.Path)
	require.NoError(t, err)
	require.Equal(t, []string{"parser"}, loaded.Tags)
	require.Equal(t, "second body", loaded.Body)

	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestUpsertFuzzyMatchMergesTags(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	first, err := s.Upsert("Model strategy", []string{"model", "strategy"}, "original")
	require.NoError(t, err)

	second, err := s.Upsert("Model strategy hints", []string{"strategy", "sigil"}, "updated")
	require.NoError(t, err)

	require.Equal(t, first.Path, second.Path)
	loaded, err := load(second.Path)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"model", "strategy", "sigil"}, loaded.Tags)
	require.Equal(t, "updated", loaded.Body)
}

func TestUpsertUnrelatedTitleCreatesNewFile(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Upsert("DAG cascades", []string{"dag"}, "body a")
	require.NoError(t, err)
	_, err = s.Upsert("Agent session cancellation", []string{"session"}, "body b")
	require.NoError(t, err)

	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestSlugifyProducesFilesystemSafeNames(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	e, err := s.Upsert("Retry / Backoff: Tuning!", nil, "body")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(s.dir, "retry-backoff-tuning.md"), e.Path)
}
