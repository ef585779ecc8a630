package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	original := sampleHistory()

	name, err := store.Save(original, "trip")
	require.NoError(t, err)
	require.Equal(t, "trip", name)

	restored, err := store.Load("trip")
	require.NoError(t, err)

	require.Equal(t, len(original), len(restored))
	if diff := cmp.Diff(original, restored, rawJSON); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveGeneratesTimestampName(t *testing.T) {
	store := newTestStore(t)

	name, err := store.Save(History{UserText{Content: "hi"}}, "")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(name, "session_"), "generated name %q", name)
	require.True(t, store.Exists(name))
}

func TestLoadMissingIsNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Load("ghost")
	require.ErrorIs(t, err, ErrNotFound)
	require.NotErrorIs(t, err, ErrCorrupt)
}

func TestLoadMalformedIsCorrupt(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.Path("broken"), []byte("{not json"), 0o644))

	_, err := store.Load("broken")
	require.ErrorIs(t, err, ErrCorrupt)
	require.NotErrorIs(t, err, ErrNotFound)
}

func TestLoadNullDocumentIsCorrupt(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.Path("nothing"), []byte("null"), 0o644))

	_, err := store.Load("nothing")
	require.ErrorIs(t, err, ErrCorrupt, "null must not load as an empty session")
}

func TestLoadUnknownKindIsCorrupt(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.Path("odd"), []byte(`[{"kind":"alien"}]`), 0o644))

	_, err := store.Load("odd")
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestListEmptyDirectory(t *testing.T) {
	store := newTestStore(t)

	names, err := store.List()
	require.NoError(t, err)
	require.NotNil(t, names)
	require.Empty(t, names)
}

func TestListOrdersByModTime(t *testing.T) {
	store := newTestStore(t)

	for _, name := range []string{"oldest", "middle", "newest"} {
		_, err := store.Save(History{UserText{Content: name}}, name)
		require.NoError(t, err)
	}

	base := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(store.Path("oldest"), base, base))
	require.NoError(t, os.Chtimes(store.Path("middle"), base.Add(time.Minute), base.Add(time.Minute)))
	require.NoError(t, os.Chtimes(store.Path("newest"), base.Add(2*time.Minute), base.Add(2*time.Minute)))

	names, err := store.List()
	require.NoError(t, err)
	require.Equal(t, []string{"newest", "middle", "oldest"}, names)
}

func TestListIgnoresInputHistoryFiles(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Save(History{UserText{Content: "x"}}, "real")
	require.NoError(t, err)
	require.NoError(t, store.MergeInputHistory("real", []string{"ls"}))

	names, err := store.List()
	require.NoError(t, err)
	require.Equal(t, []string{"real"}, names)
}

func TestSaveLatestOverwrites(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SaveLatest(History{UserText{Content: "first"}}))
	require.NoError(t, store.SaveLatest(History{UserText{Content: "second"}, ModelText{Content: "ok"}}))

	h, err := store.Load(LatestName)
	require.NoError(t, err)
	require.Len(t, h, 2)
	require.Equal(t, UserText{Content: "second"}, h[0])
}

func TestSaveIsAtomic(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Save(sampleHistory(), "atomic")
	require.NoError(t, err)

	// No temp artifacts survive a save.
	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.HasSuffix(e.Name(), ".tmp"), "leftover temp file %s", e.Name())
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Save(History{UserText{Content: "x"}}, "doomed")
	require.NoError(t, err)

	existed, err := store.Delete("doomed")
	require.NoError(t, err)
	require.True(t, existed)

	existed, err = store.Delete("doomed")
	require.NoError(t, err)
	require.False(t, existed)
}

func TestInputHistoryMergeDeduplicates(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.MergeInputHistory("work", []string{"ls", "pwd"}))
	require.NoError(t, store.MergeInputHistory("work", []string{"pwd", "whoami", "", "ls"}))

	lines, err := store.LoadInputHistory("work")
	require.NoError(t, err)
	require.Equal(t, []string{"ls", "pwd", "whoami"}, lines)
}

func TestInputHistoryMissingFile(t *testing.T) {
	store := newTestStore(t)

	lines, err := store.LoadInputHistory("nothing")
	require.NoError(t, err)
	require.Empty(t, lines)
}

func TestInputHistoryIsPerSession(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.MergeInputHistory("a", []string{"one"}))
	require.NoError(t, store.MergeInputHistory("b", []string{"two"}))

	a, err := store.LoadInputHistory("a")
	require.NoError(t, err)
	b, err := store.LoadInputHistory("b")
	require.NoError(t, err)
	require.Equal(t, []string{"one"}, a)
	require.Equal(t, []string{"two"}, b)

	require.Equal(t, filepath.Join(store.Dir(), "a_commands.txt"), store.InputHistoryPath("a"))
}

func TestLoadToleratesTrailingOrphanToolCall(t *testing.T) {
	// A history written by a crashed process may end with a ToolCall whose
	// result never arrived. Load accepts it; the pairing invariant is
	// enforced at save time by construction.
	h := History{
		UserText{Content: "run something"},
		ToolCall{ID: "call_1", Name: "run_cmd", Arguments: json.RawMessage(`{"cmd":"sleep 100"}`)},
	}
	store := newTestStore(t)
	_, err := store.Save(h, "orphan")
	require.NoError(t, err)

	restored, err := store.Load("orphan")
	require.NoError(t, err)
	require.Len(t, restored, 2)
}
