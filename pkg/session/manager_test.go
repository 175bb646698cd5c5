package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestManager(t *testing.T) (*Manager, string) {
	tempDir := t.TempDir()
	m, err := NewManager(Options{Dir: tempDir, MaxCacheSize: 10})
	require.NoError(t, err)
	return m, tempDir
}

func TestManager_CreateAndResume(t *testing.T) {
	m, tempDir := setupTestManager(t)

	sess, err := m.Create(270, CreateParams{
		Complexity:   ComplexityMedium,
		WorkspaceRef: "workspaces/270",
		Metadata:     map[string]interface{}{"phase": "initial"},
	})
	require.NoError(t, err)
	require.NotNil(t, sess)

	assert.NotEmpty(t, sess.ID())
	assert.Equal(t, 270, sess.IssueNumber())
	assert.Equal(t, StatusActive, sess.Status())
	assert.Empty(t, sess.History())

	// Record must exist on disk immediately.
	_, err = os.Stat(filepath.Join(tempDir, sess.ID()+recordExt))
	require.NoError(t, err)

	err = sess.AddTurn(ConversationTurn{Step: "decompose", Prompt: "break it down", Response: "three parts"})
	require.NoError(t, err)

	// Resume through a fresh manager to prove the round trip goes through disk.
	m2, err := NewManager(Options{Dir: tempDir, MaxCacheSize: 10})
	require.NoError(t, err)

	resumed, err := m2.Resume(sess.ID())
	require.NoError(t, err)
	require.NotNil(t, resumed)

	assert.Equal(t, sess.ID(), resumed.ID())
	assert.Equal(t, 270, resumed.IssueNumber())
	assert.Equal(t, StatusActive, resumed.Status())

	history := resumed.History()
	require.Len(t, history, 1)
	assert.Equal(t, "decompose", history[0].Step)
	assert.Equal(t, "break it down", history[0].Prompt)
	assert.Equal(t, "three parts", history[0].Response)

	phase, ok := resumed.GetMetadata("phase")
	require.True(t, ok)
	assert.Equal(t, "initial", phase)
}

func TestManager_ResumeUnknownID(t *testing.T) {
	m, _ := setupTestManager(t)

	sess, err := m.Resume("sess-0-nosuchthing")
	assert.NoError(t, err)
	assert.Nil(t, sess)
}

func TestManager_ResumeReturnsCachedHandle(t *testing.T) {
	m, _ := setupTestManager(t)

	sess, err := m.Create(1, CreateParams{})
	require.NoError(t, err)

	resumed, err := m.Resume(sess.ID())
	require.NoError(t, err)
	assert.Same(t, sess, resumed)
}

func TestManager_UniqueIDs(t *testing.T) {
	m, _ := setupTestManager(t)

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		sess, err := m.Create(i, CreateParams{})
		require.NoError(t, err)
		assert.False(t, seen[sess.ID()], "duplicate id %s", sess.ID())
		seen[sess.ID()] = true
	}
}

func TestManager_DestroyIsIdempotent(t *testing.T) {
	m, _ := setupTestManager(t)

	sess, err := m.Create(5, CreateParams{})
	require.NoError(t, err)
	id := sess.ID()

	err = m.Destroy(id)
	assert.NoError(t, err)

	// Second destroy is a no-op.
	err = m.Destroy(id)
	assert.NoError(t, err)

	resumed, err := m.Resume(id)
	assert.NoError(t, err)
	assert.Nil(t, resumed)
}

func TestManager_FindByIssue(t *testing.T) {
	m, _ := setupTestManager(t)

	first, err := m.Create(42, CreateParams{})
	require.NoError(t, err)
	second, err := m.Create(42, CreateParams{})
	require.NoError(t, err)
	_, err = m.Create(7, CreateParams{})
	require.NoError(t, err)

	matches, err := m.FindByIssue(42)
	require.NoError(t, err)
	require.Len(t, matches, 2)

	ids := []string{matches[0].ID(), matches[1].ID()}
	assert.ElementsMatch(t, []string{first.ID(), second.ID()}, ids)

	none, err := m.FindByIssue(999)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestManager_FindByIssueScansUncachedRecords(t *testing.T) {
	tempDir := t.TempDir()
	m, err := NewManager(Options{Dir: tempDir, MaxCacheSize: 10})
	require.NoError(t, err)

	target, err := m.Create(42, CreateParams{})
	require.NoError(t, err)
	_, err = m.Create(7, CreateParams{})
	require.NoError(t, err)

	// Make the target the older record so a single-slot warm start leaves it
	// out of the cache.
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(tempDir, target.ID()+recordExt), old, old))

	cold, err := NewManager(Options{Dir: tempDir, MaxCacheSize: 1})
	require.NoError(t, err)

	cold.mu.RLock()
	_, targetCached := cold.cache[target.ID()]
	cold.mu.RUnlock()
	require.False(t, targetCached)

	matches, err := cold.FindByIssue(42)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, target.ID(), matches[0].ID())
}

func TestManager_LatestForIssue(t *testing.T) {
	m, _ := setupTestManager(t)

	base := time.Now().Add(-time.Hour)

	older, err := m.Create(42, CreateParams{})
	require.NoError(t, err)
	err = older.AddTurn(ConversationTurn{Step: "decompose", Prompt: "p", Response: "r", Timestamp: base})
	require.NoError(t, err)

	newer, err := m.Create(42, CreateParams{})
	require.NoError(t, err)
	err = newer.AddTurn(ConversationTurn{Step: "generate", Prompt: "p", Response: "r", Timestamp: base.Add(30 * time.Minute)})
	require.NoError(t, err)

	_, err = m.Create(7, CreateParams{})
	require.NoError(t, err)

	latest, err := m.LatestForIssue(42)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, newer.ID(), latest.ID())

	latest, err = m.LatestForIssue(999)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestManager_ListActive(t *testing.T) {
	m, _ := setupTestManager(t)

	active, err := m.Create(1, CreateParams{})
	require.NoError(t, err)

	done, err := m.Create(2, CreateParams{})
	require.NoError(t, err)
	require.NoError(t, done.Complete())

	failed, err := m.Create(3, CreateParams{})
	require.NoError(t, err)
	require.NoError(t, failed.Fail("boom"))

	list, err := m.ListActive()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, active.ID(), list[0].ID())
}

func TestManager_EvictionBoundsCacheNotStorage(t *testing.T) {
	tempDir := t.TempDir()
	m, err := NewManager(Options{Dir: tempDir, MaxCacheSize: 3})
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 7; i++ {
		sess, err := m.Create(i, CreateParams{})
		require.NoError(t, err)
		ids = append(ids, sess.ID())
	}

	assert.LessOrEqual(t, m.CacheSize(), 3)

	// Every record survives eviction on disk.
	for _, id := range ids {
		resumed, err := m.Resume(id)
		require.NoError(t, err)
		require.NotNil(t, resumed, "session %s lost by eviction", id)
	}
}

func TestManager_EvictionDropsLeastRecentlyActive(t *testing.T) {
	tempDir := t.TempDir()
	m, err := NewManager(Options{Dir: tempDir, MaxCacheSize: 2})
	require.NoError(t, err)

	base := time.Now().Add(-time.Hour)

	stale, err := m.Create(1, CreateParams{})
	require.NoError(t, err)
	err = stale.AddTurn(ConversationTurn{Step: "a", Prompt: "p", Response: "r", Timestamp: base})
	require.NoError(t, err)

	fresh, err := m.Create(2, CreateParams{})
	require.NoError(t, err)
	err = fresh.AddTurn(ConversationTurn{Step: "b", Prompt: "p", Response: "r", Timestamp: base.Add(30 * time.Minute)})
	require.NoError(t, err)

	// Third create pushes the cache over its bound.
	_, err = m.Create(3, CreateParams{})
	require.NoError(t, err)

	m.mu.RLock()
	_, staleCached := m.cache[stale.ID()]
	_, freshCached := m.cache[fresh.ID()]
	m.mu.RUnlock()

	assert.False(t, staleCached, "oldest session should have been evicted")
	assert.True(t, freshCached)
}

func TestManager_CleanupRetainsActiveSessions(t *testing.T) {
	m, tempDir := setupTestManager(t)

	active, err := m.Create(1, CreateParams{})
	require.NoError(t, err)

	done, err := m.Create(2, CreateParams{})
	require.NoError(t, err)
	require.NoError(t, done.Complete())

	// Age both records well past any cutoff.
	old := time.Now().Add(-48 * time.Hour)
	for _, id := range []string{active.ID(), done.ID()} {
		require.NoError(t, os.Chtimes(filepath.Join(tempDir, id+recordExt), old, old))
	}

	removed, err := m.Cleanup(0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// The active session is never garbage collected, regardless of age.
	resumed, err := m.Resume(active.ID())
	require.NoError(t, err)
	assert.NotNil(t, resumed)

	gone, err := m.Resume(done.ID())
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestManager_CleanupHonorsMaxAge(t *testing.T) {
	m, tempDir := setupTestManager(t)

	recent, err := m.Create(1, CreateParams{})
	require.NoError(t, err)
	require.NoError(t, recent.Complete())

	stale, err := m.Create(2, CreateParams{})
	require.NoError(t, err)
	require.NoError(t, stale.Fail("abandoned"))

	old := time.Now().Add(-72 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(tempDir, stale.ID()+recordExt), old, old))

	removed, err := m.Cleanup(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	kept, err := m.Resume(recent.ID())
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestManager_StatsScenario(t *testing.T) {
	m, _ := setupTestManager(t)

	sess, err := m.Create(270, CreateParams{Complexity: ComplexityMedium})
	require.NoError(t, err)

	require.NoError(t, sess.AddTurn(ConversationTurn{Step: "decompose", Prompt: "p1", Response: "r1"}))
	require.NoError(t, sess.AddTurn(ConversationTurn{Step: "generate", Prompt: "p2", Response: "r2"}))

	stats, err := m.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 0, stats.Completed)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 1, stats.CacheSize)

	require.NoError(t, sess.Complete())

	stats, err = m.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 1, stats.Completed)
}

func TestManager_WarmStartLoadsMostRecent(t *testing.T) {
	tempDir := t.TempDir()
	m, err := NewManager(Options{Dir: tempDir, MaxCacheSize: 10})
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 4; i++ {
		sess, err := m.Create(i, CreateParams{})
		require.NoError(t, err)
		ids = append(ids, sess.ID())
	}

	// Spread the modification times so the warm-start ordering is unambiguous.
	for i, id := range ids[:3] {
		at := time.Now().Add(-time.Duration(len(ids)-i) * time.Hour)
		require.NoError(t, os.Chtimes(filepath.Join(tempDir, id+recordExt), at, at))
	}

	warm, err := NewManager(Options{Dir: tempDir, MaxCacheSize: 2})
	require.NoError(t, err)

	assert.Equal(t, 2, warm.CacheSize())

	warm.mu.RLock()
	_, newestCached := warm.cache[ids[3]]
	_, oldestCached := warm.cache[ids[0]]
	warm.mu.RUnlock()
	assert.True(t, newestCached)
	assert.False(t, oldestCached)

	// Records left out of the warm start are still reachable.
	resumed, err := warm.Resume(ids[0])
	require.NoError(t, err)
	assert.NotNil(t, resumed)
}

func TestManager_CorruptRecordSkippedInScansFatalInResume(t *testing.T) {
	m, tempDir := setupTestManager(t)

	good, err := m.Create(42, CreateParams{})
	require.NoError(t, err)

	badID := "sess-0-badbadbadb"
	badPath := filepath.Join(tempDir, badID+recordExt)
	require.NoError(t, os.WriteFile(badPath, []byte("{not json"), 0600))

	// Scans skip the corrupt record.
	matches, err := m.FindByIssue(42)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, good.ID(), matches[0].ID())

	stats, err := m.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)

	// A direct resume of the corrupt id fails.
	_, err = m.Resume(badID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestManager_SchemaViolationIsCorrupt(t *testing.T) {
	m, tempDir := setupTestManager(t)

	// Valid JSON, but no id and a bogus status.
	badID := "sess-0-wrongshape"
	record := `{"issueNumber": 1, "createdAt": "2024-01-01T00:00:00Z", "lastAccessedAt": "2024-01-01T00:00:00Z", "history": [], "status": "archived"}`
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, badID+recordExt), []byte(record), 0600))

	_, err := m.Resume(badID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestManager_DefaultsApplied(t *testing.T) {
	m, err := NewManager(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxCacheSize, m.maxCacheSize)
}
