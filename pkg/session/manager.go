package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"

	"github.com/rfduarte/checkpoint/internal/observability"
)

const (
	// DefaultMaxCacheSize bounds the in-memory cache when Options does not.
	DefaultMaxCacheSize = 50

	recordExt    = ".json"
	idAlphabet   = "0123456789abcdefghijklmnopqrstuvwxyz"
	idSuffixSize = 10

	// selfWriteWindow is how long a write by this manager masks watcher
	// events for the same record.
	selfWriteWindow = time.Second
)

// Options configures a Manager.
type Options struct {
	// Dir is the durable root directory, one record per session. Empty
	// defaults to ~/.checkpoint/sessions.
	Dir string

	// MaxCacheSize bounds the in-memory cache. Zero means
	// DefaultMaxCacheSize.
	MaxCacheSize int

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// CreateParams carries the optional creation inputs.
type CreateParams struct {
	Complexity   Complexity
	WorkspaceRef string
	Metadata     map[string]interface{}
}

// Stats summarizes the durable store and the cache.
type Stats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	CacheSize int `json:"cacheSize"`
}

// Manager is the factory, index, and garbage collector for sessions. It owns
// the durable directory and a bounded cache of live handles. All operations
// are synchronous; the only latency is file I/O.
type Manager struct {
	dir          string
	maxCacheSize int
	now          func() time.Time

	mu    sync.RWMutex
	cache map[string]*Session

	// ownWrites lets a StoreWatcher tell this manager's writes apart from
	// another process touching the same directory.
	writesMu  sync.Mutex
	ownWrites map[string]time.Time
}

// NewManager creates a Manager, ensures the durable root exists, and warms
// the cache with the most recently modified records.
func NewManager(opts Options) (*Manager, error) {
	observability.EnsureRegistered()

	dir := opts.Dir
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".checkpoint", "sessions")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	maxCacheSize := opts.MaxCacheSize
	if maxCacheSize <= 0 {
		maxCacheSize = DefaultMaxCacheSize
	}

	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	m := &Manager{
		dir:          dir,
		maxCacheSize: maxCacheSize,
		now:          now,
		cache:        make(map[string]*Session),
		ownWrites:    make(map[string]time.Time),
	}

	m.warmStart()
	m.refreshRecordsMetric()
	observability.SetSessionCacheSize(len(m.cache))

	log.Info().
		Str("dir", dir).
		Int("max_cache", maxCacheSize).
		Int("warmed", len(m.cache)).
		Msg("Session store initialized")

	return m, nil
}

// Dir returns the durable root directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Create builds a fresh active session, persists it, and caches the handle.
// The id is a millisecond timestamp plus a random suffix; collisions are
// treated as practically impossible rather than checked for.
func (m *Manager) Create(issueNumber int, params CreateParams) (*Session, error) {
	createdAt := m.now()

	state := &SessionState{
		ID:             m.newID(),
		IssueNumber:    issueNumber,
		Complexity:     params.Complexity,
		WorkspaceRef:   params.WorkspaceRef,
		CreatedAt:      createdAt,
		LastAccessedAt: createdAt,
		History:        []ConversationTurn{},
		Metadata:       make(map[string]interface{}),
		Status:         StatusActive,
	}
	for key, value := range params.Metadata {
		state.Metadata[key] = value
	}

	if err := m.persist(state); err != nil {
		return nil, err
	}

	sess := &Session{state: state, manager: m}

	m.mu.Lock()
	m.cache[state.ID] = sess
	evicted := m.evictOldestLocked()
	cacheSize := len(m.cache)
	m.mu.Unlock()

	if evicted > 0 {
		observability.RecordCacheEvictions(evicted)
	}
	observability.SetSessionCacheSize(cacheSize)
	m.refreshRecordsMetric()

	log.Info().
		Str("session_id", state.ID).
		Int("issue", issueNumber).
		Msg("Session created")

	return sess, nil
}

// Resume returns the live handle for id, reading it from disk on a cache
// miss. A missing record returns (nil, nil); a corrupt one returns an error
// wrapping ErrCorruptRecord.
func (m *Manager) Resume(id string) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.cache[id]
	m.mu.RUnlock()
	if ok {
		return sess, nil
	}

	state, err := m.loadRecord(id)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another caller may have resumed it while we read disk.
	if existing, ok := m.cache[id]; ok {
		return existing, nil
	}

	sess = &Session{state: state, manager: m}
	m.cache[id] = sess
	observability.SetSessionCacheSize(len(m.cache))

	log.Debug().Str("session_id", id).Msg("Session resumed from disk")

	return sess, nil
}

// FindByIssue returns every session whose issue number matches. Cached
// handles are preferred; records not in cache are read from disk without
// being cached. Unreadable records are skipped with a warning.
func (m *Manager) FindByIssue(issueNumber int) ([]*Session, error) {
	sessions, err := m.scanSessions()
	if err != nil {
		return nil, err
	}

	var matches []*Session
	for _, sess := range sessions {
		if sess.IssueNumber() == issueNumber {
			matches = append(matches, sess)
		}
	}
	return matches, nil
}

// LatestForIssue returns the most recently active session for issueNumber,
// ranked by the timestamp of the last turn (creation time for empty
// histories), or nil when there are no matches.
func (m *Manager) LatestForIssue(issueNumber int) (*Session, error) {
	matches, err := m.FindByIssue(issueNumber)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}

	latest := matches[0]
	latestAt := latest.recency()
	for _, sess := range matches[1:] {
		if at := sess.recency(); at.After(latestAt) {
			latest = sess
			latestAt = at
		}
	}
	return latest, nil
}

// ListActive returns every session whose status is active.
func (m *Manager) ListActive() ([]*Session, error) {
	sessions, err := m.scanSessions()
	if err != nil {
		return nil, err
	}

	var active []*Session
	for _, sess := range sessions {
		if sess.Status() == StatusActive {
			active = append(active, sess)
		}
	}
	return active, nil
}

// Destroy removes id from the cache and deletes its durable record.
// Destroying an unknown id is a no-op.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	delete(m.cache, id)
	cacheSize := len(m.cache)
	m.mu.Unlock()

	if err := os.Remove(m.recordPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session record: %w", err)
	}
	m.markWrite(id)

	observability.SetSessionCacheSize(cacheSize)
	m.refreshRecordsMetric()

	log.Info().Str("session_id", id).Msg("Session destroyed")

	return nil
}

// Cleanup destroys every record whose file modification time is at or before
// now-maxAge and whose status is not active, returning the count removed.
// Active sessions are never reclaimed regardless of age. Unreadable records
// are skipped with a warning.
func (m *Manager) Cleanup(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read store directory: %w", err)
	}

	cutoff := m.now().Add(-maxAge)
	removed := 0

	for _, entry := range entries {
		id, ok := recordID(entry.Name())
		if !ok || entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			log.Warn().Str("session_id", id).Err(err).Msg("Failed to stat session record")
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		status, ok := m.recordStatus(id)
		if !ok || status == StatusActive {
			continue
		}

		if err := m.Destroy(id); err != nil {
			log.Error().Str("session_id", id).Err(err).Msg("Failed to destroy session")
			continue
		}
		removed++
	}

	if removed > 0 {
		observability.RecordCleanupRemovals(removed)
		log.Info().Int("removed", removed).Msg("Cleaned up old sessions")
	}

	return removed, nil
}

// Stats counts durable records by status plus the current cache size.
func (m *Manager) Stats() (Stats, error) {
	sessions, err := m.scanSessions()
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Total: len(sessions)}
	for _, sess := range sessions {
		switch sess.Status() {
		case StatusActive:
			stats.Active++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
	}

	m.mu.RLock()
	stats.CacheSize = len(m.cache)
	m.mu.RUnlock()

	return stats, nil
}

// CacheSize returns the number of cached handles.
func (m *Manager) CacheSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}

func (m *Manager) newID() string {
	suffix := gonanoid.MustGenerate(idAlphabet, idSuffixSize)
	return fmt.Sprintf("sess-%d-%s", m.now().UnixMilli(), suffix)
}

func (m *Manager) recordPath(id string) string {
	return filepath.Join(m.dir, id+recordExt)
}

// persist writes the whole record and syncs it. A failure here means the
// in-memory state is ahead of disk.
func (m *Manager) persist(state *SessionState) error {
	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
	}()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}

	file, err := os.OpenFile(m.recordPath(state.ID), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open session record: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("failed to write session record: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync session record: %w", err)
	}

	m.markWrite(state.ID)

	return nil
}

// markWrite timestamps a write made by this manager. Expired entries are
// pruned in passing to keep the map small.
func (m *Manager) markWrite(id string) {
	m.writesMu.Lock()
	defer m.writesMu.Unlock()

	now := time.Now()
	for key, at := range m.ownWrites {
		if now.Sub(at) > selfWriteWindow {
			delete(m.ownWrites, key)
		}
	}
	m.ownWrites[id] = now
}

// wroteRecently reports whether this manager wrote id within selfWriteWindow.
func (m *Manager) wroteRecently(id string) bool {
	m.writesMu.Lock()
	defer m.writesMu.Unlock()
	at, ok := m.ownWrites[id]
	return ok && time.Since(at) < selfWriteWindow
}

// loadRecord reads and validates one record. A missing file returns
// (nil, nil); a record that fails to parse or validate returns an error
// wrapping ErrCorruptRecord.
func (m *Manager) loadRecord(id string) (*SessionState, error) {
	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
	}()

	data, err := os.ReadFile(m.recordPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session record: %w", err)
	}

	if err := validateRecord(data); err != nil {
		observability.RecordCorruptRecord()
		return nil, fmt.Errorf("%w %s: %v", ErrCorruptRecord, id, err)
	}

	var state SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		observability.RecordCorruptRecord()
		return nil, fmt.Errorf("%w %s: %v", ErrCorruptRecord, id, err)
	}

	if state.Metadata == nil {
		state.Metadata = make(map[string]interface{})
	}
	if state.History == nil {
		state.History = []ConversationTurn{}
	}

	return &state, nil
}

// scanSessions walks every durable record, preferring cached handles and
// skipping records that cannot be loaded. Handles built for uncached records
// are not inserted into the cache.
func (m *Manager) scanSessions() ([]*Session, error) {
	ids, err := m.listIDs()
	if err != nil {
		return nil, err
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		m.mu.RLock()
		sess, ok := m.cache[id]
		m.mu.RUnlock()
		if ok {
			sessions = append(sessions, sess)
			continue
		}

		state, err := m.loadRecord(id)
		if err != nil {
			log.Warn().Str("session_id", id).Err(err).Msg("Skipping unreadable session record")
			continue
		}
		if state == nil {
			// Removed between listing and reading.
			continue
		}
		sessions = append(sessions, &Session{state: state, manager: m})
	}

	return sessions, nil
}

func (m *Manager) listIDs() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if id, ok := recordID(entry.Name()); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// recordStatus reads the status for id, preferring the cached handle.
func (m *Manager) recordStatus(id string) (Status, bool) {
	m.mu.RLock()
	sess, ok := m.cache[id]
	m.mu.RUnlock()
	if ok {
		return sess.Status(), true
	}

	state, err := m.loadRecord(id)
	if err != nil {
		log.Warn().Str("session_id", id).Err(err).Msg("Skipping unreadable session record")
		return "", false
	}
	if state == nil {
		return "", false
	}
	return state.Status, true
}

// evictOldestLocked drops the least recently active handles until the cache
// fits. Durable records are untouched. Caller holds m.mu.
func (m *Manager) evictOldestLocked() int {
	over := len(m.cache) - m.maxCacheSize
	if over <= 0 {
		return 0
	}

	type cached struct {
		id string
		at time.Time
	}
	entries := make([]cached, 0, len(m.cache))
	for id, sess := range m.cache {
		entries = append(entries, cached{id: id, at: sess.recency()})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].at.Before(entries[j].at)
	})

	for i := 0; i < over; i++ {
		delete(m.cache, entries[i].id)
		log.Debug().Str("session_id", entries[i].id).Msg("Session evicted from cache")
	}
	return over
}

// warmStart loads up to maxCacheSize of the most recently modified records.
// Best effort: any record it cannot load stays reachable through Resume.
func (m *Manager) warmStart() {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		log.Warn().Err(err).Msg("Warm start skipped")
		return
	}

	type candidate struct {
		id      string
		modTime time.Time
	}
	var candidates []candidate
	for _, entry := range entries {
		id, ok := recordID(entry.Name())
		if !ok || entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{id: id, modTime: info.ModTime()})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].modTime.After(candidates[j].modTime)
	})
	if len(candidates) > m.maxCacheSize {
		candidates = candidates[:m.maxCacheSize]
	}

	for _, c := range candidates {
		state, err := m.loadRecord(c.id)
		if err != nil {
			log.Warn().Str("session_id", c.id).Err(err).Msg("Skipping unreadable session record")
			continue
		}
		if state == nil {
			continue
		}
		m.cache[c.id] = &Session{state: state, manager: m}
	}
}

func (m *Manager) refreshRecordsMetric() {
	ids, err := m.listIDs()
	if err != nil {
		return
	}
	observability.SetSessionRecords(len(ids))
}

func recordID(name string) (string, bool) {
	if !strings.HasSuffix(name, recordExt) {
		return "", false
	}
	return strings.TrimSuffix(name, recordExt), true
}
