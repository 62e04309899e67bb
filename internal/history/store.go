// Package history owns the list of completed scans.
//
// Anonymous sessions keep history only in the local cache. Signed-in
// sessions write to the remote store first and mirror the result into the
// local cache; when the remote store fails the change is applied locally and
// the record stays unsynced. Remote failures are logged, never returned.
//
// The local cache holds one serialized list per identity scope, so history
// written while anonymous is never shown to a signed-in user and the other
// way round.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/franckalain/healthscan/internal/database"
	"github.com/franckalain/healthscan/internal/identity"
	"github.com/franckalain/healthscan/internal/logger"
	"github.com/franckalain/healthscan/internal/models"
)

const (
	DefaultCap     = 100
	DefaultKey     = "scan_history"
	DefaultTimeout = 5 * time.Second
)

// Remote is the authoritative per-user store.
type Remote interface {
	Create(ctx context.Context, userID string, rec models.ScanRecord) (models.ScanRecord, error)
	List(ctx context.Context, userID string, limit int) ([]models.ScanRecord, error)
	Delete(ctx context.Context, userID, id string) error
	DeleteAll(ctx context.Context, userID string) error
}

// Mode says which backend is authoritative.
type Mode string

const (
	Anonymous     Mode = "anonymous"
	Authenticated Mode = "authenticated"
)

var errNoRemote = errors.New("remote store not configured")

type Options struct {
	// Cap bounds the number of retained records.
	Cap int
	// Key is the well-known cache key; signed-in scopes append the user id.
	Key string
	// Timeout bounds each remote call.
	Timeout time.Duration
}

type Store struct {
	local   database.KV
	remote  Remote
	log     *logger.Logger
	cap     int
	key     string
	timeout time.Duration

	mu      sync.Mutex
	userID  string
	records []models.ScanRecord

	reads       singleflight.Group
	unsubscribe func()
}

// New builds a store, loads the current scope and follows ids for sign-in
// and sign-out. remote may be nil, in which case signed-in writes always
// take the local fallback.
func New(ctx context.Context, local database.KV, remote Remote, ids identity.Provider, log *logger.Logger, opts Options) *Store {
	if opts.Cap <= 0 {
		opts.Cap = DefaultCap
	}
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	s := &Store{
		local:   local,
		remote:  remote,
		log:     log.With("service", "HistoryStore"),
		cap:     opts.Cap,
		key:     opts.Key,
		timeout: opts.Timeout,
	}

	// Subscribe before reading the current identity so no transition is
	// missed; one racing with New waits on mu and is applied after it.
	if ids != nil {
		s.unsubscribe = ids.Subscribe(s.onIdentityChange)
	}

	s.mu.Lock()
	var current *identity.Identity
	if ids != nil {
		current = ids.Current()
	}
	s.switchScopeLocked(ctx, current)
	s.mu.Unlock()
	return s
}

// Close stops following identity changes.
func (s *Store) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// Mode reports the current backend selection.
func (s *Store) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modeLocked()
}

func (s *Store) modeLocked() Mode {
	if s.userID == "" {
		return Anonymous
	}
	return Authenticated
}

// UserID returns the signed-in user the store is scoped to, or "".
func (s *Store) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Store) onIdentityChange(id *identity.Identity) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*s.timeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.switchScopeLocked(ctx, id)
}

// switchScopeLocked replaces in-memory state with the new scope's history.
// Signing in reloads from the remote store; nothing from the anonymous
// scope is carried over.
func (s *Store) switchScopeLocked(ctx context.Context, id *identity.Identity) {
	if id == nil || id.UserID == "" {
		if s.userID != "" {
			s.log.Info("History switched to anonymous mode")
		}
		s.userID = ""
		s.records, _ = s.readLocalLocked(ctx, s.scopeKeyLocked())
		return
	}

	s.userID = id.UserID
	s.log.Info("History switched to authenticated mode", "user_id", id.UserID)
	s.refreshLocked(ctx)
}

func (s *Store) scopeKeyLocked() string {
	if s.userID == "" {
		return s.key
	}
	return s.key + ":user:" + s.userID
}

// List returns the history newest first. Signed-in callers always trigger a
// remote read; if it fails the last cached list is returned.
//
// Concurrent callers share one read keyed by the scope seen on entry. The
// read always serves the scope current when it takes the lock, so a caller
// racing a sign-in may get either side's list. The shared read ignores the
// cancellation of whichever caller started it; remote calls are still
// bounded by the store timeout.
func (s *Store) List(ctx context.Context) []models.ScanRecord {
	scope := "list:" + s.UserID()
	shared := context.WithoutCancel(ctx)
	v, _, _ := s.reads.Do(scope, func() (interface{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.userID == "" {
			s.reloadLocalLocked(shared)
		} else {
			s.refreshLocked(shared)
		}
		return s.snapshotLocked(), nil
	})
	return cloneRecords(v.([]models.ScanRecord))
}

// Add stores a completed scan and returns it as stored: with the remote id
// and Synced set when the remote write succeeded, with a local id otherwise.
// Only an incomplete record is rejected.
func (s *Store) Add(ctx context.Context, rec models.ScanRecord) (models.ScanRecord, error) {
	if err := rec.Validate(); err != nil {
		return models.ScanRecord{}, err
	}
	if rec.ID == "" {
		rec.ID = models.LocalID(rec.Barcode, rec.Timestamp)
	}
	if rec.ClientID == "" {
		rec.ClientID = rec.ID
	}
	rec.Synced = false

	s.mu.Lock()
	defer s.mu.Unlock()

	rec.UserID = s.userID
	if s.userID == "" {
		s.reloadLocalLocked(ctx)
		s.records = s.capLocked(append([]models.ScanRecord{rec}, s.records...))
		s.saveLocalLocked(ctx)
		return rec, nil
	}

	created, err := s.remoteCreate(ctx, rec)
	if err != nil {
		s.log.Warn("Remote add failed, keeping scan locally", "user_id", s.userID, "barcode", rec.Barcode, "error", err)
		s.records = s.capLocked(append([]models.ScanRecord{rec}, s.records...))
		s.saveLocalLocked(ctx)
		return rec, nil
	}

	s.records = s.capLocked(append([]models.ScanRecord{created}, s.records...))
	if mirrored, ok := s.mirrorRemoteLocked(ctx); ok {
		s.records = mirrored
	}
	s.saveLocalLocked(ctx)
	return created, nil
}

// Remove deletes a record by id. Unknown ids are ignored.
func (s *Store) Remove(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.userID == "" {
		s.reloadLocalLocked(ctx)
	} else if err := s.remoteDelete(ctx, id); err != nil {
		s.log.Warn("Remote remove failed, removing locally only", "user_id", s.userID, "id", id, "error", err)
	}

	kept := s.records[:0:0]
	for _, r := range s.records {
		if r.ID != id {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(s.records) {
		return
	}
	s.records = kept
	s.saveLocalLocked(ctx)
}

// Clear removes every record in the current scope: the signed-in user's
// remote rows, or the anonymous cache. Other scopes are untouched.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.userID != "" {
		if err := s.remoteDeleteAll(ctx); err != nil {
			s.log.Warn("Remote clear failed, clearing locally only", "user_id", s.userID, "error", err)
		}
	}
	s.records = nil
	if err := s.local.Remove(ctx, s.scopeKeyLocked()); err != nil {
		s.log.Error("Failed to clear local scan cache", "error", err)
	}
}

// Sync reconciles the signed-in scope with the remote store and reports how
// many records are still waiting to be written there. Anonymous sessions
// have nothing to sync.
func (s *Store) Sync(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userID == "" {
		return 0
	}
	s.refreshLocked(ctx)

	pending := 0
	for _, r := range s.records {
		if !r.Synced {
			pending++
		}
	}
	return pending
}

// refreshLocked reloads the signed-in scope from the remote store, falling
// back to the cached list when the remote read fails.
func (s *Store) refreshLocked(ctx context.Context) {
	if mirrored, ok := s.mirrorRemoteLocked(ctx); ok {
		s.records = mirrored
		s.saveLocalLocked(ctx)
		return
	}
	if recs, ok := s.readLocalLocked(ctx, s.scopeKeyLocked()); ok {
		s.records = recs
		return
	}
	s.records = s.scopedLocked(s.records)
}

// scopedLocked keeps only records that belong to the current scope.
func (s *Store) scopedLocked(recs []models.ScanRecord) []models.ScanRecord {
	out := make([]models.ScanRecord, 0, len(recs))
	for _, r := range recs {
		if r.UserID == s.userID {
			out = append(out, r)
		}
	}
	return out
}

// mirrorRemoteLocked reads the remote list and reconciles it with cached
// records of the same scope that never reached the remote store: each is
// pushed again, and those that still fail stay in the list unsynced.
func (s *Store) mirrorRemoteLocked(ctx context.Context) ([]models.ScanRecord, bool) {
	remoteRecs, err := s.remoteList(ctx)
	if err != nil {
		s.log.Warn("Remote list failed, serving cached history", "user_id", s.userID, "error", err)
		return nil, false
	}

	pending := s.pendingLocked(ctx, remoteRecs)
	merged := append([]models.ScanRecord(nil), remoteRecs...)
	pushed := 0
	for _, rec := range pending {
		created, err := s.remoteCreate(ctx, rec)
		if err != nil {
			s.log.Warn("Remote sync of pending scan failed", "user_id", s.userID, "id", rec.ID, "error", err)
			merged = append(merged, rec)
			continue
		}
		pushed++
		merged = append(merged, created)
	}
	if pushed > 0 {
		s.log.Info("Synced pending scans", "user_id", s.userID, "count", pushed)
	}
	return s.capLocked(merged), true
}

// pendingLocked returns unsynced records of the current scope, from memory
// and from the cache, that the remote list does not contain. Records are
// matched by client id, so one that reached the remote store through another
// process or an unacknowledged write is not pushed again.
func (s *Store) pendingLocked(ctx context.Context, remoteRecs []models.ScanRecord) []models.ScanRecord {
	seen := make(map[string]bool, 2*len(remoteRecs))
	for _, r := range remoteRecs {
		seen[r.ID] = true
		seen[clientKey(r)] = true
	}

	var pending []models.ScanRecord
	collect := func(recs []models.ScanRecord) {
		for _, r := range recs {
			key := clientKey(r)
			if r.Synced || seen[r.ID] || seen[key] || r.UserID != s.userID {
				continue
			}
			seen[key] = true
			pending = append(pending, r)
		}
	}
	collect(s.records)
	if cached, ok := s.readLocalLocked(ctx, s.scopeKeyLocked()); ok {
		collect(cached)
	}
	return pending
}

func clientKey(r models.ScanRecord) string {
	if r.ClientID != "" {
		return r.ClientID
	}
	return r.ID
}

func (s *Store) remoteCreate(ctx context.Context, rec models.ScanRecord) (models.ScanRecord, error) {
	if s.remote == nil {
		return models.ScanRecord{}, errNoRemote
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.remote.Create(ctx, s.userID, rec)
}

func (s *Store) remoteList(ctx context.Context) ([]models.ScanRecord, error) {
	if s.remote == nil {
		return nil, errNoRemote
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.remote.List(ctx, s.userID, s.cap)
}

func (s *Store) remoteDelete(ctx context.Context, id string) error {
	if s.remote == nil {
		return errNoRemote
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.remote.Delete(ctx, s.userID, id)
}

func (s *Store) remoteDeleteAll(ctx context.Context) error {
	if s.remote == nil {
		return errNoRemote
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.remote.DeleteAll(ctx, s.userID)
}

// readLocalLocked reads a scope's cached list. A missing key is an empty
// history; ok is false only when the cache could not be read.
func (s *Store) readLocalLocked(ctx context.Context, key string) (recs []models.ScanRecord, ok bool) {
	raw, err := s.local.Get(ctx, key)
	if errors.Is(err, database.ErrNotFound) {
		return s.capLocked(nil), true
	}
	if err != nil {
		s.log.Error("Failed to read local scan cache", "key", key, "error", err)
		return nil, false
	}

	if err := json.Unmarshal(raw, &recs); err != nil {
		s.log.Error("Discarding corrupt local scan cache", "key", key, "error", err)
		return s.capLocked(nil), true
	}
	return s.capLocked(recs), true
}

// reloadLocalLocked replaces memory with the current scope's cache, keeping
// memory as it is when the cache cannot be read.
func (s *Store) reloadLocalLocked(ctx context.Context) {
	if recs, ok := s.readLocalLocked(ctx, s.scopeKeyLocked()); ok {
		s.records = recs
	}
}

func (s *Store) saveLocalLocked(ctx context.Context) {
	raw, err := json.Marshal(s.records)
	if err != nil {
		s.log.Error("Failed to encode scan history", "error", err)
		return
	}
	if err := s.local.Set(ctx, s.scopeKeyLocked(), raw); err != nil {
		s.log.Error("Failed to write local scan cache", "error", err)
	}
}

// capLocked sorts newest first and drops everything past the cap.
func (s *Store) capLocked(recs []models.ScanRecord) []models.ScanRecord {
	models.SortNewestFirst(recs)
	if len(recs) > s.cap {
		recs = recs[:s.cap]
	}
	if recs == nil {
		return []models.ScanRecord{}
	}
	return recs
}

func (s *Store) snapshotLocked() []models.ScanRecord {
	return cloneRecords(s.records)
}

func cloneRecords(recs []models.ScanRecord) []models.ScanRecord {
	out := make([]models.ScanRecord, len(recs))
	copy(out, recs)
	return out
}
