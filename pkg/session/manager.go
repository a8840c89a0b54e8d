package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oncodetect/oncoview/pkg/storage"
)

// ErrInvalidID is returned for session ids that are not UUIDs.
var ErrInvalidID = errors.New("invalid session id")

const saveTimeout = 3 * time.Second

// imageSuffix names the record holding a session's selected image. The image
// is written only when the selection changes; the state record carries the
// rest of the view state and is rewritten on every change.
const imageSuffix = "_image"

// storedImage is the persisted form of a selection's bytes and preview.
type storedImage struct {
	Selection uint64 `json:"selection"`
	Data      []byte `json:"data"`
	Preview   string `json:"preview,omitempty"`
}

type entry struct {
	ctrl     *Controller
	lastUsed time.Time

	// syncMu orders store writes and reloads for one session.
	syncMu sync.Mutex
	// synced is the revision last written to or read from the store; loaded
	// reports whether there has been one.
	synced uint64
	loaded bool
	// imageSelection is the selection generation whose image is in the store,
	// imagePreview whether its preview was stored with it.
	imageSelection uint64
	imagePreview   bool
}

// Manager keeps one Controller per browser session and persists every state
// change to a storage.Store so sessions survive restarts and can be shared
// between instances. Each Get reloads the stored state when another instance
// has changed it; only the in-flight submit guard stays local.
type Manager struct {
	svc          Service
	store        storage.Store
	historyLimit int
	logger       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
	observe  func(active int)
}

// NewManager creates a manager. A nil store keeps sessions in memory only.
func NewManager(svc Service, store storage.Store, historyLimit int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		svc:          svc,
		store:        store,
		historyLimit: historyLimit,
		logger:       logger,
		sessions:     make(map[string]*entry),
	}
}

// ObserveActive registers a callback receiving the number of live controllers
// whenever it changes.
func (m *Manager) ObserveActive(fn func(active int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observe = fn
}

// NewID returns a fresh session id.
func (m *Manager) NewID() string {
	return uuid.NewString()
}

// Get returns the controller for id, bringing it up to date with the store.
// The second return value reports whether the session was newly created. A
// store failure is logged and the local state keeps serving.
func (m *Manager) Get(ctx context.Context, id string) (*Controller, bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	m.mu.Lock()
	e, existed := m.sessions[id]
	if !existed {
		e = &entry{ctrl: NewController(m.svc, m.historyLimit, m.logger.With("session", id))}
		if m.store != nil {
			e.ctrl.OnChange(func(s ViewState) { m.save(id, e, s) })
		}
		m.sessions[id] = e
		m.notifyActiveLocked()
	}
	e.lastUsed = time.Now()
	m.mu.Unlock()

	if m.store == nil {
		return e.ctrl, !existed, nil
	}
	found := m.sync(ctx, id, e)
	return e.ctrl, !existed && !found, nil
}

// sync restores the stored state into the controller when the store holds a
// revision this instance has not written or read. It reports whether a stored
// record exists.
func (m *Manager) sync(ctx context.Context, id string, e *entry) bool {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	rec, found, err := m.store.Get(ctx, id)
	if err != nil {
		m.logger.Error("failed to load session, keeping local state", "session", id, "error", err)
		return false
	}
	if !found {
		return false
	}

	var s ViewState
	if err := json.Unmarshal(rec.Data, &s); err != nil {
		m.logger.Warn("discarding unreadable session", "session", id, "error", err)
		return false
	}
	if e.loaded && s.Revision == e.synced {
		return true
	}

	if s.Selected != nil {
		local := e.ctrl.State()
		switch {
		case local.Selected != nil && local.Selection == s.Selection:
			s.Selected.Data = local.Selected.Data
			s.Preview = local.Preview
		case !m.loadImage(ctx, id, &s):
			m.logger.Warn("selected image missing from store, clearing selection", "session", id)
			s = Reset(s)
		}
	}

	e.ctrl.Restore(s)
	e.synced, e.loaded = s.Revision, true
	if s.Selected != nil {
		e.imageSelection, e.imagePreview = s.Selection, s.Preview != ""
	}
	return true
}

func (m *Manager) loadImage(ctx context.Context, id string, s *ViewState) bool {
	rec, found, err := m.store.Get(ctx, id+imageSuffix)
	if err != nil {
		m.logger.Error("failed to load selected image", "session", id, "error", err)
		return false
	}
	if !found {
		return false
	}
	var img storedImage
	if err := json.Unmarshal(rec.Data, &img); err != nil || img.Selection != s.Selection {
		return false
	}
	selected := *s.Selected
	selected.Data = img.Data
	s.Selected = &selected
	s.Preview = img.Preview
	return true
}

// Drop forgets the controller for id and deletes its persisted state.
func (m *Manager) Drop(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.notifyActiveLocked()
	m.mu.Unlock()

	if m.store == nil {
		return nil
	}
	if err := m.store.Delete(ctx, id+imageSuffix); err != nil {
		return err
	}
	return m.store.Delete(ctx, id)
}

// Len returns the number of live controllers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep releases controllers unused for longer than maxIdle. Their persisted
// state stays in the store and is restored on next use.
func (m *Manager) Sweep(maxIdle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for id, e := range m.sessions {
		if e.lastUsed.Before(cutoff) && !e.ctrl.inFlight.Load() {
			delete(m.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		m.notifyActiveLocked()
	}
	return removed
}

// Run sweeps idle controllers every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(maxIdle); n > 0 {
				m.logger.Debug("released idle sessions", "count", n)
			}
		}
	}
}

// save writes s unless a later revision has already been written. The image
// record is written first, and only when the selection changed.
func (m *Manager) save(id string, e *entry, s ViewState) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	if e.loaded && s.Revision <= e.synced {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	if s.Selected != nil && (s.Selection != e.imageSelection || (s.Preview != "" && !e.imagePreview)) {
		data, err := json.Marshal(storedImage{Selection: s.Selection, Data: s.Selected.Data, Preview: s.Preview})
		if err != nil {
			m.logger.Error("failed to encode selected image", "session", id, "error", err)
			return
		}
		if err := m.store.Put(ctx, storage.Record{ID: id + imageSuffix, Data: data}); err != nil {
			m.logger.Error("failed to save selected image", "session", id, "error", err)
			return
		}
		e.imageSelection, e.imagePreview = s.Selection, s.Preview != ""
	}

	data, err := json.Marshal(withoutImage(s))
	if err != nil {
		m.logger.Error("failed to encode session", "session", id, "error", err)
		return
	}
	if err := m.store.Put(ctx, storage.Record{ID: id, Data: data}); err != nil {
		m.logger.Error("failed to save session", "session", id, "error", err)
		return
	}
	e.synced, e.loaded = s.Revision, true
}

// withoutImage strips the image bytes and preview, which live in the image record.
func withoutImage(s ViewState) ViewState {
	if s.Selected != nil {
		selected := *s.Selected
		selected.Data = nil
		s.Selected = &selected
	}
	s.Preview = ""
	return s
}

func (m *Manager) notifyActiveLocked() {
	if m.observe != nil {
		m.observe(len(m.sessions))
	}
}
