package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrSessionBusy    = errors.New("session: message already in flight for session")
	ErrSessionUnknown = errors.New("session: unknown session")
)

// Store owns every live session. A given session processes at most one
// message at a time: Acquire latches the session, Release frees it, and a
// concurrent Acquire for the same key fails rather than corrupting state.
// Distinct sessions proceed fully in parallel.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*entry
	timeout  time.Duration
}

type entry struct {
	session *Session
	busy    bool
}

// NewStore creates a store with the given inactivity timeout.
func NewStore(timeout time.Duration) *Store {
	return &Store{
		sessions: make(map[string]*entry),
		timeout:  timeout,
	}
}

func key(deviceID, sessionID string) string {
	return deviceID + "\x00" + sessionID
}

// Acquire returns the session for (deviceID, sessionID), creating it in
// Init when unknown or expired, and latches it for exclusive processing.
// The caller must Release the session when done with the message.
func (st *Store) Acquire(deviceID, sessionID string) (*Session, bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	k := key(deviceID, sessionID)
	e, ok := st.sessions[k]
	if ok && e.session.Expired(st.timeout, now) && !e.busy {
		// An expired session id is indistinguishable from an unknown one.
		delete(st.sessions, k)
		ok = false
	}
	if !ok {
		s := &Session{
			ID:           sessionID,
			DeviceID:     deviceID,
			State:        StateInit,
			CreatedAt:    now,
			LastActivity: now,
		}
		st.sessions[k] = &entry{session: s, busy: true}
		return s, true, nil
	}
	if e.busy {
		return nil, false, ErrSessionBusy
	}
	e.busy = true
	return e.session, false, nil
}

// Release frees the per-session latch. Terminal sessions are destroyed;
// the next message for that session id starts from scratch.
func (st *Store) Release(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()

	k := key(s.DeviceID, s.ID)
	e, ok := st.sessions[k]
	if !ok {
		return
	}
	e.busy = false
	if s.Terminal() {
		delete(st.sessions, k)
	}
}

// Remove drops a session regardless of state. No-op when unknown.
func (st *Store) Remove(deviceID, sessionID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, key(deviceID, sessionID))
}

// Len reports the number of live sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Summary is a read-only view of one session for inspection endpoints.
type Summary struct {
	SessionID     string     `json:"session_id"`
	DeviceID      string     `json:"device_id"`
	State         State      `json:"state"`
	Authenticated bool       `json:"authenticated"`
	InboundMsgID  int        `json:"inbound_msg_id"`
	OutboundMsgID int        `json:"outbound_msg_id"`
	Device        DeviceInfo `json:"device"`
	CreatedAt     time.Time  `json:"created_at"`
	LastActivity  time.Time  `json:"last_activity"`
}

// Snapshot returns summaries of all live sessions.
func (st *Store) Snapshot() []Summary {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]Summary, 0, len(st.sessions))
	for _, e := range st.sessions {
		s := e.session
		out = append(out, Summary{
			SessionID:     s.ID,
			DeviceID:      s.DeviceID,
			State:         s.State,
			Authenticated: s.Authenticated,
			InboundMsgID:  s.LastInboundMsgID,
			OutboundMsgID: s.OutboundMsgID,
			Device:        s.Device,
			CreatedAt:     s.CreatedAt,
			LastActivity:  s.LastActivity,
		})
	}
	return out
}

// sweep evicts idle-expired sessions and returns how many were dropped.
// Busy sessions are skipped; Release handles them once the in-flight
// message completes.
func (st *Store) sweep(now time.Time) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	evicted := 0
	for k, e := range st.sessions {
		if !e.busy && e.session.Expired(st.timeout, now) {
			delete(st.sessions, k)
			evicted++
		}
	}
	return evicted
}

// RunSweeper evicts expired sessions on the given interval until the
// context is canceled.
func (st *Store) RunSweeper(ctx context.Context, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := st.sweep(now); n > 0 {
				logger.Info().Int("evicted", n).Msg("session sweep")
			}
		}
	}
}
