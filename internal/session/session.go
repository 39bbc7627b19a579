package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/digkill/TGAvatarBot/internal/models"
	"github.com/digkill/TGAvatarBot/internal/provider"
)

// MaxPhotos bounds the photo buffer.
const MaxPhotos = 10

var ErrIllegalTransition = errors.New("illegal session transition")

// Session is the transient state of one user's conversation.
type Session struct {
	UserID int64
	State  State

	Mode     models.JobMode
	Photos   []provider.Image
	Style    string
	UseModel bool
	JobID    int64

	PackageID string
	Medium    string
	TxID      int64

	cancel context.CancelFunc
	op     uint64
}

func newSession(userID int64) *Session {
	return &Session{UserID: userID, State: Main}
}

// Transition moves the session to `to` if the table allows it.
func (s *Session) Transition(ev Event, to State) error {
	if !Allowed(s.State, ev, to) {
		return fmt.Errorf("%w: %s --%s--> %s", ErrIllegalTransition, s.State, ev, to)
	}
	from := s.State
	s.State = to
	switch {
	case to == Main:
		s.clear()
	case from == ChoosingMode && to.Uploading():
		s.Photos = nil
	}
	return nil
}

// Reset cancels any in-flight operation and returns to MAIN with every transient field cleared.
func (s *Session) Reset() {
	s.State = Main
	s.clear()
}

func (s *Session) clear() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.op++
	s.Mode = ""
	s.Photos = nil
	s.Style = ""
	s.UseModel = false
	s.JobID = 0
	s.PackageID = ""
	s.Medium = ""
	s.TxID = 0
}

// AddPhoto appends to the buffer and returns the new count. It reports false when the buffer is
// full.
func (s *Session) AddPhoto(img provider.Image) (int, bool) {
	if len(s.Photos) >= MaxPhotos {
		return len(s.Photos), false
	}
	s.Photos = append(s.Photos, img)
	return len(s.Photos), true
}

// Begin derives the context of a background operation. The returned token identifies the
// operation; it stops matching once the session is reset or another operation begins.
func (s *Session) Begin(parent context.Context) (context.Context, uint64) {
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.op++
	return ctx, s.op
}

// Owns reports whether token belongs to the current operation.
func (s *Session) Owns(token uint64) bool {
	return token != 0 && token == s.op
}

// End releases the operation's context when it still owns the session.
func (s *Session) End(token uint64) {
	if s.Owns(token) && s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

type entry struct {
	mu      sync.Mutex
	session *Session
}

// Store keeps one session per user. Acquire serializes access per user; different users never
// contend beyond the map lookup.
type Store struct {
	mu      sync.Mutex
	entries map[int64]*entry
}

func NewStore() *Store {
	return &Store{entries: make(map[int64]*entry)}
}

// Acquire locks the user's session, creating it in MAIN. Call release when done.
func (st *Store) Acquire(userID int64) (*Session, func()) {
	st.mu.Lock()
	e, ok := st.entries[userID]
	if !ok {
		e = &entry{session: newSession(userID)}
		st.entries[userID] = e
	}
	st.mu.Unlock()

	e.mu.Lock()
	return e.session, e.mu.Unlock
}

// Snapshot returns a copy of the user's state, for inspection.
func (st *Store) Snapshot(userID int64) (State, int) {
	sess, release := st.Acquire(userID)
	defer release()
	return sess.State, len(sess.Photos)
}
