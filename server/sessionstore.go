/******************************************************************************
 *
 *  Description :
 *
 *  Management of live sessions: creation with a unique connection id,
 *  lookup, and store-wide shutdown.
 *
 *****************************************************************************/

package main

import (
	"encoding/base64"
	"encoding/binary"
	"sync"

	"github.com/gorilla/websocket"
	sf "github.com/tinode/snowflake"
	"golang.org/x/time/rate"

	"github.com/topicsync/topicsync/server/logs"
)

// SessionStore holds live sessions indexed by session ID.
type SessionStore struct {
	lock sync.Mutex

	// All sessions indexed by session ID.
	sessCache map[string]*Session

	seq *sf.SnowFlake
}

// NewSessionStore initializes a session store. workerID distinguishes
// processes sharing an id space.
func NewSessionStore(workerID uint) (*SessionStore, error) {
	seq, err := sf.NewSnowFlake(uint32(workerID))
	if err != nil {
		return nil, err
	}
	return &SessionStore{
		sessCache: make(map[string]*Session),
		seq:       seq,
	}, nil
}

// nextSid generates a unique session id as an unpadded base64 string.
func (ss *SessionStore) nextSid() string {
	id, err := ss.seq.Next()
	if err != nil {
		logs.Err.Println("sessionstore: id generation failed:", err)
		return ""
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, id)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// NewSession creates a new session and saves it to the session store.
func (ss *SessionStore) NewSession(conn any) (*Session, int) {
	var s Session

	switch c := conn.(type) {
	case *websocket.Conn:
		s.proto = WEBSOCK
		s.ws = c
	default:
		s.proto = NONE
	}

	if s.proto != NONE {
		s.subs = make(map[string]*Subscription)
		s.send = make(chan any, 256)
		s.stop = make(chan any, 1)
	}
	if globals.rateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(globals.rateLimit), globals.rateLimitBurst)
	}

	s.sid = ss.nextSid()

	ss.lock.Lock()
	ss.sessCache[s.sid] = &s
	count := len(ss.sessCache)
	ss.lock.Unlock()

	return &s, count
}

// Get fetches a session from the store by session ID.
func (ss *SessionStore) Get(sid string) *Session {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	return ss.sessCache[sid]
}

// Delete removes a session from the store.
func (ss *SessionStore) Delete(s *Session) int {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	delete(ss.sessCache, s.sid)
	return len(ss.sessCache)
}

// Shutdown terminates all sessions in the store.
func (ss *SessionStore) Shutdown() {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	for _, s := range ss.sessCache {
		if s.stop != nil {
			select {
			case s.stop <- nil:
			default:
			}
		}
	}

	logs.Info.Printf("SessionStore shut down, sessions terminated: %d", len(ss.sessCache))
}
