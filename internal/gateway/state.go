package gateway

import (
	"fmt"
	"sync/atomic"
	"time"
)

// ConnectionState is the position of the engine in the bootstrap protocol.
type ConnectionState int

const (
	// Disconnected has no socket and no session; bootstrap identifies.
	Disconnected ConnectionState = iota
	// Connected has an open socket that has not identified yet.
	Connected
	// ConnectedWithSession is the steady state: a live socket and session.
	ConnectedWithSession
	// DisconnectedWithSession has lost its socket; bootstrap resumes.
	DisconnectedWithSession
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case ConnectedWithSession:
		return "connected_with_session"
	case DisconnectedWithSession:
		return "disconnected_with_session"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SessionContext is a snapshot of the engine's session bookkeeping.
type SessionContext struct {
	SessionID string
	// LastSequence is the highest sequence number seen; zero before any.
	LastSequence      int64
	HeartbeatInterval time.Duration
	RetryCount        int
}

// sequence tracks the highest sequence number observed. It is read by the
// heartbeat goroutine while the receive loop updates it.
type sequence struct {
	value atomic.Int64
	seen  atomic.Bool
}

// observe raises the tracked value to s if s is larger.
func (q *sequence) observe(s int64) {
	for {
		cur := q.value.Load()
		if q.seen.Load() && s <= cur {
			return
		}
		if q.value.CompareAndSwap(cur, s) {
			q.seen.Store(true)
			return
		}
	}
}

// last returns the highest value seen, or nil before any.
func (q *sequence) last() *int64 {
	if !q.seen.Load() {
		return nil
	}
	v := q.value.Load()
	return &v
}

func (q *sequence) load() int64 {
	return q.value.Load()
}
