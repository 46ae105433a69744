package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/omochice/dank/pkg/protocol"
)

// submitFunc hands a serialized frame to the send serializer.
type submitFunc func(ctx context.Context, data []byte) error

// Heartbeat sends a heartbeat frame carrying the last sequence number at a
// fixed interval while a session is active.
type Heartbeat struct {
	submit submitFunc
	seq    func() *int64
	log    zerolog.Logger

	// newTicker is replaced in tests to drive ticks by hand.
	newTicker func(d time.Duration) (<-chan time.Time, func())

	// failed receives the error of a scheduled beat that could not be sent.
	failed func(err error)

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	interval time.Duration
}

func newHeartbeat(submit submitFunc, seq func() *int64, log zerolog.Logger) *Heartbeat {
	return &Heartbeat{
		submit: submit,
		seq:    seq,
		log:    log.With().Str("component", "heartbeat").Logger(),
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
}

// Start begins beating every interval, replacing any running schedule. The
// schedule ends after the first beat that cannot be sent.
func (h *Heartbeat) Start(interval time.Duration) {
	h.Stop()
	if interval <= 0 {
		h.log.Warn().Msg("no heartbeat interval known, not starting")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ticks, stop := h.newTicker(interval)

	h.cancel = cancel
	h.done = done
	h.interval = interval

	go func() {
		defer close(done)
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticks:
				if err := h.Beat(ctx); err != nil && ctx.Err() == nil {
					h.log.Warn().Err(err).Msg("heartbeat failed")
					if h.failed != nil {
						h.failed(err)
					}
					return
				}
			}
		}
	}()
	h.log.Debug().Dur("interval", interval).Msg("heartbeat started")
}

// Stop halts the schedule and returns once no heartbeat write is in flight.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
	h.done = nil
	h.interval = 0
	h.log.Debug().Msg("heartbeat stopped")
}

// Running reports whether a schedule is active.
func (h *Heartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancel != nil
}

// Interval returns the interval of the running schedule, or zero.
func (h *Heartbeat) Interval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interval
}

// Beat sends one heartbeat immediately.
func (h *Heartbeat) Beat(ctx context.Context) error {
	data, err := protocol.Envelope{Op: protocol.OpHeartbeat, Payload: h.seq()}.Encode()
	if err != nil {
		return err
	}
	return h.submit(ctx, data)
}
