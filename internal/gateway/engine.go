package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/omochice/dank/internal/checkpoint"
	"github.com/omochice/dank/pkg/protocol"
)

// RetryDelay is multiplied by the retry count to get the backoff delay after
// an invalid session.
const RetryDelay = 5 * time.Second

// outcome is the gateway's answer to an identify or resume.
type outcome int

const (
	outcomeSession outcome = iota
	outcomeInvalidSession
	outcomeReconnect
)

// Engine is the connection state machine. It owns the socket during
// bootstrap and the session context for the lifetime of the client.
//
// EnsureConnected and the receive loop never run at the same time, so the
// engine is the only reader while it bootstraps.
type Engine struct {
	transport Transport
	submit    submitFunc
	resolver  AddressResolver
	store     SessionStore
	heartbeat *Heartbeat
	log       zerolog.Logger

	token    string
	identity Identity
	version  int

	// sleep waits out a backoff delay. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	seq sequence

	mu        sync.Mutex
	state     ConnectionState
	sessionID string
	interval  time.Duration
	retry     int

	// pending holds dispatches received as a resume answer. Only the loop
	// goroutine touches it.
	pending []protocol.Frame
}

func newEngine(opts Options, submit submitFunc, log zerolog.Logger) *Engine {
	e := &Engine{
		transport: opts.Transport,
		submit:    submit,
		resolver:  opts.API,
		store:     opts.Store,
		log:       log.With().Str("component", "engine").Logger(),
		token:     opts.Token,
		identity:  opts.Identity.withDefaults(),
		version:   opts.Version,
		sleep:     sleepContext,
	}
	e.heartbeat = newHeartbeat(submit, e.seq.last, log)
	return e
}

// State returns the current connection state.
func (e *Engine) State() ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Session returns a snapshot of the session context.
func (e *Engine) Session() SessionContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	return SessionContext{
		SessionID:         e.sessionID,
		LastSequence:      e.seq.load(),
		HeartbeatInterval: e.interval,
		RetryCount:        e.retry,
	}
}

// Observe records the sequence number of an inbound frame.
func (e *Engine) Observe(f protocol.Frame) {
	if f.Sequence != nil {
		e.seq.observe(*f.Sequence)
	}
}

// EnsureConnected drives the state machine until a session is established.
// Invalid sessions are retried with backoff; transport failures are returned.
func (e *Engine) EnsureConnected(ctx context.Context) error {
	e.heartbeat.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch state := e.State(); state {
		case Disconnected:
			if err := e.connect(ctx); err != nil {
				return err
			}
			e.setState(Connected)

		case Connected:
			out, err := e.identify(ctx)
			if err != nil {
				return err
			}
			switch out {
			case outcomeSession:
				e.setState(ConnectedWithSession)
			case outcomeInvalidSession:
				if err := e.backoff(ctx); err != nil {
					return err
				}
				e.setState(Disconnected)
			case outcomeReconnect:
				e.setState(Disconnected)
			}

		case DisconnectedWithSession:
			if e.Session().SessionID == "" {
				e.setState(Disconnected)
				continue
			}
			if err := e.connect(ctx); err != nil {
				return err
			}
			out, err := e.resume(ctx)
			if err != nil {
				return err
			}
			switch out {
			case outcomeSession:
				e.setState(ConnectedWithSession)
			case outcomeInvalidSession:
				if err := e.backoff(ctx); err != nil {
					return err
				}
				e.setState(Connected)
			case outcomeReconnect:
				e.setState(DisconnectedWithSession)
			}

		case ConnectedWithSession:
			e.heartbeat.Start(e.Session().HeartbeatInterval)
			e.saveCheckpoint()
			return nil

		default:
			return fmt.Errorf("gateway: invalid state %s", state)
		}
	}
}

// Force sets the state the next EnsureConnected starts from.
func (e *Engine) Force(state ConnectionState) {
	e.log.Debug().Stringer("state", state).Msg("state forced")
	e.setState(state)
}

// Shutdown stops the heartbeat, closes the socket and saves the session.
func (e *Engine) Shutdown() error {
	e.heartbeat.Stop()
	err := e.transport.Close()
	e.setState(Disconnected)
	e.pending = nil
	e.saveCheckpoint()
	return err
}

// Restore seeds the session from a checkpoint so the next bootstrap
// resumes instead of identifying.
func (e *Engine) Restore(s checkpoint.Session) {
	if s.SessionID == "" {
		return
	}
	e.seq.observe(s.Seq)
	e.mu.Lock()
	e.sessionID = s.SessionID
	e.state = DisconnectedWithSession
	e.mu.Unlock()
	e.log.Info().Str("session_id", s.SessionID).Int64("seq", s.Seq).Msg("restored session checkpoint")
}

// nextPending pops a dispatch kept from the last resume.
func (e *Engine) nextPending() (protocol.Frame, bool) {
	if len(e.pending) == 0 {
		return protocol.Frame{}, false
	}
	f := e.pending[0]
	e.pending = e.pending[1:]
	return f, true
}

// connect opens a socket to a freshly resolved gateway and reads Hello.
func (e *Engine) connect(ctx context.Context) error {
	base, err := e.resolver.GatewayAddress(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve gateway: %w", err)
	}
	address, err := protocol.GatewayURL(base, e.version)
	if err != nil {
		return err
	}

	e.log.Info().Str("address", address).Msg("connecting")
	if err := e.transport.Open(ctx, address); err != nil {
		return err
	}

	frame, err := e.receive(ctx)
	if err != nil {
		return err
	}
	if frame.Op != protocol.OpHello {
		return fmt.Errorf("%w: expected %s, got %s", ErrUnexpectedFrame, protocol.OpHello, frame.Op)
	}
	var hello protocol.Hello
	if err := frame.Decode(&hello); err != nil {
		return err
	}

	e.mu.Lock()
	e.interval = hello.Interval()
	e.mu.Unlock()
	e.log.Debug().Dur("heartbeat_interval", hello.Interval()).Msg("received hello")
	return nil
}

func (e *Engine) identify(ctx context.Context) (outcome, error) {
	if err := e.send(ctx, protocol.OpIdentify, e.identity.payload(e.token)); err != nil {
		return 0, err
	}

	frame, out, err := e.await(ctx)
	if err != nil || out != outcomeSession {
		return out, err
	}

	var ready protocol.Ready
	if err := frame.Decode(&ready); err != nil {
		return 0, err
	}
	if ready.SessionID == "" {
		return 0, fmt.Errorf("%w: %s dispatch without session id", ErrUnexpectedFrame, frame.Event)
	}

	e.mu.Lock()
	e.sessionID = ready.SessionID
	e.retry = 0
	e.mu.Unlock()
	e.log.Info().Str("session_id", ready.SessionID).Msg("identified")
	return outcomeSession, nil
}

func (e *Engine) resume(ctx context.Context) (outcome, error) {
	s := e.Session()
	payload := protocol.Resume{Token: e.token, SessionID: s.SessionID, Seq: s.LastSequence}
	if err := e.send(ctx, protocol.OpResume, payload); err != nil {
		return 0, err
	}

	frame, out, err := e.await(ctx)
	if err != nil || out != outcomeSession {
		return out, err
	}

	if frame.Event != protocol.EventResumed {
		e.pending = append(e.pending, frame)
	}

	e.mu.Lock()
	e.retry = 0
	e.mu.Unlock()
	e.log.Info().Str("session_id", s.SessionID).Int64("seq", s.LastSequence).Msg("resumed")
	return outcomeSession, nil
}

// await reads the gateway's answer to identify or resume. Heartbeat
// acknowledgements arriving in between are skipped.
func (e *Engine) await(ctx context.Context) (protocol.Frame, outcome, error) {
	for {
		frame, err := e.receive(ctx)
		if err != nil {
			return frame, 0, err
		}
		switch frame.Op {
		case protocol.OpDispatch:
			return frame, outcomeSession, nil
		case protocol.OpInvalidSession:
			e.log.Warn().Msg("gateway reported invalid session")
			return frame, outcomeInvalidSession, nil
		case protocol.OpReconnect:
			e.log.Info().Msg("gateway requested reconnect")
			return frame, outcomeReconnect, nil
		case protocol.OpHeartbeatAck:
			continue
		default:
			return frame, 0, fmt.Errorf("%w: %s", ErrUnexpectedFrame, frame.Op)
		}
	}
}

func (e *Engine) receive(ctx context.Context) (protocol.Frame, error) {
	data, err := e.transport.ReceiveOne(ctx)
	if err != nil {
		return protocol.Frame{}, err
	}
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		return protocol.Frame{}, fmt.Errorf("%w: %w", ErrUnexpectedFrame, err)
	}
	e.Observe(frame)
	return frame, nil
}

func (e *Engine) send(ctx context.Context, op protocol.OpCode, payload any) error {
	data, err := protocol.Envelope{Op: op, Payload: payload}.Encode()
	if err != nil {
		return err
	}
	if err := e.submit(ctx, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", op, err)
	}
	return nil
}

func (e *Engine) backoff(ctx context.Context) error {
	e.mu.Lock()
	e.retry++
	delay := RetryDelay * time.Duration(e.retry)
	retry := e.retry
	e.mu.Unlock()

	e.log.Info().Int("retry", retry).Dur("delay", delay).Msg("backing off")
	return e.sleep(ctx, delay)
}

func (e *Engine) setState(s ConnectionState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

func (e *Engine) saveCheckpoint() {
	if e.store == nil {
		return
	}
	s := e.Session()
	if s.SessionID == "" {
		return
	}
	err := e.store.Save(checkpoint.Session{
		SessionID: s.SessionID,
		Seq:       s.LastSequence,
		SavedAt:   time.Now(),
	})
	if err != nil {
		e.log.Warn().Err(err).Msg("failed to save session checkpoint")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
