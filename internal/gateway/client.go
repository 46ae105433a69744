// Package gateway maintains a session with a chat gateway: it bootstraps and
// resumes sessions, keeps them alive with heartbeats and republishes inbound
// frames to any number of subscribers.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/omochice/dank/internal/eventbus"
	"github.com/omochice/dank/internal/transport"
	"github.com/omochice/dank/pkg/protocol"
)

// Client is the gateway connection. Subscribe to Events or ChatMessages,
// then call Connect to start receiving.
type Client struct {
	engine    *Engine
	transport Transport
	writer    *transport.Serializer
	api       API
	log       zerolog.Logger

	events *eventbus.Bus[protocol.Frame]
	chat   *eventbus.Derived[protocol.Frame, protocol.ChatMessage]

	// beatFailed carries a failed scheduled heartbeat to the receive loop.
	beatFailed chan error

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Client. If a session store holds a recent checkpoint, the
// first Connect resumes that session.
func New(opts Options) (*Client, error) {
	if opts.Transport == nil {
		return nil, errors.New("gateway: transport is required")
	}
	if opts.API == nil {
		return nil, errors.New("gateway: api is required")
	}
	if opts.Version == 0 {
		opts.Version = DefaultVersion
	}

	log := opts.Logger.With().Str("component", "gateway").Logger()
	writer := transport.NewSerializer(opts.Transport, opts.WriteTimeout)
	events := eventbus.New[protocol.Frame]()

	c := &Client{
		engine:    newEngine(opts, writer.Submit, opts.Logger),
		transport: opts.Transport,
		writer:    writer,
		api:       opts.API,
		log:       log,
		events:    events,
		chat:      eventbus.Derive(events, humanMessages(opts.BotUserID)),

		beatFailed: make(chan error, 1),
	}
	c.engine.heartbeat.failed = c.heartbeatFailed

	if opts.Store != nil {
		s, ok, err := opts.Store.Load()
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("failed to load session checkpoint")
		case ok:
			c.engine.Restore(s)
		}
	}
	return c, nil
}

// Events returns the stream of every inbound frame.
func (c *Client) Events() eventbus.Stream[protocol.Frame] {
	return c.events
}

// ChatMessages returns the stream of messages written by humans.
func (c *Client) ChatMessages() eventbus.Stream[protocol.ChatMessage] {
	return c.chat
}

// State returns the engine's connection state.
func (c *Client) State() ConnectionState {
	return c.engine.State()
}

// Session returns a snapshot of the session context.
func (c *Client) Session() SessionContext {
	return c.engine.Session()
}

// Connect starts the receive loop. The loop stops when ctx ends, on
// Disconnect, or on a fatal error. Calling Connect again replaces the
// running loop.
func (c *Client) Connect(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done

	go func() {
		defer close(done)
		c.run(ctx)
	}()
}

// Disconnect stops the loop and the heartbeat and closes the socket. The
// streams complete normally.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked()
	if err := c.engine.Shutdown(); err != nil {
		return fmt.Errorf("failed to close gateway: %w", err)
	}
	return nil
}

// Close disconnects and releases the send serializer. The client cannot be
// used afterwards.
func (c *Client) Close() error {
	err := c.Disconnect()
	c.writer.Close()
	return err
}

// PostMessage posts content to a channel over the REST API. It does not
// depend on the socket.
func (c *Client) PostMessage(ctx context.Context, channelID, content string) (protocol.MessageCreate, error) {
	return c.api.PostMessage(ctx, channelID, content)
}

func (c *Client) stopLocked() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil
}

func (c *Client) run(ctx context.Context) {
	err := c.loop(ctx)
	c.stopHeartbeat()
	switch {
	case err == nil, ctx.Err() != nil:
		// The socket cannot be read again after a cancelled read, so the
		// next Connect has to resume on a fresh one.
		if s := c.engine.State(); s == Connected || s == ConnectedWithSession {
			c.engine.Force(DisconnectedWithSession)
		}
		c.log.Info().Msg("event stream completed")
		c.events.Complete()
	default:
		c.log.Error().Err(err).Msg("event stream failed")
		c.events.Fail(err)
	}
}

func (c *Client) loop(ctx context.Context) error {
	if err := c.engine.EnsureConnected(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		frame, ok := c.engine.nextPending()
		if !ok {
			data, err := c.receive(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if err := c.recover(ctx, err); err != nil {
					return err
				}
				continue
			}

			frame, err = protocol.DecodeFrame(data)
			if err != nil {
				c.log.Warn().Err(err).Msg("skipping malformed frame")
				continue
			}
			c.engine.Observe(frame)
		}

		c.log.Debug().Stringer("op", frame.Op).Str("event", frame.Event).Msg("received")
		c.events.Publish(ctx, frame)

		switch frame.Op {
		case protocol.OpHeartbeat:
			if err := c.engine.heartbeat.Beat(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if err := c.recover(ctx, err); err != nil {
					return err
				}
			}
		case protocol.OpInvalidSession:
			if err := c.reenter(ctx, Connected); err != nil {
				return err
			}
		case protocol.OpReconnect:
			if err := c.reenter(ctx, Disconnected); err != nil {
				return err
			}
		}
	}
}

// receive reads the next message. A failed scheduled heartbeat interrupts
// the read and is returned in its place.
func (c *Client) receive(ctx context.Context) ([]byte, error) {
	select {
	case err := <-c.beatFailed:
		return nil, err
	default:
	}

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var beatErr error
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		select {
		case beatErr = <-c.beatFailed:
			cancel()
		case <-readCtx.Done():
		}
	}()

	data, err := c.transport.ReceiveOne(readCtx)
	cancel()
	<-watched

	switch {
	case err == nil:
		if beatErr != nil {
			c.heartbeatFailed(beatErr)
		}
		return data, nil
	case beatErr != nil && ctx.Err() == nil:
		return nil, beatErr
	default:
		return nil, err
	}
}

func (c *Client) heartbeatFailed(err error) {
	select {
	case c.beatFailed <- err:
	default:
	}
}

// reenter restarts the state machine from state after a control frame. A
// failure is handled like a transport failure.
func (c *Client) reenter(ctx context.Context, state ConnectionState) error {
	c.stopHeartbeat()
	c.engine.Force(state)
	err := c.engine.EnsureConnected(ctx)
	if err == nil || ctx.Err() != nil {
		return nil
	}
	return c.recover(ctx, err)
}

// recover resumes the session after cause. If that fails too the error is
// fatal.
func (c *Client) recover(ctx context.Context, cause error) error {
	c.log.Warn().Err(cause).Msg("connection lost, resuming")
	c.stopHeartbeat()
	c.engine.Force(DisconnectedWithSession)
	if err := c.engine.EnsureConnected(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return &FatalError{Cause: cause, Recovery: err}
	}
	return nil
}

// stopHeartbeat stops the schedule and drops any failure it reported for the
// connection being replaced.
func (c *Client) stopHeartbeat() {
	c.engine.heartbeat.Stop()
	select {
	case <-c.beatFailed:
	default:
	}
}

// humanMessages keeps MESSAGE_CREATE dispatches not written by the bot
// itself or by any other bot.
func humanMessages(botUserID string) func(protocol.Frame) (protocol.ChatMessage, bool) {
	return func(f protocol.Frame) (protocol.ChatMessage, bool) {
		if f.Kind != protocol.DispatchCreateMessage {
			return protocol.ChatMessage{}, false
		}
		var m protocol.MessageCreate
		if err := f.Decode(&m); err != nil {
			return protocol.ChatMessage{}, false
		}
		msg := m.ChatMessage()
		if msg.AuthorIsBot || msg.AuthorID == botUserID {
			return protocol.ChatMessage{}, false
		}
		return msg, true
	}
}
