package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/omochice/dank/internal/checkpoint"
	"github.com/omochice/dank/internal/eventbus"
	"github.com/omochice/dank/pkg/protocol"
)

type inbound struct {
	data []byte
	err  error
}

type sentFrame struct {
	Op   protocol.OpCode
	Data json.RawMessage
}

// fakeGateway is an in-memory Transport that answers like a gateway.
// Identify and resume are answered from the reply queues, falling back to a
// successful READY or RESUMED dispatch.
type fakeGateway struct {
	t *testing.T

	mu              sync.Mutex
	inbound         chan inbound
	sent            []sentFrame
	opens           []string
	closes          int
	seq             int64
	interval        int64
	sessionID       string
	identifyReplies []protocol.Frame
	resumeReplies   []protocol.Frame
	openErr         error
	sendErrs        map[protocol.OpCode]error
	hello           *protocol.Frame
	notify          chan struct{}
}

func newFakeGateway(t *testing.T) *fakeGateway {
	return &fakeGateway{
		t:         t,
		inbound:   make(chan inbound, 64),
		interval:  41250,
		sessionID: "session-1",
		notify:    make(chan struct{}, 1),
	}
}

func (g *fakeGateway) Open(ctx context.Context, address string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.opens = append(g.opens, address)
	if g.openErr != nil {
		return g.openErr
	}
	for len(g.inbound) > 0 {
		<-g.inbound
	}
	hello := protocol.Frame{Op: protocol.OpHello, Data: g.marshal(protocol.Hello{HeartbeatInterval: g.interval})}
	if g.hello != nil {
		hello = *g.hello
	}
	g.pushLocked(hello)
	return nil
}

func (g *fakeGateway) ReceiveOne(ctx context.Context) ([]byte, error) {
	select {
	case in := <-g.inbound:
		return in.data, in.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *fakeGateway) SendOne(ctx context.Context, data []byte) error {
	op, d, err := protocol.DecodeEnvelope(data)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err, ok := g.sendErrs[op]; ok {
		delete(g.sendErrs, op)
		return err
	}

	g.sent = append(g.sent, sentFrame{Op: op, Data: d})
	select {
	case g.notify <- struct{}{}:
	default:
	}

	switch op {
	case protocol.OpIdentify:
		if len(g.identifyReplies) > 0 {
			g.pushLocked(g.identifyReplies[0])
			g.identifyReplies = g.identifyReplies[1:]
			return nil
		}
		g.pushLocked(g.dispatchLocked(protocol.EventReady, protocol.Ready{SessionID: g.sessionID}))
	case protocol.OpResume:
		if len(g.resumeReplies) > 0 {
			g.pushLocked(g.resumeReplies[0])
			g.resumeReplies = g.resumeReplies[1:]
			return nil
		}
		g.pushLocked(g.dispatchLocked(protocol.EventResumed, nil))
	}
	return nil
}

func (g *fakeGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closes++
	return nil
}

// Push queues a frame for the client to read.
func (g *fakeGateway) Push(f protocol.Frame) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushLocked(f)
}

// Dispatch queues a dispatch with the next sequence number.
func (g *fakeGateway) Dispatch(event string, payload any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushLocked(g.dispatchLocked(event, payload))
}

// Fail makes the next read return err.
func (g *fakeGateway) Fail(err error) {
	g.inbound <- inbound{err: err}
}

// FailSend makes the next write of an op frame return err.
func (g *fakeGateway) FailSend(op protocol.OpCode, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErrs == nil {
		g.sendErrs = make(map[protocol.OpCode]error)
	}
	g.sendErrs[op] = err
}

func (g *fakeGateway) SetOpenErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.openErr = err
}

func (g *fakeGateway) Sent() []sentFrame {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sentFrame(nil), g.sent...)
}

func (g *fakeGateway) SentOps() []protocol.OpCode {
	var ops []protocol.OpCode
	for _, f := range g.Sent() {
		ops = append(ops, f.Op)
	}
	return ops
}

func (g *fakeGateway) Opens() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.opens)
}

func (g *fakeGateway) Closes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closes
}

// WaitSent waits until n frames with op have been sent and returns them.
func (g *fakeGateway) WaitSent(op protocol.OpCode, n int) []sentFrame {
	g.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		var match []sentFrame
		for _, f := range g.Sent() {
			if f.Op == op {
				match = append(match, f)
			}
		}
		if len(match) >= n {
			return match
		}
		select {
		case <-g.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			g.t.Fatalf("timed out waiting for %d %s frames, sent %v", n, op, g.SentOps())
			return nil
		}
	}
}

func (g *fakeGateway) dispatchLocked(event string, payload any) protocol.Frame {
	g.seq++
	seq := g.seq
	return protocol.Frame{Op: protocol.OpDispatch, Sequence: &seq, Event: event, Data: g.marshal(payload)}
}

func (g *fakeGateway) pushLocked(f protocol.Frame) {
	data, err := f.Encode()
	if err != nil {
		g.t.Errorf("failed to encode frame: %v", err)
		return
	}
	g.inbound <- inbound{data: data}
}

func (g *fakeGateway) marshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		g.t.Errorf("failed to marshal payload: %v", err)
	}
	return data
}

func invalidSession() protocol.Frame {
	return protocol.Frame{Op: protocol.OpInvalidSession, Data: json.RawMessage("false")}
}

type fakeAPI struct {
	mu      sync.Mutex
	address string
	posted  []protocol.MessageCreate
	err     error
}

func (a *fakeAPI) GatewayAddress(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	return a.address, nil
}

func (a *fakeAPI) PostMessage(ctx context.Context, channelID, content string) (protocol.MessageCreate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	msg := protocol.MessageCreate{ID: "M1", ChannelID: channelID, Content: content, Author: protocol.User{ID: "B1", Bot: true}}
	a.posted = append(a.posted, msg)
	return msg, nil
}

type memoryStore struct {
	mu      sync.Mutex
	session checkpoint.Session
	ok      bool
	saves   int
}

func (m *memoryStore) Load() (checkpoint.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session, m.ok, nil
}

func (m *memoryStore) Save(s checkpoint.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session, m.ok = s, true
	m.saves++
	return nil
}

func (m *memoryStore) Saved() checkpoint.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// sleepRecorder replaces real backoff waits.
type sleepRecorder struct {
	mu      sync.Mutex
	delays  []time.Duration
	retries []int
	engine  *Engine
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	if r.engine != nil {
		r.retries = append(r.retries, r.engine.Session().RetryCount)
	}
	return ctx.Err()
}

func (r *sleepRecorder) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func (r *sleepRecorder) Retries() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.retries...)
}

type fixture struct {
	gw     *fakeGateway
	api    *fakeAPI
	store  *memoryStore
	sleeps *sleepRecorder
	client *Client
}

func newFixture(t *testing.T, setup func(*fakeGateway, *memoryStore)) *fixture {
	t.Helper()
	f := &fixture{
		gw:     newFakeGateway(t),
		api:    &fakeAPI{address: "wss://gateway.test"},
		store:  &memoryStore{},
		sleeps: &sleepRecorder{},
	}
	if setup != nil {
		setup(f.gw, f.store)
	}

	c, err := New(Options{
		Token:     "secret",
		BotUserID: "B1",
		Transport: f.gw,
		API:       f.api,
		Store:     f.store,
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.sleeps.engine = c.engine
	c.engine.sleep = f.sleeps.sleep
	f.client = c
	t.Cleanup(func() { c.Close() })
	return f
}

// drain collects everything delivered on sub.
func drain[T any](sub *eventbus.Subscription[T]) (<-chan T, <-chan struct{}) {
	out := make(chan T, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for v := range sub.C() {
			out <- v
		}
	}()
	return out, done
}

func next[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
		var zero T
		return zero
	}
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end")
	}
}

var errBrokenPipe = errors.New("broken pipe")
