// Package gatewaytest runs an in-process chat gateway for tests: a websocket
// endpoint speaking the gateway protocol and the REST routes the bot uses.
package gatewaytest

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"

	"github.com/omochice/dank/pkg/protocol"
)

// Options script the gateway's answers.
type Options struct {
	// HeartbeatInterval is announced in Hello. Defaults to 41250ms.
	HeartbeatInterval time.Duration
	// SessionID is returned in READY. Defaults to "session-1".
	SessionID string
	// InvalidIdentifies is the number of identify attempts rejected with an
	// invalid session before READY is sent.
	InvalidIdentifies int
	// InvalidResumes is the number of resume attempts rejected.
	InvalidResumes int
	// FragmentSize splits outgoing messages into frames of this size.
	FragmentSize int
	Logger       zerolog.Logger
}

// Received is a frame the gateway read from a client.
type Received struct {
	Op   protocol.OpCode
	Data json.RawMessage
}

// Server is a fake gateway listening on a loopback port.
type Server struct {
	opts     Options
	log      zerolog.Logger
	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	wg       sync.WaitGroup

	mu          sync.Mutex
	conn        *websocket.Conn
	writeMu     sync.Mutex
	received    []Received
	posted      []protocol.MessageCreate
	seq         int64
	identifies  int
	resumes     int
	connections int
	changed     chan struct{}
}

// New starts a Server on 127.0.0.1 with a random port.
func New(opts Options) (*Server, error) {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 41250 * time.Millisecond
	}
	if opts.SessionID == "" {
		opts.SessionID = "session-1"
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:     opts,
		log:      opts.Logger.With().Str("component", "gatewaytest").Logger(),
		listener: listener,
		changed:  make(chan struct{}),
	}
	if opts.FragmentSize > 0 {
		s.upgrader.WriteBufferSize = opts.FragmentSize
	}

	router := httprouter.New()
	router.GET("/gateway", s.handleWebSocket)
	router.GET("/api/gateway/bot", s.handleGateway)
	router.POST("/api/channels/:id/messages", s.handlePostMessage)
	s.server = &http.Server{Handler: router}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.server.Serve(listener)
	}()
	return s, nil
}

// Stop shuts the server down and closes any open websocket.
func (s *Server) Stop() {
	s.DropConnection()
	s.server.Shutdown(context.Background())
	s.wg.Wait()
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// APIBase is the REST base URL to configure clients with.
func (s *Server) APIBase() string {
	return "http://" + s.Addr() + "/api"
}

// GatewayURL is the socket URL returned by the REST API.
func (s *Server) GatewayURL() string {
	return "ws://" + s.Addr() + "/gateway"
}

// Dispatch sends an event with the next sequence number to the connected client.
func (s *Server) Dispatch(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()
	return s.Send(protocol.Frame{Op: protocol.OpDispatch, Sequence: &seq, Event: event, Data: data})
}

// Send writes a frame to the connected client.
func (s *Server) Send(f protocol.Frame) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no client connected")
	}
	return s.write(conn, f)
}

// DropConnection closes the client's socket without a close handshake.
func (s *Server) DropConnection() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.NetConn().Close()
	}
}

// Received returns every frame read from clients so far.
func (s *Server) Received() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Received(nil), s.received...)
}

// Posted returns the messages posted over REST.
func (s *Server) Posted() []protocol.MessageCreate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.MessageCreate(nil), s.posted...)
}

// Connections returns the number of websocket connections accepted.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

// WaitFor blocks until at least n frames with op have been received.
func (s *Server) WaitFor(ctx context.Context, op protocol.OpCode, n int) ([]Received, error) {
	for {
		s.mu.Lock()
		var match []Received
		for _, r := range s.received {
			if r.Op == op {
				match = append(match, r)
			}
		}
		changed := s.changed
		s.mu.Unlock()

		if len(match) >= n {
			return match, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return match, fmt.Errorf("waiting for %d %s frames: %w", n, op, ctx.Err())
		}
	}
}

// WaitForPost blocks until at least n messages have been posted.
func (s *Server) WaitForPost(ctx context.Context, n int) ([]protocol.MessageCreate, error) {
	for {
		s.mu.Lock()
		posted := append([]protocol.MessageCreate(nil), s.posted...)
		changed := s.changed
		s.mu.Unlock()

		if len(posted) >= n {
			return posted, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return posted, fmt.Errorf("waiting for %d posts: %w", n, ctx.Err())
		}
	}
}

func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(protocol.Gateway{URL: s.GatewayURL(), Shards: 1})
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if r.Header.Get("Authorization") == "" {
		http.Error(w, `{"message":"401: Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	msg := protocol.MessageCreate{
		ID:        strconv.Itoa(len(s.posted) + 1),
		ChannelID: ps.ByName("id"),
		Content:   r.PostForm.Get("content"),
		Author:    protocol.User{ID: "bot", Bot: true},
		Nonce:     r.PostForm.Get("nonce"),
	}
	s.posted = append(s.posted, msg)
	s.notifyLocked()
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(msg)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to upgrade")
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.conn = conn
	s.connections++
	s.mu.Unlock()

	hello, _ := json.Marshal(protocol.Hello{HeartbeatInterval: s.opts.HeartbeatInterval.Milliseconds()})
	if err := s.write(conn, protocol.Frame{Op: protocol.OpHello, Data: hello}); err != nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.log.Debug().Err(err).Msg("client connection ended")
			return
		}
		op, d, err := protocol.DecodeEnvelope(data)
		if err != nil {
			s.log.Warn().Err(err).Msg("undecodable frame")
			continue
		}
		if err := s.handleFrame(conn, op, d); err != nil {
			return
		}
	}
}

func (s *Server) handleFrame(conn *websocket.Conn, op protocol.OpCode, data json.RawMessage) error {
	s.mu.Lock()
	s.received = append(s.received, Received{Op: op, Data: data})
	s.notifyLocked()

	var reply protocol.Frame
	switch op {
	case protocol.OpIdentify:
		s.identifies++
		if s.identifies <= s.opts.InvalidIdentifies {
			reply = protocol.Frame{Op: protocol.OpInvalidSession, Data: json.RawMessage("false")}
			break
		}
		reply = s.dispatchLocked(protocol.EventReady, protocol.Ready{SessionID: s.opts.SessionID})
	case protocol.OpResume:
		s.resumes++
		if s.resumes <= s.opts.InvalidResumes {
			reply = protocol.Frame{Op: protocol.OpInvalidSession, Data: json.RawMessage("false")}
			break
		}
		reply = s.dispatchLocked(protocol.EventResumed, nil)
	case protocol.OpHeartbeat:
		reply = protocol.Frame{Op: protocol.OpHeartbeatAck}
	default:
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.write(conn, reply)
}

func (s *Server) dispatchLocked(event string, payload any) protocol.Frame {
	data, _ := json.Marshal(payload)
	s.seq++
	seq := s.seq
	return protocol.Frame{Op: protocol.OpDispatch, Sequence: &seq, Event: event, Data: data}
}

func (s *Server) write(conn *websocket.Conn, f protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.opts.FragmentSize <= 0 {
		return conn.WriteMessage(websocket.TextMessage, data)
	}
	w, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	for len(data) > 0 {
		n := min(s.opts.FragmentSize, len(data))
		if _, err := w.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return w.Close()
}

func (s *Server) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
