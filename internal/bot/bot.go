// Package bot connects the gateway client to the command responder and
// exposes the bot's status over HTTP.
package bot

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/omochice/dank/internal/commands"
	"github.com/omochice/dank/internal/eventbus"
	"github.com/omochice/dank/internal/gateway"
	"github.com/omochice/dank/pkg/protocol"
)

// Gateway is the part of gateway.Client the bot uses.
type Gateway interface {
	Events() eventbus.Stream[protocol.Frame]
	ChatMessages() eventbus.Stream[protocol.ChatMessage]
	Connect(ctx context.Context)
	PostMessage(ctx context.Context, channelID, content string) (protocol.MessageCreate, error)
	State() gateway.ConnectionState
	Session() gateway.SessionContext
}

// Bot answers chat commands received through the gateway.
type Bot struct {
	gw       Gateway
	commands *commands.Processor
	log      zerolog.Logger
	started  time.Time
}

// New creates a Bot answering through gw.
func New(gw Gateway, cmds *commands.Processor, log zerolog.Logger) *Bot {
	return &Bot{
		gw:       gw,
		commands: cmds,
		log:      log.With().Str("component", "bot").Logger(),
		started:  time.Now(),
	}
}

// Run subscribes to the gateway, connects it and handles messages until the
// streams end. It returns the streams' terminal error, nil on a normal stop.
func (b *Bot) Run(ctx context.Context) error {
	events := b.gw.Events().Subscribe()
	defer events.Close()
	chat := b.gw.ChatMessages().Subscribe()
	defer chat.Close()

	b.gw.Connect(ctx)

	var g errgroup.Group
	g.Go(func() error {
		for f := range events.C() {
			b.log.Debug().Stringer("op", f.Op).Str("event", f.Event).RawJSON("data", rawOrNull(f.Data)).Msg("RECEIVED")
		}
		return events.Err()
	})
	g.Go(func() error {
		for m := range chat.C() {
			b.handle(ctx, m)
		}
		return chat.Err()
	})
	return g.Wait()
}

func (b *Bot) handle(ctx context.Context, m protocol.ChatMessage) {
	reply, ok := b.commands.Process(m.Content)
	if !ok {
		return
	}
	if _, err := b.gw.PostMessage(ctx, m.ChannelID, reply); err != nil {
		b.log.Warn().Err(err).Str("channel_id", m.ChannelID).Msg("failed to post reply")
		return
	}
	b.log.Info().Str("channel_id", m.ChannelID).Str("author_id", m.AuthorID).Msg("replied to command")
}

type status struct {
	State     string  `json:"state"`
	SessionID string  `json:"session_id,omitempty"`
	Sequence  int64   `json:"seq"`
	Uptime    float64 `json:"uptime_seconds"`
}

// Handler serves GET / and GET /healthz. /healthz is 503 until a session is
// established.
func (b *Bot) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/", b.handleIndex)
	router.GET("/healthz", b.handleHealth)
	return router
}

func (b *Bot) handleIndex(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("Dank is running.\n"))
}

func (b *Bot) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	state := b.gw.State()
	session := b.gw.Session()

	w.Header().Set("Content-Type", "application/json")
	if state != gateway.ConnectedWithSession {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status{
		State:     state.String(),
		SessionID: session.SessionID,
		Sequence:  session.LastSequence,
		Uptime:    time.Since(b.started).Seconds(),
	})
}

func rawOrNull(data json.RawMessage) []byte {
	if len(data) == 0 {
		return []byte("null")
	}
	return data
}
