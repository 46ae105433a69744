package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/omochice/dank/internal/checkpoint"
	"github.com/omochice/dank/pkg/protocol"
)

// Transport is the socket the engine speaks the gateway protocol over.
// ReceiveOne returns one complete text message.
type Transport interface {
	Open(ctx context.Context, address string) error
	ReceiveOne(ctx context.Context) ([]byte, error)
	SendOne(ctx context.Context, data []byte) error
	Close() error
}

// AddressResolver finds the base URL of the gateway.
type AddressResolver interface {
	GatewayAddress(ctx context.Context) (string, error)
}

// API is the request/response side of the service.
type API interface {
	AddressResolver
	PostMessage(ctx context.Context, channelID, content string) (protocol.MessageCreate, error)
}

// SessionStore persists the session between process runs.
type SessionStore interface {
	Load() (checkpoint.Session, bool, error)
	Save(s checkpoint.Session) error
}

// Identity is the client metadata and presence sent on identify.
type Identity struct {
	OS      string
	Browser string
	Device  string
	Game    string
	Status  string
}

// Identity values used for empty Identity fields.
const (
	DefaultOS      = "windows"
	DefaultBrowser = "dank"
	DefaultDevice  = "dank"
	DefaultGame    = "The Elder Scrolls Online"
	DefaultStatus  = "online"
)

func (i Identity) withDefaults() Identity {
	if i.OS == "" {
		i.OS = DefaultOS
	}
	if i.Browser == "" {
		i.Browser = DefaultBrowser
	}
	if i.Device == "" {
		i.Device = DefaultDevice
	}
	if i.Game == "" {
		i.Game = DefaultGame
	}
	if i.Status == "" {
		i.Status = DefaultStatus
	}
	return i
}

func (i Identity) payload(token string) protocol.Identify {
	return protocol.Identify{
		Token: token,
		Properties: protocol.IdentifyProperties{
			OS:      i.OS,
			Browser: i.Browser,
			Device:  i.Device,
		},
		Presence: protocol.Presence{
			Game:   &protocol.Game{Name: i.Game},
			Status: i.Status,
		},
	}
}

// Options configures a Client.
type Options struct {
	Token string
	// BotUserID is excluded from the chat message stream.
	BotUserID string
	// Version is the gateway protocol version. Defaults to 6.
	Version int
	// WriteTimeout bounds each socket write.
	WriteTimeout time.Duration
	Identity     Identity

	Transport Transport
	API       API
	// Store is optional; without it sessions do not survive a restart.
	Store  SessionStore
	Logger zerolog.Logger
}

// DefaultVersion is the gateway protocol version used when none is set.
const DefaultVersion = 6
