package protocol

import "time"

// Hello is the first frame a gateway sends after the socket opens.
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// Interval returns the heartbeat interval as a duration.
func (h Hello) Interval() time.Duration {
	return time.Duration(h.HeartbeatInterval) * time.Millisecond
}

// Identify starts a new session.
type Identify struct {
	Token      string             `json:"token"`
	Properties IdentifyProperties `json:"properties"`
	Presence   Presence           `json:"presence"`
}

// IdentifyProperties describes the connecting client.
type IdentifyProperties struct {
	OS      string `json:"$os"`
	Browser string `json:"$browser"`
	Device  string `json:"$device"`
}

// Presence is the status the bot announces on identify.
type Presence struct {
	Since  *int64 `json:"since"`
	Game   *Game  `json:"game"`
	Status string `json:"status"`
	AFK    bool   `json:"afk"`
}

// Game is the activity shown in the bot's presence.
type Game struct {
	Name string `json:"name"`
	Type int    `json:"type"`
}

// Resume continues an existing session from the given sequence number.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// Ready is the dispatch payload acknowledging a successful identify.
type Ready struct {
	SessionID string `json:"session_id"`
}

// User is the author of a message.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Bot      bool   `json:"bot,omitempty"`
}

// MessageCreate is the payload of a MESSAGE_CREATE dispatch. The REST API
// returns the same shape when a message is posted.
type MessageCreate struct {
	ID        string `json:"id,omitempty"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	Author    User   `json:"author"`
	Nonce     string `json:"nonce,omitempty"`
}

// ChatMessage is a chat message extracted from a MESSAGE_CREATE dispatch.
type ChatMessage struct {
	ChannelID   string
	Content     string
	AuthorID    string
	AuthorIsBot bool
}

// ChatMessage converts the payload into its derived form.
func (m MessageCreate) ChatMessage() ChatMessage {
	return ChatMessage{
		ChannelID:   m.ChannelID,
		Content:     m.Content,
		AuthorID:    m.Author.ID,
		AuthorIsBot: m.Author.Bot,
	}
}

// Gateway is the response of the bootstrap REST endpoint.
type Gateway struct {
	URL    string `json:"url"`
	Shards int    `json:"shards"`
}
