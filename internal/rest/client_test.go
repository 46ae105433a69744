package rest_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/dank/internal/rest"
	"github.com/omochice/dank/internal/transport"
	"github.com/omochice/dank/pkg/protocol"
)

func TestClient_GatewayAddress(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/gateway/bot", r.URL.Path)
		assert.Equal(t, "Bot secret", r.Header.Get("Authorization"))
		assert.Equal(t, rest.UserAgent, r.Header.Get("User-Agent"))
		json.NewEncoder(w).Encode(protocol.Gateway{URL: "wss://gateway.example.gg", Shards: 1})
	}))
	defer server.Close()

	c := rest.New(server.URL+"/api/", "secret", zerolog.Nop())
	addr, err := c.GatewayAddress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wss://gateway.example.gg", addr)
}

func TestClient_GatewayAddressEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"shards":1}`))
	}))
	defer server.Close()

	_, err := rest.New(server.URL, "secret", zerolog.Nop()).GatewayAddress(context.Background())
	var terr *transport.Error
	require.ErrorAs(t, err, &terr)
}

func TestClient_PostMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/channels/C1/messages", r.URL.Path)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bot secret", r.Header.Get("Authorization"))
		assert.NoError(t, r.ParseForm())

		nonce := r.PostForm.Get("nonce")
		_, err := uuid.Parse(nonce)
		assert.NoError(t, err, "nonce must be a uuid")

		json.NewEncoder(w).Encode(protocol.MessageCreate{
			ID:        "M1",
			ChannelID: "C1",
			Content:   r.PostForm.Get("content"),
			Author:    protocol.User{ID: "B1", Bot: true},
			Nonce:     nonce,
		})
	}))
	defer server.Close()

	c := rest.New(server.URL+"/api", "secret", zerolog.Nop())
	msg, err := c.PostMessage(context.Background(), "C1", "Don't worry, **Dank** commands are coming soon!")
	require.NoError(t, err)
	assert.Equal(t, "M1", msg.ID)
	assert.Equal(t, "C1", msg.ChannelID)
	assert.Equal(t, "Don't worry, **Dank** commands are coming soon!", msg.Content)
	assert.True(t, msg.Author.Bot)
}

func TestClient_NonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Missing Access"}`, http.StatusForbidden)
	}))
	defer server.Close()

	c := rest.New(server.URL, "secret", zerolog.Nop())

	_, err := c.PostMessage(context.Background(), "C1", "hi")
	var terr *transport.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "POST /channels/C1/messages", terr.Op)

	var serr *rest.StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusForbidden, serr.StatusCode)
	assert.Contains(t, serr.Body, "Missing Access")

	_, err = c.GatewayAddress(context.Background())
	require.ErrorAs(t, err, &serr)
}

func TestClient_Unreachable(t *testing.T) {
	c := rest.New("http://127.0.0.1:1", "secret", zerolog.Nop())

	_, err := c.GatewayAddress(context.Background())
	var terr *transport.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "GET /gateway/bot", terr.Op)
}

func TestClient_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := rest.New(server.URL, "secret", zerolog.Nop()).PostMessage(ctx, "C1", "hi")
	require.ErrorIs(t, err, context.Canceled)
}
