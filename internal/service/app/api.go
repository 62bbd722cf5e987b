package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"passkey_relay/internal/model"
)

// Client is the websocket carrier to the wallet relay.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

type frame struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

func Dial(ctx context.Context, host, sender string) (*Client, error) {
	params := url.Values{
		"sender": []string{sender},
	}

	u := url.URL{
		Scheme:   "ws",
		Host:     host,
		Path:     "/ws",
		RawQuery: params.Encode(),
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	return &Client{conn: conn}, nil
}

func (c *Client) Send(env *model.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

// Receive blocks for the next reply. Relay-side failures come back as errors.
func (c *Client) Receive() (*model.Envelope, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Error != "" {
		return nil, &RelayError{ID: f.ID, Message: f.Error}
	}

	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

type RelayError struct {
	ID      string
	Message string
}

func (e *RelayError) Error() string {
	if e.ID == "" {
		return "relay: " + e.Message
	}
	return "relay: " + e.ID + ": " + e.Message
}

func IsRelayError(err error) bool {
	var re *RelayError
	return errors.As(err, &re)
}
