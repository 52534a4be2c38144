// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package osm is a client for the messaging and user parts of the
// OpenStreetMap API.
package osm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.astrophena.name/osmwelcome/internal/request"
)

// DefaultBaseURL is the production OpenStreetMap API.
const DefaultBaseURL = "https://api.openstreetmap.org"

// ErrInvalidBodyFormat is returned for message body formats the API doesn't
// accept.
var ErrInvalidBodyFormat = errors.New("osm: invalid body format")

// ErrToken is returned when no access token could be obtained for a request.
// No request is sent in that case.
var ErrToken = errors.New("osm: no access token")

// BodyFormat is the markup a message body is written in.
type BodyFormat string

// Body formats accepted by the API.
const (
	Text     BodyFormat = "text"
	Markdown BodyFormat = "markdown"
	HTML     BodyFormat = "html"
)

// ParseBodyFormat validates s as a [BodyFormat].
func ParseBodyFormat(s string) (BodyFormat, error) {
	switch f := BodyFormat(s); f {
	case Text, Markdown, HTML:
		return f, nil
	}
	return "", fmt.Errorf("%w %q, want one of text, markdown or html", ErrInvalidBodyFormat, s)
}

// TokenSource supplies access tokens.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Config configures a [Client].
type Config struct {
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string
	// HTTPClient defaults to request.DefaultClient.
	HTTPClient *http.Client
	// Tokens authorizes every request. Required.
	Tokens TokenSource
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Client talks to the OpenStreetMap API on behalf of a user.
type Client struct {
	baseURL string
	httpc   *http.Client
	tokens  TokenSource
	slog    *slog.Logger
}

// New returns a new Client.
func New(c Config) *Client {
	cl := &Client{
		baseURL: strings.TrimSuffix(c.BaseURL, "/"),
		httpc:   c.HTTPClient,
		tokens:  c.Tokens,
		slog:    c.Logger,
	}
	if cl.baseURL == "" {
		cl.baseURL = DefaultBaseURL
	}
	if cl.slog == nil {
		cl.slog = slog.Default()
	}
	return cl
}

// NewMessage is a message to be sent.
type NewMessage struct {
	Recipient  string     `json:"recipient"`
	Title      string     `json:"title"`
	Body       string     `json:"body"`
	BodyFormat BodyFormat `json:"body_format"`
}

// MessageSummary is a message as listed in a mailbox.
type MessageSummary struct {
	ID              int64     `json:"id"`
	FromUserID      int64     `json:"from_user_id"`
	FromDisplayName string    `json:"from_display_name"`
	ToUserID        int64     `json:"to_user_id"`
	ToDisplayName   string    `json:"to_display_name"`
	Title           string    `json:"title"`
	SentOn          time.Time `json:"sent_on"`
	MessageRead     bool      `json:"message_read"`
	Deleted         bool      `json:"deleted"`
}

// Message is a message with its body.
type Message struct {
	MessageSummary
	BodyFormat BodyFormat `json:"body_format"`
	Body       string     `json:"body"`
}

// User is an OpenStreetMap account.
type User struct {
	ID             int64     `json:"id"`
	DisplayName    string    `json:"display_name"`
	AccountCreated time.Time `json:"account_created"`
	Description    string    `json:"description"`
	Messages       struct {
		Received struct {
			Count  int `json:"count"`
			Unread int `json:"unread"`
		} `json:"received"`
		Sent struct {
			Count int `json:"count"`
		} `json:"sent"`
	} `json:"messages"`
}

// SendMessage sends a message to the user with the recipient display name.
func (c *Client) SendMessage(ctx context.Context, recipient, title, body string, format BodyFormat) (*Message, error) {
	if _, err := ParseBodyFormat(string(format)); err != nil {
		return nil, err
	}
	resp, err := call[struct {
		Message *Message `json:"message"`
	}](ctx, c, http.MethodPost, "/api/0.6/user/messages.json", &NewMessage{
		Recipient:  recipient,
		Title:      title,
		Body:       body,
		BodyFormat: format,
	})
	if err != nil {
		var serr *request.StatusError
		if errors.As(err, &serr) {
			c.slog.Warn("sending message failed", "recipient", recipient, "status", serr.StatusCode, "body", string(serr.Body))
		}
		return nil, fmt.Errorf("sending message to %q: %w", recipient, err)
	}
	if resp.Message == nil {
		return nil, fmt.Errorf("sending message to %q: response has no message", recipient)
	}
	c.slog.Debug("message sent", "recipient", recipient, "id", resp.Message.ID)
	return resp.Message, nil
}

// Inbox lists the messages received by the authorized user.
func (c *Client) Inbox(ctx context.Context) ([]MessageSummary, error) {
	resp, err := call[struct {
		Messages []MessageSummary `json:"messages"`
	}](ctx, c, http.MethodGet, "/api/0.6/user/messages/inbox.json", nil)
	if err != nil {
		return nil, fmt.Errorf("listing inbox: %w", err)
	}
	return resp.Messages, nil
}

// Message returns the message with the id, if the authorized user sent or
// received it.
func (c *Client) Message(ctx context.Context, id int64) (*Message, error) {
	resp, err := call[struct {
		Message *Message `json:"message"`
	}](ctx, c, http.MethodGet, fmt.Sprintf("/api/0.6/user/messages/%d.json", id), nil)
	if err != nil {
		return nil, fmt.Errorf("reading message %d: %w", id, err)
	}
	if resp.Message == nil {
		return nil, fmt.Errorf("reading message %d: response has no message", id)
	}
	return resp.Message, nil
}

// Me returns the authorized user.
func (c *Client) Me(ctx context.Context) (*User, error) {
	resp, err := call[struct {
		User *User `json:"user"`
	}](ctx, c, http.MethodGet, "/api/0.6/user/details.json", nil)
	if err != nil {
		return nil, fmt.Errorf("getting user details: %w", err)
	}
	if resp.User == nil {
		return nil, errors.New("getting user details: response has no user")
	}
	return resp.User, nil
}

func call[Response any](ctx context.Context, c *Client, method, path string, body any) (Response, error) {
	var zero Response
	if c.tokens == nil {
		return zero, fmt.Errorf("%w: no token source configured", ErrToken)
	}
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return zero, fmt.Errorf("%w: %w", ErrToken, err)
	}
	if token == "" {
		return zero, fmt.Errorf("%w: empty token", ErrToken)
	}
	scrubber := strings.NewReplacer(token, "[EXPUNGED]")
	resp, err := request.Make[Response](ctx, request.Params{
		Method: method,
		URL:    c.baseURL + path,
		Headers: map[string]string{
			"Authorization": "Bearer " + token,
		},
		Body:       body,
		HTTPClient: c.httpc,
		Scrubber:   scrubber,
	})
	var serr *request.StatusError
	if errors.As(err, &serr) {
		serr.Body = []byte(scrubber.Replace(string(serr.Body)))
	}
	return resp, err
}
