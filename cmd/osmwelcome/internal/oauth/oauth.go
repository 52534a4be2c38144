// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package oauth obtains, stores and refreshes OAuth2 tokens for the
// OpenStreetMap API.
package oauth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"go.astrophena.name/osmwelcome/internal/logger"
	"go.astrophena.name/osmwelcome/internal/request"

	"golang.org/x/oauth2"
)

// Default OpenStreetMap endpoints and settings.
const (
	DefaultAuthURL     = "https://www.openstreetmap.org/oauth2/authorize"
	DefaultTokenURL    = "https://www.openstreetmap.org/oauth2/token"
	DefaultRedirectURI = "http://127.0.0.1:8080/callback"
	DefaultScope       = "consume_messages send_messages read_prefs"
)

var (
	// ErrConfiguration is returned when the manager is missing the settings
	// it needs to talk to the authorization server.
	ErrConfiguration = errors.New("oauth: configuration error")
	// ErrAuthorization is returned when a token can't be obtained or refreshed.
	ErrAuthorization = errors.New("oauth: authorization failed")
)

// Config configures a [Manager].
type Config struct {
	ClientID     string
	ClientSecret string
	// AuthURL and TokenURL default to the OpenStreetMap endpoints.
	AuthURL  string
	TokenURL string
	// RedirectURI defaults to DefaultRedirectURI. The manager listens on its
	// host and port during authorization.
	RedirectURI string
	// Scope is a space-separated list of scopes. Defaults to DefaultScope.
	Scope string
	// Store holds the token between runs. Required.
	Store Store
	// HTTPClient is used for token requests. Defaults to
	// request.DefaultClient.
	HTTPClient *http.Client
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Logf prints the authorization URL for the user. Defaults to log.Printf.
	Logf logger.Logf
	// OpenBrowser opens the authorization URL. Defaults to the system browser.
	OpenBrowser func(ctx context.Context, url string) error
}

// Manager hands out valid access tokens, authorizing and refreshing as needed.
type Manager struct {
	oc          *oauth2.Config
	store       Store
	httpc       *http.Client
	slog        *slog.Logger
	logf        logger.Logf
	openBrowser func(ctx context.Context, url string) error
	now         func() time.Time
}

// New returns a new Manager. It fails with [ErrConfiguration] when the client
// credentials are missing.
func New(c Config) (*Manager, error) {
	switch {
	case c.ClientID == "":
		return nil, fmt.Errorf("%w: client ID is not set", ErrConfiguration)
	case c.ClientSecret == "":
		return nil, fmt.Errorf("%w: client secret is not set", ErrConfiguration)
	case c.Store == nil:
		return nil, fmt.Errorf("%w: token store is not set", ErrConfiguration)
	}

	m := &Manager{
		oc: &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   orDefault(c.AuthURL, DefaultAuthURL),
				TokenURL:  orDefault(c.TokenURL, DefaultTokenURL),
				AuthStyle: oauth2.AuthStyleInParams,
			},
			RedirectURL: orDefault(c.RedirectURI, DefaultRedirectURI),
			Scopes:      strings.Fields(orDefault(c.Scope, DefaultScope)),
		},
		store:       c.Store,
		httpc:       c.HTTPClient,
		slog:        c.Logger,
		logf:        c.Logf,
		openBrowser: c.OpenBrowser,
		now:         time.Now,
	}
	if m.httpc == nil {
		m.httpc = request.DefaultClient
	}
	if m.slog == nil {
		m.slog = slog.Default()
	}
	if m.logf == nil {
		m.logf = log.Printf
	}
	if m.openBrowser == nil {
		m.openBrowser = openBrowser
	}
	return m, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// AccessToken returns an access token that is valid now. It runs the
// authorization flow if no token is stored and refreshes an expired one.
// Failures wrap [ErrAuthorization], [ErrConfiguration] or the context error.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	rec, err := m.store.Load()
	if err != nil {
		return "", fmt.Errorf("%w: loading token: %w", ErrAuthorization, err)
	}
	if rec == nil {
		m.slog.Info("no stored token, starting authorization")
		if rec, err = m.Authorize(ctx); err != nil {
			return "", err
		}
	}
	if rec.NeedsRefresh(m.now()) {
		m.slog.Debug("access token expired, refreshing")
		if rec, err = m.Refresh(ctx, rec); err != nil {
			return "", err
		}
	}
	if rec.AccessToken == "" {
		return "", fmt.Errorf("%w: stored token has no access token", ErrAuthorization)
	}
	return rec.AccessToken, nil
}

// Authorize runs the authorization code flow: it sends the user to the
// authorization page, waits for the redirect, exchanges the code and stores
// the resulting token.
func (m *Manager) Authorize(ctx context.Context) (*Record, error) {
	state := rand.Text()
	authURL := m.oc.AuthCodeURL(state)

	code, err := waitForCode(ctx, m.oc.RedirectURL, state, func() {
		m.logf("Open this URL in your browser to authorize:\n\n\t%s\n", authURL)
		if err := m.openBrowser(ctx, authURL); err != nil {
			m.slog.Warn("failed to open browser", "error", err)
		}
	})
	if err != nil {
		return nil, err
	}

	tok, err := m.oc.Exchange(m.clientContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("%w: exchanging authorization code: %w", ErrAuthorization, scrubTokenError(err))
	}
	rec := recordFromToken(tok, m.now())
	if err := m.store.Save(rec); err != nil {
		return nil, fmt.Errorf("%w: saving token: %w", ErrAuthorization, err)
	}
	m.slog.Info("authorization complete")
	return rec, nil
}

// Refresh exchanges the refresh token of rec for a new token and stores it.
func (m *Manager) Refresh(ctx context.Context, rec *Record) (*Record, error) {
	if rec.RefreshToken == "" {
		return nil, fmt.Errorf("%w: token expired and there is no refresh token to renew it, authorize again", ErrAuthorization)
	}
	// An empty access token makes the source treat the token as expired, so
	// Token always hits the token endpoint.
	src := m.oc.TokenSource(m.clientContext(ctx), &oauth2.Token{RefreshToken: rec.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: refreshing token: %w", ErrAuthorization, scrubTokenError(err))
	}
	fresh := recordFromToken(tok, m.now())
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = rec.RefreshToken
	}
	if err := m.store.Save(fresh); err != nil {
		return nil, fmt.Errorf("%w: saving token: %w", ErrAuthorization, err)
	}
	m.slog.Info("token refreshed")
	return fresh, nil
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpc)
}

// scrubTokenError drops the raw response body that oauth2 attaches to token
// endpoint failures, since it may echo credentials back.
func scrubTokenError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) || re.Response == nil {
		return err
	}
	msg := fmt.Sprintf("token endpoint returned %s", re.Response.Status)
	if re.ErrorCode != "" {
		msg += ": " + re.ErrorCode
		if re.ErrorDescription != "" {
			msg += " (" + re.ErrorDescription + ")"
		}
	}
	return errors.New(msg)
}

func openBrowser(ctx context.Context, url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", url)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	go cmd.Wait()
	return nil
}
