// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package oauth

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"time"
)

const (
	callbackSuccess = "Authorization successful! You can close this window."
	callbackFailure = "Authorization failed. Please try again."
)

// WaitForCode listens on the host and port of redirectURI and waits for the
// authorization server to redirect the user back to its path.
//
// The first request to that path ends the wait. It returns the authorization
// code, or an error wrapping [ErrAuthorization] if the request carries no
// code or its state parameter doesn't match state. An empty state disables
// the check. Requests to other paths get 404 and are otherwise ignored.
//
// The listener is closed before WaitForCode returns.
func WaitForCode(ctx context.Context, redirectURI, state string) (string, error) {
	return waitForCode(ctx, redirectURI, state, nil)
}

// waitForCode is WaitForCode that calls ready once the listener accepts
// connections.
func waitForCode(ctx context.Context, redirectURI, state string, ready func()) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("%w: invalid redirect URI: %v", ErrConfiguration, err)
	}
	if u.Scheme != "http" || u.Host == "" {
		return "", fmt.Errorf("%w: redirect URI %q must be a plain http URL with host and port", ErrConfiguration, redirectURI)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", u.Host)
	if err != nil {
		return "", fmt.Errorf("%w: listening for authorization callback: %w", ErrAuthorization, err)
	}

	type result struct {
		code string
		err  error
	}
	done := make(chan result, 1)

	// The path is compared literally, not used as a ServeMux pattern.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			http.NotFound(w, r)
			return
		}
		code, err := parseCallback(r.URL.Query(), state)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, callbackFailure)
		} else {
			io.WriteString(w, callbackSuccess)
		}
		select {
		case done <- result{code, err}:
		default:
		}
	})

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(io.Discard, "", 0),
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(l) }()

	if ready != nil {
		ready()
	}

	var res result
	select {
	case res = <-done:
	case err := <-serveErr:
		res.err = fmt.Errorf("%w: serving authorization callback: %w", ErrAuthorization, err)
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	// Let the handler finish writing its response before closing.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
	}

	return res.code, res.err
}

func parseCallback(q url.Values, state string) (string, error) {
	if e := q.Get("error"); e != "" {
		if desc := q.Get("error_description"); desc != "" {
			e += ": " + desc
		}
		return "", fmt.Errorf("%w: authorization server returned %s", ErrAuthorization, e)
	}
	if state != "" && q.Get("state") != state {
		return "", fmt.Errorf("%w: state mismatch in callback", ErrAuthorization)
	}
	code := q.Get("code")
	if code == "" {
		return "", fmt.Errorf("%w: no authorization code received", ErrAuthorization)
	}
	return code, nil
}
