// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package httplogger provides a http.RoundTripper middleware that logs HTTP
// requests and responses.
package httplogger

import (
	"log/slog"
	"net/http"
	"time"
)

// New returns a http.RoundTripper that logs every request made through t at
// debug level. If t is nil, http.DefaultTransport is used.
//
// Only the method, URL, status and duration are logged. Headers and bodies,
// which may carry credentials, never are.
func New(t http.RoundTripper, l *slog.Logger) http.RoundTripper {
	if t == nil {
		t = http.DefaultTransport
	}
	if l == nil {
		l = slog.Default()
	}
	return &loggingTransport{transport: t, slog: l, now: time.Now}
}

// Client returns a copy of c that logs its requests with l.
func Client(c *http.Client, l *slog.Logger) *http.Client {
	nc := *c
	nc.Transport = New(c.Transport, l)
	return &nc
}

type loggingTransport struct {
	transport http.RoundTripper
	slog      *slog.Logger
	now       func() time.Time
}

func (t *loggingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	start := t.now()
	resp, err := t.transport.RoundTrip(r)

	attrs := []any{
		"method", r.Method,
		"url", redact(r),
		"duration", t.now().Sub(start).Round(time.Millisecond),
	}
	if resp != nil {
		attrs = append(attrs, "status", resp.StatusCode)
	}
	if err != nil {
		attrs = append(attrs, "error", err)
		t.slog.Debug("HTTP request failed", attrs...)
		return resp, err
	}
	t.slog.Debug("HTTP request", attrs...)
	return resp, err
}

// redact drops the query from URLs that carry an authorization code.
func redact(r *http.Request) string {
	u := *r.URL
	u.User = nil
	if q := u.Query(); q.Has("code") || q.Has("access_token") {
		u.RawQuery = "[REDACTED]"
	}
	return u.String()
}
