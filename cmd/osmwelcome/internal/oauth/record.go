// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package oauth

import (
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// expirySkew makes a token count as expired slightly before it actually does,
// so it doesn't expire in flight.
const expirySkew = 10 * time.Second

// Record is a persisted OAuth2 token.
type Record struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
	// ExpiresIn is the lifetime in seconds reported by the token endpoint.
	ExpiresIn int64 `json:"expires_in,omitempty"`
	// ExpiresAt is the moment the access token stops being valid.
	ExpiresAt *Time `json:"expires_at,omitempty"`
}

// NeedsRefresh reports whether the access token must be refreshed before use
// at now.
//
// A record with an expiry time needs refresh once that time is reached. A
// record that has a lifetime but no expiry time is assumed to be stale. A
// record without any expiry information never expires.
func (r *Record) NeedsRefresh(now time.Time) bool {
	if r.ExpiresAt != nil {
		return !now.Add(expirySkew).Before(r.ExpiresAt.Time)
	}
	return r.ExpiresIn > 0
}

func recordFromToken(tok *oauth2.Token, now time.Time) *Record {
	rec := &Record{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		rec.Scope = scope
	}
	if !tok.Expiry.IsZero() {
		rec.ExpiresAt = &Time{tok.Expiry.UTC().Truncate(time.Second)}
		rec.ExpiresIn = int64(tok.Expiry.Sub(now).Round(time.Second) / time.Second)
	}
	return rec
}

// Time is a timestamp encoded as an RFC 3339 string. It also decodes from
// Unix seconds.
type Time struct{ time.Time }

// MarshalJSON implements the [json.Marshaler] interface.
func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339))
}

// UnmarshalJSON implements the [json.Unmarshaler] interface.
func (t *Time) UnmarshalJSON(b []byte) error {
	var secs float64
	if err := json.Unmarshal(b, &secs); err == nil {
		t.Time = time.Unix(int64(secs), 0).UTC()
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("expires_at: want RFC 3339 string or Unix seconds, got %s", b)
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("expires_at: %w", err)
	}
	t.Time = parsed
	return nil
}
