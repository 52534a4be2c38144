// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package feed reads a syndication feed of newly active contributors and
// extracts their account names from entry links.
package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"unicode"

	"go.astrophena.name/osmwelcome/internal/request"
	"go.astrophena.name/osmwelcome/internal/util/set"
	"go.astrophena.name/osmwelcome/internal/version"

	"github.com/mmcdole/gofeed"
)

// DefaultProfilePrefix is the prefix of contributor profile links.
const DefaultProfilePrefix = "https://osm.org/user/"

// 16 KB is enough for error messages (probably).
const errorBodyLimit = 16384

// Config configures a [Reader].
type Config struct {
	// HTTPClient is used to fetch feeds. If nil, request.DefaultClient is used.
	HTTPClient *http.Client
	// ProfilePrefix is the link prefix that identifies a contributor profile.
	// If empty, DefaultProfilePrefix is used.
	ProfilePrefix string
	// Logger is used for debug logging. If nil, slog.Default is used.
	Logger *slog.Logger
}

// Reader fetches feeds and extracts contributor names.
type Reader struct {
	httpc  *http.Client
	prefix string
	fp     *gofeed.Parser
	slog   *slog.Logger
}

// New returns a new Reader.
func New(c Config) *Reader {
	r := &Reader{
		httpc:  c.HTTPClient,
		prefix: c.ProfilePrefix,
		fp:     gofeed.NewParser(),
		slog:   c.Logger,
	}
	if r.httpc == nil {
		r.httpc = request.DefaultClient
	}
	if r.prefix == "" {
		r.prefix = DefaultProfilePrefix
	}
	if r.slog == nil {
		r.slog = slog.Default()
	}
	return r
}

// Fetch fetches the feed at url and returns the set of contributor names
// linked from its entries.
func (r *Reader) Fetch(ctx context.Context, url string) (set.Set[string], error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching feed: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	res, err := r.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching feed: %w", err)
	}
	defer res.Body.Close()

	r.slog.Debug(
		"fetched feed",
		"feed", url,
		"proto", res.Proto,
		"len", res.ContentLength,
		"status", res.StatusCode,
	)

	if res.StatusCode != http.StatusOK {
		body, err := io.ReadAll(io.LimitReader(res.Body, errorBodyLimit))
		if err != nil {
			body = []byte("unable to read body")
		}
		return nil, fmt.Errorf("fetching feed: %w", &request.StatusError{
			Method:     http.MethodGet,
			URL:        url,
			StatusCode: res.StatusCode,
			Body:       body,
		})
	}

	return r.Parse(res.Body)
}

// Parse parses raw feed content (RSS, Atom or JSON Feed) and returns the set
// of contributor names linked from its entries.
func (r *Reader) Parse(rd io.Reader) (set.Set[string], error) {
	f, err := r.fp.Parse(rd)
	if err != nil {
		return nil, fmt.Errorf("parsing feed: %w", err)
	}
	names := Extract(f.Items, r.prefix)
	r.slog.Debug("parsed feed", "items", len(f.Items), "contributors", names.Len())
	return names, nil
}

// Extract returns the set of contributor names linked from items. Items
// without a link starting with prefix are skipped.
func Extract(items []*gofeed.Item, prefix string) set.Set[string] {
	names := set.New[string](len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		if name, ok := Name(item.Link, prefix); ok {
			names.Add(name)
		}
	}
	return names
}

// Name returns the percent-decoded last path segment of link, if link starts
// with prefix. A segment that can't be decoded is returned as is. Segments
// containing control characters are rejected.
func Name(link, prefix string) (name string, ok bool) {
	if !strings.HasPrefix(link, prefix) {
		return "", false
	}
	segment := link[strings.LastIndex(link, "/")+1:]
	if segment == "" {
		return "", false
	}
	if decoded, err := url.PathUnescape(segment); err == nil {
		segment = decoded
	}
	// The ledger stores one name per line.
	if strings.ContainsFunc(segment, unicode.IsControl) {
		return "", false
	}
	return segment, true
}
