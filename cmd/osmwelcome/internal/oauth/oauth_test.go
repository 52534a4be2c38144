// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.astrophena.name/osmwelcome/internal/testutil"

	"go.uber.org/goleak"
)

type memStore struct {
	mu    sync.Mutex
	rec   *Record
	saves int
}

func (s *memStore) Load() (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil, nil
	}
	rec := *s.rec
	return &rec, nil
}

func (s *memStore) Save(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *rec
	s.rec = &r
	s.saves++
	return nil
}

// tokenServer imitates the token endpoint. respond is called with the
// submitted form of every request.
type tokenServer struct {
	*httptest.Server
	calls atomic.Int32
}

func newTokenServer(t *testing.T, respond func(form url.Values) (int, string)) *tokenServer {
	t.Helper()
	ts := new(tokenServer)
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		if r.Method != http.MethodPost || r.URL.Path != "/oauth2/token" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		status, body := respond(r.PostForm)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestManager(t *testing.T, tokenURL string, store Store, redirectURI string) *Manager {
	t.Helper()
	m, err := New(Config{
		ClientID:     "client",
		ClientSecret: "s3cret",
		AuthURL:      "https://auth.example.com/oauth2/authorize",
		TokenURL:     tokenURL,
		RedirectURI:  redirectURI,
		Store:        store,
		Logf:         t.Logf,
		OpenBrowser:  func(context.Context, string) error { return errors.New("no browser in tests") },
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func freeRedirectURI(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return "http://" + addr + "/callback"
}

func TestNew(t *testing.T) {
	cases := map[string]Config{
		"no client ID":     {ClientSecret: "secret", Store: new(memStore)},
		"no client secret": {ClientID: "id", Store: new(memStore)},
		"no store":         {ClientID: "id", ClientSecret: "secret"},
		"nothing":          {},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(c)
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("want ErrConfiguration, got %v", err)
			}
		})
	}

	m, err := New(Config{ClientID: "id", ClientSecret: "secret", Store: new(memStore)})
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, m.oc.Endpoint.TokenURL, DefaultTokenURL)
	testutil.AssertEqual(t, m.oc.RedirectURL, DefaultRedirectURI)
	testutil.AssertEqual(t, m.oc.Scopes, []string{"consume_messages", "send_messages", "read_prefs"})
}

func TestNeedsRefresh(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *Time { return &Time{now.Add(d)} }

	cases := map[string]struct {
		rec  Record
		want bool
	}{
		"no expiry information":      {rec: Record{AccessToken: "a"}, want: false},
		"expires in future":          {rec: Record{ExpiresIn: 3600, ExpiresAt: at(time.Hour)}, want: false},
		"expired":                    {rec: Record{ExpiresIn: 3600, ExpiresAt: at(-time.Minute)}, want: true},
		"expires exactly now":        {rec: Record{ExpiresAt: at(0)}, want: true},
		"expires within skew":        {rec: Record{ExpiresAt: at(expirySkew / 2)}, want: true},
		"lifetime without timestamp": {rec: Record{ExpiresIn: 3600}, want: true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			testutil.AssertEqual(t, tc.rec.NeedsRefresh(now), tc.want)
		})
	}
}

func TestTimeUnmarshal(t *testing.T) {
	cases := map[string]struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		"RFC 3339":     {in: `"2026-03-01T12:00:00Z"`, want: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		"Unix seconds": {in: `1772366400`, want: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		"fractional":   {in: `1772366400.75`, want: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		"garbage":      {in: `"next tuesday"`, wantErr: true},
		"wrong type":   {in: `true`, wantErr: true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var got Time
			err := json.Unmarshal([]byte(tc.in), &got)
			if tc.wantErr {
				if err == nil {
					t.Fatal("want error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !got.Equal(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFileStore(t *testing.T) {
	s := &FileStore{Path: filepath.Join(t.TempDir(), "osm_tokens.json")}

	rec, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Fatalf("want nil record for missing file, got %+v", rec)
	}

	want := &Record{
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		Scope:        DefaultScope,
		ExpiresIn:    3600,
		ExpiresAt:    &Time{time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)},
	}
	if err := s.Save(want); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, got, want)

	fi, err := os.Stat(s.Path)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, fi.Mode().Perm(), os.FileMode(0o600))
}

func TestFileStoreReadsLegacyRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "osm_tokens.json")
	legacy := `{"access_token": "abc", "token_type": "Bearer", "scope": "read_prefs", "created_at": 1700000000}`
	if err := os.WriteFile(path, []byte(legacy), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := (&FileStore{Path: path}).Load()
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, got, &Record{AccessToken: "abc", TokenType: "Bearer", Scope: "read_prefs"})
	if got.NeedsRefresh(time.Now()) {
		t.Fatal("record without expiry must not need refresh")
	}
}

func TestAccessTokenValid(t *testing.T) {
	ts := newTokenServer(t, func(url.Values) (int, string) {
		return http.StatusInternalServerError, `{}`
	})
	store := &memStore{rec: &Record{
		AccessToken:  "still-good",
		RefreshToken: "refresh",
		ExpiresAt:    &Time{time.Now().Add(time.Hour)},
	}}
	m := newTestManager(t, ts.URL+"/oauth2/token", store, DefaultRedirectURI)

	tok, err := m.AccessToken(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, tok, "still-good")
	testutil.AssertEqual(t, ts.calls.Load(), int32(0))
	testutil.AssertEqual(t, store.saves, 0)
}

func TestAccessTokenRefreshesExpiredOnce(t *testing.T) {
	ts := newTokenServer(t, func(form url.Values) (int, string) {
		if form.Get("grant_type") != "refresh_token" || form.Get("refresh_token") != "old-refresh" {
			return http.StatusBadRequest, `{"error": "invalid_request"}`
		}
		if form.Get("client_id") != "client" || form.Get("client_secret") != "s3cret" {
			return http.StatusUnauthorized, `{"error": "invalid_client"}`
		}
		// No refresh_token in the response: the old one must be kept.
		return http.StatusOK, `{"access_token": "fresh", "token_type": "Bearer", "expires_in": 3600, "scope": "read_prefs"}`
	})
	store := &memStore{rec: &Record{
		AccessToken:  "stale",
		RefreshToken: "old-refresh",
		ExpiresIn:    3600,
		ExpiresAt:    &Time{time.Now().Add(-time.Minute)},
	}}
	m := newTestManager(t, ts.URL+"/oauth2/token", store, DefaultRedirectURI)

	tok, err := m.AccessToken(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, tok, "fresh")
	testutil.AssertEqual(t, ts.calls.Load(), int32(1))
	testutil.AssertEqual(t, store.saves, 1)

	saved, _ := store.Load()
	testutil.AssertEqual(t, saved.RefreshToken, "old-refresh")
	testutil.AssertEqual(t, saved.Scope, "read_prefs")
	if saved.NeedsRefresh(time.Now()) {
		t.Fatalf("refreshed record must be valid, got expiry %v", saved.ExpiresAt)
	}

	// The stored token is valid now, so no more refreshes happen.
	if _, err := m.AccessToken(context.Background()); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, ts.calls.Load(), int32(1))
}

func TestRefreshFailure(t *testing.T) {
	ts := newTokenServer(t, func(form url.Values) (int, string) {
		return http.StatusBadRequest, `{"error": "invalid_grant", "error_description": "token revoked", "echo": "` + form.Get("client_secret") + `"}`
	})
	store := &memStore{rec: &Record{AccessToken: "stale", RefreshToken: "revoked", ExpiresIn: 3600}}
	m := newTestManager(t, ts.URL+"/oauth2/token", store, DefaultRedirectURI)

	_, err := m.AccessToken(context.Background())
	if !errors.Is(err, ErrAuthorization) {
		t.Fatalf("want ErrAuthorization, got %v", err)
	}
	if strings.Contains(err.Error(), "s3cret") {
		t.Fatalf("error leaks client secret: %v", err)
	}
	if !strings.Contains(err.Error(), "invalid_grant") {
		t.Fatalf("error should mention the error code: %v", err)
	}
	testutil.AssertEqual(t, store.saves, 0)
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	ts := newTokenServer(t, func(url.Values) (int, string) {
		return http.StatusOK, `{"access_token": "unexpected"}`
	})
	store := &memStore{rec: &Record{AccessToken: "stale", ExpiresAt: &Time{time.Now().Add(-time.Hour)}}}
	m := newTestManager(t, ts.URL+"/oauth2/token", store, DefaultRedirectURI)

	_, err := m.AccessToken(context.Background())
	if !errors.Is(err, ErrAuthorization) {
		t.Fatalf("want ErrAuthorization, got %v", err)
	}
	testutil.AssertEqual(t, ts.calls.Load(), int32(0))
}

type brokenStore struct {
	rec     *Record
	loadErr error
	saveErr error
}

func (s *brokenStore) Load() (*Record, error) { return s.rec, s.loadErr }
func (s *brokenStore) Save(*Record) error     { return s.saveErr }

func TestAccessTokenStoreFailures(t *testing.T) {
	ts := newTokenServer(t, func(url.Values) (int, string) {
		return http.StatusOK, `{"access_token": "fresh", "expires_in": 3600}`
	})
	errDisk := errors.New("disk on fire")

	cases := map[string]*brokenStore{
		"load": {
			loadErr: errDisk,
		},
		"save after refresh": {
			rec:     &Record{AccessToken: "stale", RefreshToken: "r", ExpiresIn: 3600},
			saveErr: errDisk,
		},
	}
	for name, store := range cases {
		t.Run(name, func(t *testing.T) {
			m := newTestManager(t, ts.URL+"/oauth2/token", store, DefaultRedirectURI)
			_, err := m.AccessToken(context.Background())
			if !errors.Is(err, ErrAuthorization) || !errors.Is(err, errDisk) {
				t.Fatalf("want ErrAuthorization wrapping the store error, got %v", err)
			}
		})
	}
}

// browserFunc returns an OpenBrowser implementation that follows the
// authorization URL the way a user would, landing on the redirect URI with
// the given query. The returned channel receives the callback response body.
func browserFunc(t *testing.T, redirectURI string, query func(state string) url.Values) (func(context.Context, string) error, <-chan string) {
	bodies := make(chan string, 1)
	return func(ctx context.Context, authURL string) error {
		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		q := u.Query()
		if q.Get("response_type") != "code" || q.Get("redirect_uri") != redirectURI {
			t.Errorf("unexpected authorization URL %s", authURL)
		}
		go func() {
			resp, err := http.Get(redirectURI + "?" + query(q.Get("state")).Encode())
			if err != nil {
				t.Error(err)
				bodies <- ""
				return
			}
			defer resp.Body.Close()
			b, _ := io.ReadAll(resp.Body)
			bodies <- string(b)
		}()
		return nil
	}, bodies
}

func TestAuthorize(t *testing.T) {
	ts := newTokenServer(t, func(form url.Values) (int, string) {
		if form.Get("grant_type") != "authorization_code" || form.Get("code") != "the-code" {
			return http.StatusBadRequest, `{"error": "invalid_grant"}`
		}
		return http.StatusOK, `{"access_token": "new", "refresh_token": "r", "token_type": "Bearer", "scope": "send_messages"}`
	})
	redirectURI := freeRedirectURI(t)
	store := new(memStore)
	m := newTestManager(t, ts.URL+"/oauth2/token", store, redirectURI)
	var bodies <-chan string
	m.openBrowser, bodies = browserFunc(t, redirectURI, func(state string) url.Values {
		return url.Values{"code": {"the-code"}, "state": {state}}
	})

	tok, err := m.AccessToken(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, tok, "new")
	testutil.AssertEqual(t, <-bodies, callbackSuccess)
	testutil.AssertEqual(t, store.rec, &Record{
		AccessToken:  "new",
		RefreshToken: "r",
		TokenType:    "Bearer",
		Scope:        "send_messages",
	})
}

func TestAuthorizeExchangeFailure(t *testing.T) {
	ts := newTokenServer(t, func(url.Values) (int, string) {
		return http.StatusBadRequest, `{"error": "invalid_grant"}`
	})
	redirectURI := freeRedirectURI(t)
	store := new(memStore)
	m := newTestManager(t, ts.URL+"/oauth2/token", store, redirectURI)
	m.openBrowser, _ = browserFunc(t, redirectURI, func(state string) url.Values {
		return url.Values{"code": {"the-code"}, "state": {state}}
	})

	_, err := m.Authorize(context.Background())
	if !errors.Is(err, ErrAuthorization) {
		t.Fatalf("want ErrAuthorization, got %v", err)
	}
	if store.rec != nil {
		t.Fatalf("nothing should be stored, got %+v", store.rec)
	}
}

func TestWaitForCode(t *testing.T) {
	cases := map[string]struct {
		paths    []string // requested in order, the last one ends the wait
		wantCode string
		wantErr  error
		wantBody string
	}{
		"code": {
			paths:    []string{"/callback?code=abc&state=xyz"},
			wantCode: "abc",
			wantBody: callbackSuccess,
		},
		"no code": {
			paths:    []string{"/callback?state=xyz"},
			wantErr:  ErrAuthorization,
			wantBody: callbackFailure,
		},
		"denied": {
			paths:    []string{"/callback?error=access_denied&state=xyz"},
			wantErr:  ErrAuthorization,
			wantBody: callbackFailure,
		},
		"state mismatch": {
			paths:    []string{"/callback?code=abc&state=forged"},
			wantErr:  ErrAuthorization,
			wantBody: callbackFailure,
		},
		"other paths are ignored": {
			paths:    []string{"/favicon.ico", "/", "/callback?code=abc&state=xyz"},
			wantCode: "abc",
			wantBody: callbackSuccess,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			ignore := goleak.IgnoreCurrent()
			redirectURI := freeRedirectURI(t)
			base := strings.TrimSuffix(redirectURI, "/callback")

			type result struct {
				code string
				err  error
			}
			ready := make(chan struct{})
			done := make(chan result, 1)
			go func() {
				code, err := waitForCode(context.Background(), redirectURI, "xyz", func() { close(ready) })
				done <- result{code, err}
			}()
			<-ready

			var body string
			for i, path := range tc.paths {
				resp, err := http.Get(base + path)
				if err != nil {
					t.Fatal(err)
				}
				b, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				if i < len(tc.paths)-1 {
					testutil.AssertEqual(t, resp.StatusCode, http.StatusNotFound)
				}
				body = string(b)
			}
			res := <-done

			testutil.AssertEqual(t, body, tc.wantBody)
			testutil.AssertEqual(t, res.code, tc.wantCode)
			if tc.wantErr != nil && !errors.Is(res.err, tc.wantErr) {
				t.Fatalf("want %v, got %v", tc.wantErr, res.err)
			}
			if tc.wantErr == nil && res.err != nil {
				t.Fatal(res.err)
			}

			// The listener is gone after return, and so are the goroutines
			// serving it.
			if _, err := http.Get(redirectURI); err == nil {
				t.Fatal("listener still accepts connections")
			}
			http.DefaultClient.CloseIdleConnections()
			goleak.VerifyNone(t, ignore)
		})
	}
}

func TestWaitForCodeCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	redirectURI := freeRedirectURI(t)
	done := make(chan error, 1)
	go func() {
		_, err := waitForCode(ctx, redirectURI, "", cancel)
		done <- err
	}()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestWaitForCodeLiteralPath(t *testing.T) {
	for _, path := range []string{"/call%20back", "/%7Bid%7D", "/GET%20/callback"} {
		t.Run(path, func(t *testing.T) {
			redirectURI := strings.TrimSuffix(freeRedirectURI(t), "/callback") + path
			ready := make(chan struct{})
			done := make(chan error, 1)
			var code string
			go func() {
				var err error
				code, err = waitForCode(context.Background(), redirectURI, "", func() { close(ready) })
				done <- err
			}()
			<-ready

			resp, err := http.Get(redirectURI + "?code=abc")
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			testutil.AssertEqual(t, resp.StatusCode, http.StatusOK)
			if err := <-done; err != nil {
				t.Fatal(err)
			}
			testutil.AssertEqual(t, code, "abc")
		})
	}
}

func TestWaitForCodePortInUse(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	_, err = WaitForCode(context.Background(), "http://"+l.Addr().String()+"/callback", "")
	if !errors.Is(err, ErrAuthorization) {
		t.Fatalf("want ErrAuthorization, got %v", err)
	}
}

func TestWaitForCodeBadRedirectURI(t *testing.T) {
	for _, uri := range []string{"https://127.0.0.1:8080/callback", "callback", "http:///callback"} {
		if _, err := WaitForCode(context.Background(), uri, ""); !errors.Is(err, ErrConfiguration) {
			t.Errorf("%q: want ErrConfiguration, got %v", uri, err)
		}
	}
}
