// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"go.astrophena.name/osmwelcome/cmd/osmwelcome/internal/ledger"
	"go.astrophena.name/osmwelcome/cmd/osmwelcome/internal/oauth"
	"go.astrophena.name/osmwelcome/cmd/osmwelcome/internal/osm"
	"go.astrophena.name/osmwelcome/internal/cli"
	"go.astrophena.name/osmwelcome/internal/httplogger"
	"go.astrophena.name/osmwelcome/internal/logger"
	"go.astrophena.name/osmwelcome/internal/request"
	"go.astrophena.name/osmwelcome/internal/systemd"
)

func main() { cli.Main(new(app)) }

type app struct {
	// configuration
	dry      bool
	stateDir string
	verbose  bool

	// can be mocked for testing
	httpc       *http.Client
	sleep       func(context.Context, time.Duration) error
	openBrowser func(context.Context, string) error

	// initialized by Run
	cfg    *config
	logf   logger.Logf
	slog   *slog.Logger
	notify *systemd.Notifier
}

func (a *app) Flags(fs *flag.FlagSet) {
	fs.BoolVar(&a.dry, "dry", false, "Enable dry-run mode: log actions, but don't send messages or save the ledger.")
	fs.StringVar(&a.stateDir, "state", a.stateDir, "Path to the state `directory`.")
	fs.BoolVar(&a.verbose, "v", false, "Enable debug logging.")
}

func (a *app) Run(ctx context.Context) error {
	env := cli.GetEnv(ctx)

	l := logger.Get(ctx)
	if a.dry || a.verbose {
		l.Level.Set(slog.LevelDebug)
	}
	a.slog = l.Logger
	a.logf = env.Logf
	a.notify = systemd.New(env.Getenv, a.logf)
	if a.sleep == nil {
		a.sleep = sleep
	}
	if a.httpc == nil {
		a.httpc = request.DefaultClient
	}
	if a.verbose {
		a.httpc = httplogger.Client(a.httpc, a.slog)
	}

	stateDir, err := a.resolveStateDir(env.Getenv)
	if err != nil {
		return err
	}
	if a.cfg, err = loadConfig(stateDir, env.Getenv, a.logf); err != nil {
		return err
	}

	command, args := "run", env.Args
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}
	wantArgs := func(n int, usage string) error {
		if len(args) != n {
			return fmt.Errorf("%w: usage: %s", cli.ErrInvalidArgs, usage)
		}
		return nil
	}

	switch command {
	case "run":
		if err := wantArgs(0, "run"); err != nil {
			return err
		}
		return a.run(ctx)
	case "auth":
		if err := wantArgs(0, "auth"); err != nil {
			return err
		}
		return a.auth(ctx, env.Stdout)
	case "whoami":
		if err := wantArgs(0, "whoami"); err != nil {
			return err
		}
		return a.whoami(ctx, env.Stdout)
	case "inbox":
		if err := wantArgs(0, "inbox"); err != nil {
			return err
		}
		return a.inbox(ctx, env.Stdout)
	case "read":
		if err := wantArgs(1, "read <id>"); err != nil {
			return err
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: message ID must be a number, got %q", cli.ErrInvalidArgs, args[0])
		}
		return a.read(ctx, env.Stdout, id)
	case "ledger":
		if err := wantArgs(0, "ledger"); err != nil {
			return err
		}
		return a.printLedger(env.Stdout)
	default:
		return fmt.Errorf("%w: no such command %q", cli.ErrInvalidArgs, command)
	}
}

func (a *app) resolveStateDir(getenv func(string) string) (string, error) {
	dir := cmp.Or(a.stateDir, getenv("STATE_DIRECTORY"))
	if dir == "" {
		xdgStateHome := getenv("XDG_STATE_HOME")
		if xdgStateHome == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			xdgStateHome = filepath.Join(home, ".local", "state")
		}
		dir = filepath.Join(xdgStateHome, "osmwelcome")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

func (a *app) tokenManager() (*oauth.Manager, error) {
	m, err := oauth.New(oauth.Config{
		ClientID:     a.cfg.clientID,
		ClientSecret: a.cfg.clientSecret,
		AuthURL:      a.cfg.authURL,
		TokenURL:     a.cfg.tokenURL,
		RedirectURI:  a.cfg.redirectURI,
		Scope:        a.cfg.scope,
		Store:        &oauth.FileStore{Path: a.cfg.tokenStorePath},
		HTTPClient:   a.httpc,
		Logger:       a.slog,
		Logf:         a.logf,
		OpenBrowser:  a.openBrowser,
	})
	if err != nil {
		return nil, fmt.Errorf("%w (set CLIENT_ID and CLIENT_SECRET in the environment or in %s)", err, filepath.Join(a.cfg.stateDir, ".env"))
	}
	return m, nil
}

func (a *app) osmClient() (*osm.Client, error) {
	tokens, err := a.tokenManager()
	if err != nil {
		return nil, err
	}
	return osm.New(osm.Config{
		BaseURL:    a.cfg.apiURL,
		HTTPClient: a.httpc,
		Tokens:     tokens,
		Logger:     a.slog,
	}), nil
}

func (a *app) auth(ctx context.Context, w io.Writer) error {
	m, err := a.tokenManager()
	if err != nil {
		return err
	}
	if _, err := m.Authorize(ctx); err != nil {
		return err
	}
	fmt.Fprintf(w, "Authorized. Token saved to %s.\n", a.cfg.tokenStorePath)
	return nil
}

func (a *app) whoami(ctx context.Context, w io.Writer) error {
	c, err := a.osmClient()
	if err != nil {
		return err
	}
	u, err := c.Me(ctx)
	if err != nil {
		return withAuthHint(err)
	}
	fmt.Fprintf(w, "%s (ID %d), mapping since %s\n", u.DisplayName, u.ID, u.AccountCreated.Format(time.DateOnly))
	fmt.Fprintf(w, "%d messages received (%d unread), %d sent\n", u.Messages.Received.Count, u.Messages.Received.Unread, u.Messages.Sent.Count)
	return nil
}

func (a *app) inbox(ctx context.Context, w io.Writer) error {
	c, err := a.osmClient()
	if err != nil {
		return err
	}
	msgs, err := c.Inbox(ctx)
	if err != nil {
		return withAuthHint(err)
	}
	if len(msgs) == 0 {
		fmt.Fprintln(w, "Inbox is empty.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFROM\tSENT\tTITLE")
	for _, m := range msgs {
		id := strconv.FormatInt(m.ID, 10)
		if !m.MessageRead {
			id += "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, m.FromDisplayName, m.SentOn.Format(time.DateTime), m.Title)
	}
	return tw.Flush()
}

func (a *app) read(ctx context.Context, w io.Writer, id int64) error {
	c, err := a.osmClient()
	if err != nil {
		return err
	}
	m, err := c.Message(ctx, id)
	if err != nil {
		return withAuthHint(err)
	}
	fmt.Fprintf(w, "From: %s\nTo: %s\nDate: %s\nSubject: %s\n\n%s\n",
		m.FromDisplayName, m.ToDisplayName, m.SentOn.Format(time.RFC1123Z), m.Title, strings.TrimRight(m.Body, "\n"))
	return nil
}

func (a *app) printLedger(w io.Writer) error {
	names, err := ledger.Load(a.cfg.ledgerPath)
	if err != nil {
		return err
	}
	for _, name := range names.ToSortedSlice() {
		fmt.Fprintln(w, name)
	}
	return nil
}

// withAuthHint tells the user how to recover from authorization failures.
func withAuthHint(err error) error {
	if errors.Is(err, oauth.ErrAuthorization) {
		return fmt.Errorf("%w; run 'osmwelcome auth' to authorize again", err)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
