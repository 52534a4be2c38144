// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.astrophena.name/osmwelcome/cmd/osmwelcome/internal/feed"
	"go.astrophena.name/osmwelcome/cmd/osmwelcome/internal/ledger"
	"go.astrophena.name/osmwelcome/cmd/osmwelcome/internal/oauth"
	"go.astrophena.name/osmwelcome/cmd/osmwelcome/internal/osm"
	"go.astrophena.name/osmwelcome/internal/atomicio"
	"go.astrophena.name/osmwelcome/internal/cli"
	"go.astrophena.name/osmwelcome/internal/filelock"
	"go.astrophena.name/osmwelcome/internal/util/set"
)

var errAlreadyRunning = errors.New("already running")

// run greets contributors that appeared in the feed since the last run.
func (a *app) run(ctx context.Context) error {
	env := cli.GetEnv(ctx)

	// Fail on missing credentials before touching the network.
	var client *osm.Client
	if !a.dry {
		var err error
		if client, err = a.osmClient(); err != nil {
			return err
		}
	}

	lock, err := filelock.Acquire(filepath.Join(a.cfg.stateDir, ".lock"), strconv.Itoa(os.Getpid()))
	if errors.Is(err, filelock.ErrAlreadyLocked) {
		return fmt.Errorf("%w: another run holds the lock in %s", errAlreadyRunning, a.cfg.stateDir)
	}
	if err != nil {
		return err
	}
	defer lock.Release()

	r := feed.New(feed.Config{
		HTTPClient:    a.httpc,
		ProfilePrefix: a.cfg.profilePrefix,
		Logger:        a.slog,
	})
	extracted, err := r.Fetch(ctx, a.cfg.feedURL)
	if err != nil {
		return err
	}
	loaded, err := ledger.Load(a.cfg.ledgerPath)
	if err != nil {
		return fmt.Errorf("loading ledger: %w", err)
	}
	added, all := ledger.Diff(loaded, extracted)
	a.slog.Debug("feed processed", "extracted", extracted.Len(), "known", loaded.Len(), "new", added.Len())

	if added.Len() == 0 {
		fmt.Fprintln(env.Stdout, "No new usernames found.")
		a.notify.Status("No new contributors")
		return nil
	}

	recipients := added.ToSortedSlice()
	fmt.Fprintf(env.Stdout, "New usernames found: %s. Sending welcome messages.\n", strings.Join(recipients, ", "))

	body, err := atomicio.ReadFile(a.cfg.templatePath)
	if err != nil {
		return fmt.Errorf("reading template: %w", err)
	}

	var sendErr error
	if len(body) == 0 {
		a.logf("Error: message template %s is missing or empty, no messages sent.", a.cfg.templatePath)
	} else {
		var attempted []string
		attempted, sendErr = a.sendAll(ctx, client, recipients, string(body))
		if sendErr != nil {
			// Only remember who was actually reached, so the rest are
			// greeted on the next run.
			all = loaded.Union(set.NewFromSlice(attempted...))
		}
	}

	if a.dry {
		a.slog.Debug("dry run, not saving ledger", "path", a.cfg.ledgerPath, "size", all.Len())
		return sendErr
	}
	if err := ledger.Save(a.cfg.ledgerPath, all); err != nil {
		return errors.Join(sendErr, fmt.Errorf("saving ledger: %w", err))
	}
	return sendErr
}

// sendAll sends the welcome message to every recipient in order, pausing
// between sends. A failure for one recipient is logged and doesn't stop the
// others. Token, configuration and cancellation errors stop the loop and are
// returned along with the recipients attempted so far.
func (a *app) sendAll(ctx context.Context, client *osm.Client, recipients []string, body string) (attempted []string, err error) {
	var failed int
	for i, recipient := range recipients {
		if i > 0 && !a.dry {
			if err := a.sleep(ctx, a.cfg.sendDelay); err != nil {
				return attempted, err
			}
		}

		a.notify.Status("Sending welcome message %d of %d", i+1, len(recipients))
		if a.dry {
			a.logf("Would send a welcome message to %s.", recipient)
			attempted = append(attempted, recipient)
			continue
		}

		if _, err := client.SendMessage(ctx, recipient, a.cfg.title, body, a.cfg.bodyFormat); err != nil {
			if isFatal(ctx, err) {
				return attempted, withAuthHint(err)
			}
			failed++
			attempted = append(attempted, recipient)
			a.slog.Warn("failed to send welcome message", "recipient", recipient, "error", err)
			continue
		}
		attempted = append(attempted, recipient)
		a.logf("Sent a welcome message to %s.", recipient)
	}

	if failed > 0 {
		a.logf("Failed to send %d of %d messages.", failed, len(recipients))
	}
	a.notify.Status("Greeted %d new contributors, %d failed", len(recipients)-failed, failed)
	return attempted, nil
}

// isFatal reports whether err from sending a message must stop the run. A
// message that failed for want of a token was never sent.
func isFatal(ctx context.Context, err error) bool {
	return errors.Is(err, osm.ErrToken) ||
		errors.Is(err, oauth.ErrAuthorization) ||
		errors.Is(err, oauth.ErrConfiguration) ||
		ctx.Err() != nil
}
