// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package logger

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"go.astrophena.name/osmwelcome/internal/testutil"
)

func TestLogfWriter(t *testing.T) {
	t.Parallel()

	var (
		logged  bool
		message string
	)
	logf := func(format string, args ...any) {
		logged = true
		message = fmt.Sprintf(format, args...)
	}
	Logf(logf).Write([]byte("hello"))
	testutil.AssertEqual(t, logged, true)
	testutil.AssertEqual(t, message, "hello")
}

func TestPutGet(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := New(&buf)
	ctx := Put(context.Background(), l)

	if Get(ctx) != l {
		t.Fatal("Get returned a different logger")
	}

	Get(ctx).Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug record written at info level: %q", buf.String())
	}

	l.Level.Set(slog.LevelDebug)
	Get(ctx).Debug("shown", "user", "Marko")
	if !strings.Contains(buf.String(), "msg=shown user=Marko") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestGetWithoutLogger(t *testing.T) {
	t.Parallel()

	if Get(context.Background()) == nil {
		t.Fatal("Get returned nil for a bare context")
	}
}
