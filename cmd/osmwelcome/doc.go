// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

/*
Osmwelcome greets new OpenStreetMap contributors with a private message.

It reads a feed of contributors who recently made their first edit in a
country, remembers which of them it has already greeted and sends a welcome
message to everyone else through the OpenStreetMap API.

# Usage

	$ osmwelcome [flags...] [command] [args...]

# Commands

  - run: Greet new contributors. This is the default command.
  - auth: Authorize with OpenStreetMap and store the token, even if one
    is already stored.
  - whoami: Print the authorized account.
  - inbox: List received messages.
  - read <id>: Print a message.
  - ledger: Print contributors that have been greeted.

On the first run without a stored token, osmwelcome opens the OpenStreetMap
authorization page in a browser and waits for the redirect on the redirect
URI. Register an OAuth2 application with the redirect URI and the
consume_messages, send_messages and read_prefs permissions to get a client
ID and secret.

# State Directory

All files live in the state directory. It is chosen from, in order of
preference, the -state flag, the STATE_DIRECTORY environment variable and
$XDG_STATE_HOME/osmwelcome (~/.local/state/osmwelcome by default).

  - saved_usernames.txt: Greeted contributors, one per line.
  - osm_tokens.json: The OAuth2 token.
  - welcome_mail.txt: The message body. Nothing is sent without it.
  - config.star: Optional configuration.
  - .env: Optional environment variables, for example client credentials.

# Configuration

Settings are Starlark globals in config.star, for example:

	feed_url = "http://resultmaps.neis-one.org/newestosmcountryfeed?c=Slovenia"
	title = "Welcome to OpenStreetMap!"
	body_format = "text"
	send_delay = 5

Environment variables, including those read from .env, take precedence over
config.star:

  - CLIENT_ID, CLIENT_SECRET: OAuth2 application credentials. Required.
  - FEED_URL: Feed of new contributors.
  - PROFILE_PREFIX: Prefix of profile links in the feed. Defaults to
    "https://osm.org/user/".
  - LEDGER_PATH, TOKEN_STORE_PATH, TEMPLATE_PATH: File locations, relative
    to the state directory.
  - REDIRECT_URI: Defaults to "http://127.0.0.1:8080/callback".
  - SCOPE: Space-separated OAuth2 scopes.
  - TITLE: Message title.
  - BODY_FORMAT: One of text, markdown (default) or html.
  - SEND_DELAY: Pause between messages, in seconds or as a duration like
    "1500ms". Defaults to 2 seconds.
  - API_URL, AUTH_URL, TOKEN_URL: OpenStreetMap endpoints.

Each config.star global is named as the lowercase environment variable.
*/
package main

import (
	_ "embed"

	"go.astrophena.name/osmwelcome/internal/cli"
)

//go:embed doc.go
var doc []byte

func init() { cli.SetDocComment(doc) }
