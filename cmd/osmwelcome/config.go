// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.astrophena.name/osmwelcome/cmd/osmwelcome/internal/feed"
	"go.astrophena.name/osmwelcome/cmd/osmwelcome/internal/oauth"
	"go.astrophena.name/osmwelcome/cmd/osmwelcome/internal/osm"
	"go.astrophena.name/osmwelcome/internal/atomicio"
	"go.astrophena.name/osmwelcome/internal/logger"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

var errBadConfig = errors.New("bad configuration")

const (
	defaultFeedURL = "http://resultmaps.neis-one.org/newestosmcountryfeed?c=Croatia"
	defaultTitle   = "Pozdrav od hrvatskog ogranka OSM zajednice"
)

type config struct {
	stateDir string

	feedURL       string
	profilePrefix string

	ledgerPath     string
	tokenStorePath string
	templatePath   string

	clientID     string
	clientSecret string
	redirectURI  string
	scope        string
	authURL      string
	tokenURL     string

	apiURL     string
	title      string
	bodyFormat osm.BodyFormat
	sendDelay  time.Duration
}

func defaultConfig(stateDir string) *config {
	return &config{
		stateDir:       stateDir,
		feedURL:        defaultFeedURL,
		profilePrefix:  feed.DefaultProfilePrefix,
		ledgerPath:     "saved_usernames.txt",
		tokenStorePath: "osm_tokens.json",
		templatePath:   "welcome_mail.txt",
		redirectURI:    oauth.DefaultRedirectURI,
		scope:          oauth.DefaultScope,
		authURL:        oauth.DefaultAuthURL,
		tokenURL:       oauth.DefaultTokenURL,
		apiURL:         osm.DefaultBaseURL,
		title:          defaultTitle,
		bodyFormat:     osm.Markdown,
		sendDelay:      2 * time.Second,
	}
}

// stringOptions are the settings that hold a single string, keyed by their
// environment variable name. The config.star global is the lowercase name.
// Resolved values must pass check, a validator tag.
var stringOptions = []struct {
	env, star string
	field     func(*config) *string
	check     string
}{
	{"FEED_URL", "feed_url", func(c *config) *string { return &c.feedURL }, "required,http_url"},
	{"PROFILE_PREFIX", "profile_prefix", func(c *config) *string { return &c.profilePrefix }, "required,http_url"},
	{"LEDGER_PATH", "ledger_path", func(c *config) *string { return &c.ledgerPath }, "required"},
	{"TOKEN_STORE_PATH", "token_store_path", func(c *config) *string { return &c.tokenStorePath }, "required"},
	{"TEMPLATE_PATH", "template_path", func(c *config) *string { return &c.templatePath }, "required"},
	{"CLIENT_ID", "client_id", func(c *config) *string { return &c.clientID }, ""},
	{"CLIENT_SECRET", "client_secret", func(c *config) *string { return &c.clientSecret }, ""},
	{"REDIRECT_URI", "redirect_uri", func(c *config) *string { return &c.redirectURI }, "required,http_url,startswith=http://"},
	{"SCOPE", "scope", func(c *config) *string { return &c.scope }, "required"},
	{"AUTH_URL", "auth_url", func(c *config) *string { return &c.authURL }, "required,http_url"},
	{"TOKEN_URL", "token_url", func(c *config) *string { return &c.tokenURL }, "required,http_url"},
	{"API_URL", "api_url", func(c *config) *string { return &c.apiURL }, "required,http_url"},
	{"TITLE", "title", func(c *config) *string { return &c.title }, "required"},
}

var validate = validator.New()

// loadConfig resolves the configuration from, in increasing order of
// precedence, the defaults, config.star and .env in stateDir and getenv.
func loadConfig(stateDir string, getenv func(string) string, logf logger.Logf) (*config, error) {
	c := defaultConfig(stateDir)

	bodyFormat := string(c.bodyFormat)

	src, err := atomicio.ReadFile(filepath.Join(stateDir, "config.star"))
	if err != nil {
		return nil, err
	}
	if src != nil {
		if err := c.applyStarlark(src, &bodyFormat, logf); err != nil {
			return nil, fmt.Errorf("%w: config.star: %w", errBadConfig, err)
		}
	}

	dotenv, err := readDotenv(filepath.Join(stateDir, ".env"))
	if err != nil {
		return nil, err
	}
	lookup := func(key string) string { return cmp.Or(getenv(key), dotenv[key]) }

	for _, opt := range stringOptions {
		if v := lookup(opt.env); v != "" {
			*opt.field(c) = v
		}
	}
	bodyFormat = cmp.Or(lookup("BODY_FORMAT"), bodyFormat)
	if v := lookup("SEND_DELAY"); v != "" {
		d, err := parseDelay(v)
		if err != nil {
			return nil, fmt.Errorf("%w: SEND_DELAY: %w", errBadConfig, err)
		}
		c.sendDelay = d
	}

	if c.bodyFormat, err = osm.ParseBodyFormat(bodyFormat); err != nil {
		return nil, fmt.Errorf("%w: %w", errBadConfig, err)
	}
	if c.sendDelay < 0 {
		return nil, fmt.Errorf("%w: send delay must not be negative, got %v", errBadConfig, c.sendDelay)
	}

	for _, opt := range stringOptions {
		if opt.check == "" {
			continue
		}
		v := *opt.field(c)
		if err := validate.Var(v, opt.check); err != nil {
			rule := opt.check
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) && len(verrs) > 0 {
				rule = verrs[0].Tag()
			}
			return nil, fmt.Errorf("%w: %s %q fails the %q check", errBadConfig, opt.star, v, rule)
		}
	}

	for _, path := range []*string{&c.ledgerPath, &c.tokenStorePath, &c.templatePath} {
		if !filepath.IsAbs(*path) {
			*path = filepath.Join(stateDir, *path)
		}
	}
	return c, nil
}

func (c *config) applyStarlark(src []byte, bodyFormat *string, logf logger.Logf) error {
	globals, err := starlark.ExecFileOptions(
		&syntax.FileOptions{
			TopLevelControl: true,
		},
		&starlark.Thread{
			Print: func(_ *starlark.Thread, msg string) { logf("%s", msg) },
		},
		"config.star",
		src,
		nil,
	)
	if err != nil {
		return err
	}

	str := func(name string, dst *string) error {
		v, ok := globals[name]
		if !ok {
			return nil
		}
		s, ok := starlark.AsString(v)
		if !ok {
			return fmt.Errorf("%s must be a string, got %s", name, v.Type())
		}
		*dst = s
		return nil
	}
	for _, opt := range stringOptions {
		if err := str(opt.star, opt.field(c)); err != nil {
			return err
		}
	}
	if err := str("body_format", bodyFormat); err != nil {
		return err
	}

	if v, ok := globals["send_delay"]; ok {
		secs, ok := starlark.AsFloat(v)
		if !ok {
			return fmt.Errorf("send_delay must be a number of seconds, got %s", v.Type())
		}
		c.sendDelay = time.Duration(secs * float64(time.Second))
	}
	return nil
}

func readDotenv(path string) (map[string]string, error) {
	vars, err := godotenv.Read(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", errBadConfig, path, err)
	}
	return vars, nil
}

// parseDelay accepts seconds ("2", "0.5") or a duration ("1500ms").
func parseDelay(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}
