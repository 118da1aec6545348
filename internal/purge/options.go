package purge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/l0p7/purgectl/internal/expr"
	"github.com/l0p7/purgectl/internal/secrets"
	"github.com/l0p7/purgectl/internal/settings"
)

// UserAgent identifies purge requests to the provider.
const UserAgent = "purgectl module for section.io"

const redacted = "[redacted]"

// BasicAuth carries resolved credentials.
type BasicAuth struct {
	Username string
	Password string
}

// RequestOptions is everything the dispatcher needs besides the target URI.
type RequestOptions struct {
	Method         string
	Auth           *BasicAuth
	HTTPErrors     bool
	ConnectTimeout time.Duration
	Timeout        time.Duration
	Verify         bool
	Headers        map[string]string

	// Accept, when set, must evaluate true against the response for the
	// dispatch to succeed.
	Accept *expr.Program
}

// ResolveAuth looks up the password for the configured username. No username
// means no authentication.
func ResolveAuth(ctx context.Context, s settings.PurgerSettings, store secrets.Store) (*BasicAuth, error) {
	if s.Username == "" {
		return nil, nil
	}
	if store == nil {
		return nil, fmt.Errorf("purge: resolve password %q: %w", s.PasswordKey, secrets.ErrSecretNotFound)
	}
	password, err := store.Resolve(ctx, s.PasswordKey)
	if err != nil {
		return nil, fmt.Errorf("purge: resolve password %q: %w", s.PasswordKey, err)
	}
	return &BasicAuth{Username: s.Username, Password: password}, nil
}

// BuildHeaders returns the outbound headers keyed by lower-cased name.
// Configured headers are applied in order, so the last duplicate wins. A
// configured body only changes the content type; it is never sent.
func BuildHeaders(s settings.PurgerSettings, tokens TokenReplacer, data any) (map[string]string, error) {
	headers := map[string]string{
		"content-type": "application/json",
		"accept":       "application/json",
		"user-agent":   UserAgent,
	}
	if s.Body != "" && s.BodyContentType != "" {
		headers["content-type"] = s.BodyContentType
	}
	for _, header := range s.Headers {
		value, err := substitute(tokens, header.Value, data)
		if err != nil {
			return nil, fmt.Errorf("purge: render header %q: %w", header.Field, err)
		}
		headers[strings.ToLower(strings.TrimSpace(header.Field))] = value
	}
	return headers, nil
}

// BuildOptions assembles request options for one invalidation.
func BuildOptions(s settings.PurgerSettings, auth *BasicAuth, tokens TokenReplacer, data any) (RequestOptions, error) {
	headers, err := BuildHeaders(s, tokens, data)
	if err != nil {
		return RequestOptions{}, err
	}
	return RequestOptions{
		Method:         s.RequestMethod,
		Auth:           auth,
		HTTPErrors:     s.HTTPErrorsEnabled(),
		ConnectTimeout: s.ConnectTimeoutDuration(),
		Timeout:        s.TimeoutDuration(),
		Verify:         s.Scheme != "https" || s.VerifyTLS(),
		Headers:        headers,
	}, nil
}

type debugDump struct {
	URI     string            `json:"uri"`
	Method  string            `json:"method"`
	Options debugOptions      `json:"options"`
	Headers map[string]string `json:"headers"`
}

type debugOptions struct {
	Auth           []string `json:"auth,omitempty"`
	HTTPErrors     bool     `json:"http_errors"`
	ConnectTimeout float64  `json:"connect_timeout"`
	Timeout        float64  `json:"timeout"`
	Verify         bool     `json:"verify"`
	AcceptWhen     string   `json:"accept_when,omitempty"`
}

// describe renders the request as single-line JSON with secrets masked.
func (o RequestOptions) describe(uri string) string {
	dump := debugDump{
		URI:    flatten(uri),
		Method: flatten(o.Method),
		Options: debugOptions{
			HTTPErrors:     o.HTTPErrors,
			ConnectTimeout: o.ConnectTimeout.Seconds(),
			Timeout:        o.Timeout.Seconds(),
			Verify:         o.Verify,
		},
		Headers: make(map[string]string, len(o.Headers)),
	}
	if o.Auth != nil {
		dump.Options.Auth = []string{flatten(o.Auth.Username), redacted}
	}
	if o.Accept != nil {
		dump.Options.AcceptWhen = flatten(o.Accept.Source())
	}
	for name, value := range o.Headers {
		if name == "authorization" || name == "proxy-authorization" {
			value = redacted
		}
		dump.Headers[name] = flatten(value)
	}
	raw, err := json.Marshal(dump)
	if err != nil {
		return fmt.Sprintf(`{"uri":%q}`, dump.URI)
	}
	return string(raw)
}

func flatten(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	return strings.ReplaceAll(s, "\n", " ")
}
