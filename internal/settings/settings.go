// Package settings holds the purger configuration bundle and the repositories
// that persist it between processes.
package settings

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"
)

// ErrNotFound reports that no settings exist for the requested purger.
var ErrNotFound = errors.New("settings: purger not found")

// HeaderSetting is a single outbound header. Value may contain template tokens.
type HeaderSetting struct {
	Field string `koanf:"field" json:"field"`
	Value string `koanf:"value" json:"value"`
}

// PurgerSettings is the read-only configuration a purger uses for one batch.
type PurgerSettings struct {
	Name string `koanf:"name" json:"name,omitempty"`

	Scheme          string `koanf:"scheme" json:"scheme"`
	Hostname        string `koanf:"hostname" json:"hostname"`
	Port            int    `koanf:"port" json:"port"`
	Path            string `koanf:"path" json:"path"`
	Account         string `koanf:"account" json:"account"`
	Application     string `koanf:"application" json:"application"`
	EnvironmentName string `koanf:"environmentName" json:"environmentName"`
	ServiceName     string `koanf:"serviceName" json:"serviceName"`
	SiteName        string `koanf:"siteName" json:"siteName,omitempty"`

	Username    string `koanf:"username" json:"username,omitempty"`
	PasswordKey string `koanf:"passwordKey" json:"passwordKey,omitempty"`

	// ConnectTimeout and Timeout are expressed in seconds.
	ConnectTimeout float64 `koanf:"connectTimeout" json:"connectTimeout"`
	Timeout        float64 `koanf:"timeout" json:"timeout"`

	HTTPErrors *bool           `koanf:"httpErrors" json:"httpErrors,omitempty"`
	Verify     *bool           `koanf:"verify" json:"verify,omitempty"`
	Headers    []HeaderSetting `koanf:"headers" json:"headers,omitempty"`

	Body            string `koanf:"body" json:"body,omitempty"`
	BodyContentType string `koanf:"bodyContentType" json:"bodyContentType,omitempty"`
	RequestMethod   string `koanf:"requestMethod" json:"requestMethod"`

	RuntimeMeasurement bool    `koanf:"runtimeMeasurement" json:"runtimeMeasurement,omitempty"`
	CooldownTime       float64 `koanf:"cooldownTime" json:"cooldownTime,omitempty"`
	MaxRequests        int     `koanf:"maxRequests" json:"maxRequests,omitempty"`

	// AcceptWhen is an optional CEL condition evaluated against the provider
	// response. Empty means any response passing the status check succeeds.
	AcceptWhen    string   `koanf:"acceptWhen" json:"acceptWhen,omitempty"`
	DisabledTypes []string `koanf:"disabledTypes" json:"disabledTypes,omitempty"`
}

// Default values applied by WithDefaults.
const (
	DefaultScheme         = "https"
	DefaultPort           = 443
	DefaultPath           = "/"
	DefaultRequestMethod  = http.MethodPost
	DefaultConnectTimeout = 1.0
	DefaultTimeout        = 1.0
	DefaultMaxRequests    = 100
)

// WithDefaults fills unset fields so settings loaded from sparse documents
// behave predictably.
func (s PurgerSettings) WithDefaults() PurgerSettings {
	s.Scheme = strings.ToLower(strings.TrimSpace(s.Scheme))
	if s.Scheme == "" {
		s.Scheme = DefaultScheme
	}
	if s.Port == 0 {
		if s.Scheme == "http" {
			s.Port = 80
		} else {
			s.Port = DefaultPort
		}
	}
	if s.Path == "" {
		s.Path = DefaultPath
	}
	s.RequestMethod = strings.ToUpper(strings.TrimSpace(s.RequestMethod))
	if s.RequestMethod == "" {
		s.RequestMethod = DefaultRequestMethod
	}
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = DefaultConnectTimeout
	}
	if s.Timeout == 0 {
		s.Timeout = DefaultTimeout
	}
	if s.MaxRequests == 0 {
		s.MaxRequests = DefaultMaxRequests
	}
	return s
}

// Validate checks the invariants a purger needs before it can dispatch.
func (s PurgerSettings) Validate() error {
	switch s.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("settings: scheme unsupported: %q", s.Scheme)
	}
	if strings.TrimSpace(s.Hostname) == "" {
		return errors.New("settings: hostname required")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("settings: port invalid: %d", s.Port)
	}
	required := map[string]string{
		"account":         s.Account,
		"application":     s.Application,
		"environmentName": s.EnvironmentName,
		"serviceName":     s.ServiceName,
	}
	for _, name := range []string{"account", "application", "environmentName", "serviceName"} {
		if strings.TrimSpace(required[name]) == "" {
			return fmt.Errorf("settings: %s required", name)
		}
	}
	if s.ConnectTimeout < 0 {
		return fmt.Errorf("settings: connectTimeout invalid: %v", s.ConnectTimeout)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("settings: timeout invalid: %v", s.Timeout)
	}
	if s.Username != "" && s.PasswordKey == "" {
		return errors.New("settings: passwordKey required when username is set")
	}
	for i, header := range s.Headers {
		if strings.TrimSpace(header.Field) == "" {
			return fmt.Errorf("settings: headers[%d].field empty", i)
		}
	}
	return nil
}

// HTTPErrorsEnabled reports whether bad response statuses fail a dispatch.
// Defaults to true.
func (s PurgerSettings) HTTPErrorsEnabled() bool {
	if s.HTTPErrors == nil {
		return true
	}
	return *s.HTTPErrors
}

// VerifyTLS reports whether TLS certificates are verified. Defaults to true.
func (s PurgerSettings) VerifyTLS() bool {
	if s.Verify == nil {
		return true
	}
	return *s.Verify
}

// ConnectTimeoutDuration converts ConnectTimeout into a time.Duration.
func (s PurgerSettings) ConnectTimeoutDuration() time.Duration {
	return seconds(s.ConnectTimeout)
}

// TimeoutDuration converts Timeout into a time.Duration.
func (s PurgerSettings) TimeoutDuration() time.Duration {
	return seconds(s.Timeout)
}

// TypeDisabled reports whether the named invalidation type was switched off.
func (s PurgerSettings) TypeDisabled(name string) bool {
	return slices.ContainsFunc(s.DisabledTypes, func(candidate string) bool {
		return strings.EqualFold(strings.TrimSpace(candidate), name)
	})
}

// Clone returns a deep copy so repositories never share slices with callers.
func (s PurgerSettings) Clone() PurgerSettings {
	out := s
	if s.HTTPErrors != nil {
		v := *s.HTTPErrors
		out.HTTPErrors = &v
	}
	if s.Verify != nil {
		v := *s.Verify
		out.Verify = &v
	}
	out.Headers = slices.Clone(s.Headers)
	out.DisabledTypes = slices.Clone(s.DisabledTypes)
	return out
}

func seconds(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}
