package purge

import (
	"fmt"

	"github.com/l0p7/purgectl/internal/settings"
)

// TokenReplacer substitutes template tokens in configured strings.
type TokenReplacer interface {
	Substitute(source string, data any) (string, error)
}

const stateEndpoint = "%s://%s:%d%sapi/v1/account/%s/application/%s/environment/%s/proxy/%s/state?banExpression="

// BuildURI assembles the ban endpoint for s. The result ends with the
// banExpression query key and expects the encoded expression appended.
func BuildURI(s settings.PurgerSettings, tokens TokenReplacer, data any) (string, error) {
	path, err := substitute(tokens, s.Path, data)
	if err != nil {
		return "", fmt.Errorf("purge: render path: %w", err)
	}
	return fmt.Sprintf(stateEndpoint,
		s.Scheme, s.Hostname, s.Port, path,
		s.Account, s.Application, s.EnvironmentName, s.ServiceName,
	), nil
}

// EnvironmentURI is the endpoint the health sensor probes. It ignores the
// configured path prefix.
func EnvironmentURI(s settings.PurgerSettings) string {
	return fmt.Sprintf("%s://%s:%d/api/v1/account/%s/application/%s/environment/%s",
		s.Scheme, s.Hostname, s.Port,
		s.Account, s.Application, s.EnvironmentName,
	)
}

func substitute(tokens TokenReplacer, source string, data any) (string, error) {
	if tokens == nil {
		return source, nil
	}
	return tokens.Substitute(source, data)
}
