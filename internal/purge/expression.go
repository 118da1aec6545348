package purge

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ExpressionFunc turns one invalidation expression into a ban expression.
// siteName qualifies the ban by host when non-empty and the kind supports it.
type ExpressionFunc func(expression, siteName string) (string, error)

var expressionBuilders = map[Kind]ExpressionFunc{
	KindURL:        urlExpression,
	KindPath:       pathExpression,
	KindDomain:     domainExpression,
	KindRegex:      regexExpression,
	KindRaw:        rawExpression,
	KindTag:        rawExpression,
	KindEverything: everythingExpression,
}

// BuildExpression translates expression according to kind. Malformed input
// yields a *MalformedExpressionError.
func BuildExpression(kind Kind, expression, siteName string) (string, error) {
	build, ok := expressionBuilders[kind.Canonical()]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrKindUnsupported, kind)
	}
	out, err := build(expression, siteName)
	if err != nil {
		return "", &MalformedExpressionError{Kind: kind, Expression: expression, Err: err}
	}
	return out, nil
}

const banMetaCharacters = `[]{}()+?".,^$|#`

// EscapeBanPattern escapes regex metacharacters in s and turns every '*'
// into '.*'.
func EscapeBanPattern(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for _, r := range s {
		switch {
		case r == '*':
			b.WriteString(".*")
		case strings.ContainsRune(banMetaCharacters, r):
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func urlExpression(expression, _ string) (string, error) {
	parsed, err := url.Parse(expression)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" {
		return "", errors.New("missing scheme")
	}
	if parsed.Host == "" {
		return "", errors.New("missing host")
	}

	rest := strings.TrimPrefix(parsed.EscapedPath(), "/")
	if parsed.RawQuery != "" || parsed.ForceQuery {
		rest += "?" + parsed.RawQuery
	}
	if parsed.Fragment != "" {
		rest += "#" + parsed.EscapedFragment()
	}

	return fmt.Sprintf(`req.http.X-Forwarded-Proto == "%s" && req.http.host == "%s" && req.url ~ "^/%s$"`,
		parsed.Scheme, parsed.Host, EscapeBanPattern(rest)), nil
}

func pathExpression(expression, siteName string) (string, error) {
	out := fmt.Sprintf(`req.url ~ "^/%s$"`, EscapeBanPattern(strings.TrimPrefix(expression, "/")))
	return withQuotedSite(out, siteName), nil
}

func domainExpression(expression, _ string) (string, error) {
	return fmt.Sprintf(`req.http.host == "%s"`, expression), nil
}

func regexExpression(expression, siteName string) (string, error) {
	out := "req.url ~ " + expression
	if siteName != "" {
		out += " && req.http.host == " + siteName
	}
	return out, nil
}

func rawExpression(expression, _ string) (string, error) {
	return expression, nil
}

func everythingExpression(_, siteName string) (string, error) {
	return withQuotedSite(`req.url ~ "^/"`, siteName), nil
}

func withQuotedSite(expression, siteName string) string {
	if siteName == "" {
		return expression
	}
	return fmt.Sprintf(`%s && req.http.host == "%s"`, expression, siteName)
}
