// Package redact strips credentials, SQL and file-system paths from strings
// before they are logged or returned to operators. Store and driver errors
// routinely echo connection strings and statements; everything that leaves
// the engine through a log line or the ops API passes through here.
package redact

import (
	"log/slog"
	"net/url"
	"regexp"
	"strings"
)

// Placeholders substituted for redacted fragments.
const (
	RedactionPlaceholder          = "[REDACTED]"
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	RedactedKeyPlaceholder        = "[REDACTED_KEY]"
	RedactedSQLPlaceholder        = "[REDACTED_SQL]"
	RedactedPathPlaceholder       = "[REDACTED_PATH]"
)

type rule struct {
	pattern     *regexp.Regexp
	placeholder string
}

// rules run in order; connection strings go first so their embedded paths
// and parameters are consumed whole.
var rules = []rule{
	{
		regexp.MustCompile(`(?i)\b(postgres(?:ql)?|pgx|sqlite|file)://[^@\s/]+@`),
		RedactedCredentialPlaceholder,
	},
	{
		regexp.MustCompile(`(?i)\b(password|passwd|pwd)\s*[=:]\s*['"]?[^'"&\s]+`),
		RedactedCredentialPlaceholder,
	},
	{
		regexp.MustCompile(`(?i)\b(api[_-]?key|token|secret)\s*[=:]\s*['"]?[A-Za-z0-9_\-.~+/]{8,}`),
		RedactedKeyPlaceholder,
	},
	{
		regexp.MustCompile(`(?i)\b(SELECT|INSERT|UPDATE|DELETE)\b[^;]*?\b(FROM|INTO|SET)\b[^;]*`),
		RedactedSQLPlaceholder,
	},
	{
		regexp.MustCompile(`(?:/[\w.-]+){2,}`),
		RedactedPathPlaceholder,
	},
}

// String returns input with every sensitive fragment replaced.
func String(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, r := range rules {
		out = r.pattern.ReplaceAllString(out, r.placeholder)
	}
	return out
}

// Error redacts err's message. A nil error yields "".
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}

// Attr is the slog attribute for a redacted error.
func Attr(err error) slog.Attr {
	return slog.String("error", Error(err))
}

// DatabaseURL masks the password of a connection URL while keeping the
// driver, user, host and database readable. Keyword/value DSNs
// ("host=db password=secret") have their password value masked.
func DatabaseURL(raw string) string {
	if raw == "" {
		return raw
	}
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return RedactionPlaceholder
		}
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), RedactionPlaceholder)
		}
		q := u.Query()
		for key := range q {
			if isSecretParam(key) {
				q.Set(key, RedactionPlaceholder)
			}
		}
		u.RawQuery = q.Encode()
		return u.String()
	}

	fields := strings.Fields(raw)
	for i, f := range fields {
		key, _, found := strings.Cut(f, "=")
		if found && isSecretParam(key) {
			fields[i] = key + "=" + RedactionPlaceholder
		}
	}
	return strings.Join(fields, " ")
}

func isSecretParam(key string) bool {
	switch strings.ToLower(key) {
	case "password", "passwd", "pwd", "sslpassword", "_auth_pass", "_key":
		return true
	}
	return false
}
