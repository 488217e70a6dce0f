package bus

import (
	"regexp"
	"strings"
)

// MatchSubject reports whether a concrete subject matches a pattern with
// NATS-style wildcards: * matches exactly one dot-separated token, > matches
// one or more trailing tokens.
func MatchSubject(pattern, subject string) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return subject == pattern
	}
	if re := compilePattern(pattern); re != nil {
		return re.MatchString(subject)
	}
	return false
}

// compilePattern converts a NATS-style pattern to an anchored regex,
// translating token by token so wildcard tokens never pass through
// regexp.QuoteMeta (which leaves > unescaped). Returns nil for literal
// patterns (no wildcards).
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	tokens := strings.Split(pattern, ".")
	parts := make([]string, len(tokens))
	for i, tok := range tokens {
		switch {
		case tok == "*":
			parts[i] = `[^.]+`
		case tok == ">" && i == len(tokens)-1:
			parts[i] = `.+`
		default:
			parts[i] = regexp.QuoteMeta(tok)
		}
	}

	re, err := regexp.Compile("^" + strings.Join(parts, `\.`) + "$")
	if err != nil {
		return nil
	}
	return re
}
