// Package redact scrubs credential-shaped text from messages before they are
// logged, exported or sent to a trace collector.
package redact

import (
	"regexp"
	"strings"
	"unicode"

	"go.uber.org/zap"
)

// Marker replaces every redacted value.
const Marker = "[REDACTED]"

var (
	bearerPattern = regexp.MustCompile(`(?i)\b(bearer|basic)(\s+)[A-Za-z0-9._~+/=-]{8,}`)
	headerPattern = regexp.MustCompile(`(?i)(\bauthorization|\bx-api-key|\bapi-key|"(?:password|secret|token|access_token)")(\s*:\s*)"?[^\s",;]+"?`)
	paramPattern  = regexp.MustCompile(`(?i)\b((?:access_?token|auth_?token|oauth_token|oauth_signature|api_?key|secret|password|passwd|signature|sig|token|key|x-amz-signature|x-amz-credential|x-amz-security-token)=)([^&\s"',;]+)`)
	awsKeyPattern = regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)
	runPattern    = regexp.MustCompile(`[A-Za-z0-9_\-+/=]{32,}`)
)

// String removes credential-shaped substrings from s: authorization header
// values, secret-looking query or key=value parameters, AWS access key IDs and
// long opaque tokens.
func String(s string) string {
	if s == "" {
		return s
	}
	s = bearerPattern.ReplaceAllString(s, "${1}${2}"+Marker)
	s = headerPattern.ReplaceAllString(s, "${1}${2}"+Marker)
	s = paramPattern.ReplaceAllString(s, "${1}"+Marker)
	s = awsKeyPattern.ReplaceAllString(s, Marker)
	return runPattern.ReplaceAllStringFunc(s, func(m string) string {
		if tokenShaped(m) {
			return Marker
		}
		return m
	})
}

// Error is zap.Error with the message passed through String. Source URLs and
// object store responses end up in error text, so every error logged on the
// transfer path goes through here.
func Error(err error) zap.Field {
	if err == nil {
		return zap.Skip()
	}
	return zap.String("error", String(err.Error()))
}

// tokenShaped tells opaque tokens apart from long sanitized filenames and
// URL paths. A token has a long stretch without separators that either mixes
// letters and digits or flips case often, or is a slash-separated base64 run
// such as an AWS secret access key.
func tokenShaped(s string) bool {
	core := strings.Trim(s, "/=")
	for _, seg := range strings.FieldsFunc(core, isTokenSeparator) {
		if len(seg) < 20 {
			continue
		}
		letters, digits := classes(seg)
		if letters && (digits || caseShifts(seg) >= 4) {
			return true
		}
	}
	if len(core) < 32 || strings.ContainsAny(core, "_-") || !strings.ContainsAny(core, "/+=") {
		return false
	}
	return caseShifts(core) >= 5
}

func isTokenSeparator(r rune) bool {
	switch r {
	case '_', '-', '/', '+', '=':
		return true
	}
	return false
}

func classes(s string) (letters, digits bool) {
	for _, r := range s {
		switch {
		case unicode.IsLetter(r):
			letters = true
		case unicode.IsDigit(r):
			digits = true
		}
	}
	return letters, digits
}

// caseShifts counts lowercase letters directly followed by an uppercase one.
// CamelCase words shift once per word; random base64 shifts every few runes.
func caseShifts(s string) int {
	n := 0
	var prev rune
	for _, r := range s {
		if unicode.IsLower(prev) && unicode.IsUpper(r) {
			n++
		}
		prev = r
	}
	return n
}
