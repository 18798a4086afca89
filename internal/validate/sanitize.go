package validate

import (
	"regexp"
	"strings"
	"unicode"
)

// Patterns stripped from free-text parameters. These never reach a
// query backend unescaped, but defense here keeps hostile text out of
// logs, cache keys, and write-back documents too.
var (
	scriptTagRe  = regexp.MustCompile(`(?is)<\s*/?\s*script[^>]*>`)
	jsURLRe      = regexp.MustCompile(`(?i)javascript\s*:`)
	sqlKeywordRe = regexp.MustCompile(`(?i)\b(union\s+select|insert\s+into|delete\s+from|drop\s+table|exec\s*\(|xp_cmdshell)\b`)
	traversalRe  = regexp.MustCompile(`\.\./|\.\.\\`)
)

// SanitizeFreeText removes control characters and strips known
// injection patterns from a free-text field.
func SanitizeFreeText(s string) string {
	s = stripControl(s)
	s = scriptTagRe.ReplaceAllString(s, "")
	s = jsURLRe.ReplaceAllString(s, "")
	s = sqlKeywordRe.ReplaceAllString(s, "")
	for traversalRe.MatchString(s) {
		s = traversalRe.ReplaceAllString(s, "")
	}
	return s
}

// SanitizeString removes control characters and null bytes only; used
// for structured string parameters where content is validated by schema.
func SanitizeString(s string) string {
	return stripControl(s)
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == 0 || (unicode.IsControl(r) && r != '\n' && r != '\t') {
			return -1
		}
		return r
	}, s)
}
