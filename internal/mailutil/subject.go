package mailutil

import (
	"regexp"
	"strings"
)

var replyPrefix = regexp.MustCompile(`(?i)^(re|aw|sv|antw)\s*:`)

// EnsureReplyPrefix adds "Re: " unless the subject already carries a reply
// prefix. Applying it twice gives the same result as applying it once.
func EnsureReplyPrefix(subject string) string {
	s := strings.TrimSpace(subject)
	if s == "" {
		return "Re:"
	}
	if replyPrefix.MatchString(s) {
		return s
	}
	return "Re: " + s
}
