package minibot

import "strings"

// ContainsBlacklistedWord reports whether content contains any entry from
// the blacklist. Matching is literal, case-sensitive substring matching;
// empty entries are ignored so a stray "" in the configuration doesn't
// match every message.
func ContainsBlacklistedWord(content string, blacklist []string) bool {
	for _, word := range blacklist {
		if word == "" {
			continue
		}
		if strings.Contains(content, word) {
			return true
		}
	}
	return false
}
