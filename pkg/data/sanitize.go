package data

import (
	"errors"
	"strings"
)

var ErrNoJSON = errors.New("error sanitizing answer")

// SanitizeAnswer extracts the first balanced JSON object from a completion.
// Braces inside string literals are ignored so nested objects survive.
func SanitizeAnswer(ans string) (string, error) {
	start := strings.IndexByte(ans, '{')
	for start >= 0 {
		if end := matchingBrace(ans, start); end > 0 {
			return ans[start : end+1], nil
		}
		next := strings.IndexByte(ans[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", ErrNoJSON
}

func matchingBrace(s string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
