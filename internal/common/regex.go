package common

import (
	"regexp"
	"strings"
)

// CompileCaseInsensitive compiles a pattern with the (?i) flag added when absent.
func CompileCaseInsensitive(pattern string) (*regexp.Regexp, error) {
	if !strings.HasPrefix(pattern, "(?i)") {
		pattern = "(?i)" + pattern
	}
	return regexp.Compile(pattern)
}
