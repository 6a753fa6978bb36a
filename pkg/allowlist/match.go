package allowlist

import (
	"regexp"
	"strings"
)

// Match reports whether any active entry permits (path, method). Method
// comparison is case-insensitive exact match. Pattern comparison is exact
// path equality unless the entry is a regex; prefixes never match unless the
// pattern explicitly encodes them.
func Match(path, method string, entries []Entry) bool {
	method = strings.ToUpper(strings.TrimSpace(method))
	for _, e := range entries {
		if !e.Active() {
			continue
		}
		if strings.ToUpper(strings.TrimSpace(e.Method)) != method {
			continue
		}
		if e.IsRegex {
			re, err := regexp.Compile(e.RoutePattern)
			if err != nil {
				// Unparseable patterns grant nothing.
				continue
			}
			if re.MatchString(path) {
				return true
			}
			continue
		}
		if e.RoutePattern == path {
			return true
		}
	}
	return false
}
