package catalog

import (
	"fmt"
	"regexp"
	"strings"
)

// Selector identifies a resource either by an exact string (id or name) or by a pattern
// applied to names only.
type Selector struct {
	exact   string
	pattern *regexp.Regexp
}

func Exact(value string) Selector {
	return Selector{exact: value}
}

func Pattern(re *regexp.Regexp) Selector {
	return Selector{pattern: re}
}

// ParseSelector reads the textual form of a selector: a value wrapped in slashes ("/^m1\./")
// is compiled as a pattern, anything else is taken literally.
func ParseSelector(s string) (Selector, error) {
	if len(s) >= 2 && strings.HasPrefix(s, "/") && strings.HasSuffix(s, "/") {
		if len(s) == 2 {
			return Selector{}, fmt.Errorf("empty pattern '%s'", s)
		}
		re, err := regexp.Compile(s[1 : len(s)-1])
		if err != nil {
			return Selector{}, fmt.Errorf("invalid pattern '%s': %w", s, err)
		}
		return Pattern(re), nil
	}
	return Exact(s), nil
}

func (s Selector) IsPattern() bool {
	return s.pattern != nil
}

func (s Selector) IsZero() bool {
	return s.pattern == nil && s.exact == ""
}

func (s Selector) String() string {
	if s.pattern != nil {
		return "/" + s.pattern.String() + "/"
	}
	return s.exact
}

func (s Selector) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s Selector) equals(value string) bool {
	return s.pattern == nil && s.exact != "" && value == s.exact
}

func (s Selector) matches(name string) bool {
	return s.pattern != nil && s.pattern.MatchString(name)
}
