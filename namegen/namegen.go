// Package namegen names machines created without an explicit name.
package namegen

import (
	"regexp"
	"strings"

	vendor "github.com/anandvarma/namegen"
)

var gen = vendor.New()

var separators = regexp.MustCompile(`[^a-z0-9]+`)

// Machine returns a random, human readable machine name made of lowercase words joined by dashes.
func Machine() string {
	for {
		if name := normalize(gen.Get()); name != "" {
			return name
		}
	}
}

func normalize(name string) string {
	return strings.Trim(separators.ReplaceAllString(strings.ToLower(name), "-"), "-")
}
