package secrets

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Transforms are pure value rewrites applied before a secret is written.
// The names travel in plan files, so additions must stay backward compatible.
type transformFunc func(string) string

var transforms = map[string]transformFunc{
	"": func(s string) string { return s },
	"trim-trailing-slash": func(s string) string {
		return strings.TrimRight(s, "/")
	},
	"host-only": func(s string) string {
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			return s
		}
		return u.Host
	},
	"basename": func(s string) string {
		return path.Base(strings.TrimRight(s, "/"))
	},
}

func lookupTransform(name string) (transformFunc, error) {
	fn, ok := transforms[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("unknown transform %q (use trim-trailing-slash|host-only|basename)", name)
	}
	return fn, nil
}
