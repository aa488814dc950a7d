// Package version reports the binary's VCS provenance for status
// endpoints and startup logs.
package version

import (
	"runtime/debug"
	"sync"
)

// AppName is used in version strings and status responses.
const AppName = "servergem"

// Build is the provenance resolved from the embedded build info.
type Build struct {
	// Revision is the short VCS revision, or "dev" when the binary was
	// built without VCS stamping (go test, bare go build).
	Revision string
	// Time is the commit timestamp as recorded by the VCS, if known.
	Time string
	// Modified is true when the working tree was dirty at build time.
	Modified bool
}

var resolve = sync.OnceValue(func() Build {
	b := Build{Revision: "dev"}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return b
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if len(s.Value) > 10 {
				b.Revision = s.Value[:10]
			} else if s.Value != "" {
				b.Revision = s.Value
			}
		case "vcs.time":
			b.Time = s.Value
		case "vcs.modified":
			b.Modified = s.Value == "true"
		}
	}
	return b
})

// Current returns the resolved build provenance.
func Current() Build {
	return resolve()
}

// Full returns "servergem/<revision>", with "-dirty" appended when the
// tree was modified at build time.
func Full() string {
	b := resolve()
	s := AppName + "/" + b.Revision
	if b.Modified {
		s += "-dirty"
	}
	return s
}
