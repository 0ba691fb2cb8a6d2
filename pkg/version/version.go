// Package version carries build metadata for the gembridge binary, stamped
// at build time or recovered from the embedded VCS info.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
)

// Set with -ldflags "-X github.com/gembridge/gembridge/pkg/version.Version=vX.Y.Z"
// (likewise Commit and Date). Unstamped builds report "dev" and fall back
// to the VCS info the toolchain embeds.
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Date    string `json:"date,omitempty"`
	Dirty   bool   `json:"dirty,omitempty"`
}

func Current() Info {
	info := Info{
		Version: strings.TrimSpace(Version),
		Commit:  strings.TrimSpace(Commit),
		Date:    strings.TrimSpace(Date),
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = strings.TrimSpace(s.Value)
				}
			case "vcs.time":
				if info.Date == "" {
					info.Date = strings.TrimSpace(s.Value)
				}
			case "vcs.modified":
				info.Dirty = strings.EqualFold(strings.TrimSpace(s.Value), "true")
			}
		}
	}
	return info
}

// String is the compact form used in log lines and the admin status payload,
// e.g. "v1.2.3+0123456789ab" or "dev+0123456789ab+dirty".
func String() string {
	v := Current()
	parts := []string{v.Version}
	if v.Commit != "" {
		short := v.Commit
		if len(short) > 12 {
			short = short[:12]
		}
		parts = append(parts, short)
	}
	if v.Dirty {
		parts = append(parts, "dirty")
	}
	return strings.Join(parts, "+")
}

// Detailed is the multi-line output of the version subcommand.
func Detailed() string {
	v := Current()
	var b strings.Builder
	b.WriteString("gembridge " + String())
	if v.Date != "" {
		b.WriteString("\nbuilt: " + v.Date)
	}
	b.WriteString("\ngo:    " + runtime.Version())
	return b.String()
}
