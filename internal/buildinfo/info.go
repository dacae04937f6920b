// Package buildinfo exposes version metadata baked in at link time via
// -ldflags "-X".
package buildinfo

import "runtime"

var (
	Version    = "v0.4.0"
	CommitHash = "unknown"
)

type Info struct {
	About      string `json:"about,omitempty"`
	Service    string `json:"service,omitempty"`
	Version    string `json:"version,omitempty"`
	CommitHash string `json:"commit_hash,omitempty"`
	GoVersion  string `json:"go_version,omitempty"`
}

func GetBuildInfo() Info {
	return Info{
		About:      "https://github.com/idport/idport",
		Service:    "idport",
		Version:    Version,
		CommitHash: CommitHash,
		GoVersion:  runtime.Version(),
	}
}
