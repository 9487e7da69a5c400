// Package version reports build metadata stamped with -ldflags, filled in
// from the module build info for unstamped builds.
package version

import (
	"runtime/debug"
	"strconv"
)

// AppName is the identity used in logs, metrics, traces and profiles.
const AppName = "gymgate"

// Stamped at link time:
//
//	-X github.com/keithlinneman/gymgate/internal/version.Version=1.4.0
var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildID    string
	// Dirty is "true" or "false"; -X can only set strings.
	Dirty string
)

type Info struct {
	AppName    string `json:"app_name"`
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildID    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

// Stamped reports whether the binary came out of the release build.
func (i Info) Stamped() bool {
	return i.Version != "dev" && i.BuildID != ""
}

// DirtyString renders VCSDirty for labels, "unknown" when not recorded.
func (i Info) DirtyString() string {
	if i.VCSDirty == nil {
		return "unknown"
	}
	return strconv.FormatBool(*i.VCSDirty)
}

// LogFields is the metadata as logger key/value pairs.
func (i Info) LogFields() []any {
	return []any{
		"version", i.Version,
		"commit", i.Commit,
		"commit_date", i.CommitDate,
		"build_id", i.BuildID,
		"build_date", i.BuildDate,
		"go_version", i.GoVersion,
		"vcs_dirty", i.DirtyString(),
	}
}

func Get() Info {
	i := Info{
		AppName:    AppName,
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildID:    BuildID,
		VCSDirty:   parseBool(Dirty),
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return i
	}
	i.GoVersion = bi.GoVersion

	vcs := make(map[string]string, len(bi.Settings))
	for _, s := range bi.Settings {
		vcs[s.Key] = s.Value
	}
	if rev := vcs["vcs.revision"]; rev != "" && i.Commit == "none" {
		i.Commit = rev
	}
	if t := vcs["vcs.time"]; t != "" {
		if i.CommitDate == "" {
			i.CommitDate = t
		}
		if i.BuildDate == "" {
			i.BuildDate = t
		}
	}
	if d := parseBool(vcs["vcs.modified"]); d != nil {
		i.VCSDirty = d
	}
	return i
}

func parseBool(s string) *bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return nil
	}
	return &b
}
