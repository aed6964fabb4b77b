package exportbridge

import (
	"fmt"
	"io"
	"runtime"
)

// Populated during build, don't touch!
var (
	Version   = "v0.1.0"
	GitRev    = "undefined"
	GitBranch = "undefined"
	BuildDate = "undefined"
)

// BuildInfo describes the running binary
type BuildInfo struct {
	Version   string `json:"version"`
	GitRev    string `json:"gitRevision"`
	GitBranch string `json:"gitBranch"`
	BuildDate string `json:"built"`
	GoVersion string `json:"goVersion"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		GitRev:    GitRev,
		GitBranch: GitBranch,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// PrintVersion prints version info into the provided io.Writer.
func PrintVersion(w io.Writer) {
	fmt.Fprint(w, GetBuildInfo().String())
}

// KeysAndValues returns the build info as the key/value pairs of a structured log line
func (b BuildInfo) KeysAndValues() []interface{} {
	return []interface{}{
		"version", b.Version,
		"gitRevision", b.GitRev,
		"gitBranch", b.GitBranch,
		"goVersion", b.GoVersion,
		"built", b.BuildDate,
		"os/arch", b.OS + "/" + b.Arch,
	}
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("Version:      %s\n"+
		"Git revision: %s\n"+
		"Git branch:   %s\n"+
		"Go version:   %s\n"+
		"Built:        %s\n"+
		"OS/Arch:      %s/%s\n",
		b.Version, b.GitRev, b.GitBranch,
		b.GoVersion, b.BuildDate, b.OS, b.Arch)
}
