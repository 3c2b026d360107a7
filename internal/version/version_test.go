package version

import (
	"strings"
	"testing"
)

func TestStringIncludesBuildInfo(t *testing.T) {
	prevVersion, prevCommit := Version, Commit
	t.Cleanup(func() { Version, Commit = prevVersion, prevCommit })

	Version = "v1.2.3"
	Commit = "abc123"

	out := String()
	if !strings.HasPrefix(out, "cdpguard v1.2.3 (commit abc123") {
		t.Fatalf("版本信息格式错误: %s", out)
	}
}
