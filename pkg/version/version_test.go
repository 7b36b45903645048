package version

import (
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	info := Info()
	for _, key := range []string{"version", "commit", "build_date", "go_version"} {
		if info[key] == "" {
			t.Errorf("missing %s", key)
		}
	}
	if info["version"] != BuildVersion {
		t.Errorf("expected version %s, got %s", BuildVersion, info["version"])
	}
}

func TestString(t *testing.T) {
	if s := String(); !strings.HasPrefix(s, "tilestream "+BuildVersion) {
		t.Errorf("unexpected version string %q", s)
	}
}
