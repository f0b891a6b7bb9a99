package version

import (
	"testing"
)

// setBuild overrides the build variables for the duration of a test.
func setBuild(t *testing.T, version, commit, buildTime string) {
	t.Helper()
	origVersion, origCommit, origBuildTime := Version, Commit, BuildTime
	t.Cleanup(func() {
		Version, Commit, BuildTime = origVersion, origCommit, origBuildTime
	})
	Version, Commit, BuildTime = version, commit, buildTime
}

func TestString(t *testing.T) {
	t.Run("default values", func(t *testing.T) {
		setBuild(t, "dev", "unknown", "unknown")

		if got, want := String(), "dev (unknown) built unknown"; got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	})

	t.Run("custom values", func(t *testing.T) {
		setBuild(t, "1.2.3", "abc1234", "2024-01-15T10:00:00Z")

		if got, want := String(), "1.2.3 (abc1234) built 2024-01-15T10:00:00Z"; got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	})
}

func TestGet(t *testing.T) {
	setBuild(t, "1.2.3", "abc1234", "2024-01-15T10:00:00Z")

	info := Get()
	if info.Version != "1.2.3" || info.Commit != "abc1234" || info.BuildTime != "2024-01-15T10:00:00Z" {
		t.Errorf("Get() = %+v, want build variables", info)
	}
}

func TestUserAgent(t *testing.T) {
	setBuild(t, "1.2.3", "abc1234", "unknown")

	if got, want := UserAgent("realtime-tap"), "realtime-tap/1.2.3 (abc1234)"; got != want {
		t.Errorf("UserAgent() = %q, want %q", got, want)
	}
}

func TestDefaultValues(t *testing.T) {
	// ldflags may override these in release builds
	if Version == "" {
		t.Error("Version should not be empty")
	}
	if Commit == "" {
		t.Error("Commit should not be empty")
	}
	if BuildTime == "" {
		t.Error("BuildTime should not be empty")
	}
}
