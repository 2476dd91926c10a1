package version

import (
	"encoding/json"
	"regexp"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersion_FollowsSemverOrDev(t *testing.T) {
	require.NotEmpty(t, Version)
	if Version == "dev" {
		return // development build without ldflags
	}
	semverRegex := regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.]+)?$`)
	require.True(t, semverRegex.MatchString(Version), "Version should follow semver, got: %s", Version)
}

func TestString_ContainsBuildInfo(t *testing.T) {
	str := String()
	assert.Contains(t, str, Version)
	assert.Contains(t, str, "manualqa")
	assert.Contains(t, str, "commit")
}

func TestShort_ReturnsVersion(t *testing.T) {
	assert.Equal(t, Version, Short())
}

func TestGetInfo(t *testing.T) {
	info := GetInfo()

	assert.Equal(t, Version, info.Version)
	assert.Equal(t, Commit, info.Commit)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS, info.OS)
	assert.Equal(t, runtime.GOARCH, info.Arch)
}

func TestGetInfo_IsJSONSerializable(t *testing.T) {
	data, err := json.Marshal(GetInfo())
	require.NoError(t, err)

	var parsed map[string]string
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Contains(t, parsed, "version")
	assert.Contains(t, parsed, "go_version")
}
