package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfo(t *testing.T) {
	info := Info{CommitHash: "0123456789abcdef", BuildTime: "2026-10-01", Version: "v0.3.0", Platform: "linux/amd64"}

	assert.Equal(t, "0123456", info.Short())
	assert.Equal(t, "taskstream v0.3.0 (commit 0123456, built 2026-10-01)", info.String())
	assert.Equal(t, "taskstream/v0.3.0 (linux/amd64)", info.UserAgent())
	assert.Equal(t, "dev", Info{CommitHash: "dev"}.Short())
}

func TestGet(t *testing.T) {
	info := Get()
	assert.True(t, strings.HasPrefix(info.GoVersion, "go"))
	assert.Contains(t, info.Platform, "/")
}
