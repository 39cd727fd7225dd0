package buildinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet_FallsBackToUnknown(t *testing.T) {
	props := Get()

	assert.NotEmpty(t, props.BuildTime)
	assert.NotEmpty(t, props.GitCommit)
}

func TestGet_PrefersLinkerValues(t *testing.T) {
	oldTime, oldCommit := buildTime, gitCommit
	t.Cleanup(func() { buildTime, gitCommit = oldTime, oldCommit })
	buildTime, gitCommit = "2026-01-02T03:04:05Z", "abc123"

	props := Get()

	assert.Equal(t, "2026-01-02T03:04:05Z", props.BuildTime)
	assert.Equal(t, "abc123", props.GitCommit)
}
