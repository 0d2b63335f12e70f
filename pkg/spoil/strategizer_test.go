package spoil

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/crawlcore/pkg/models"
	"github.com/Sriram-PR/crawlcore/pkg/utils"
)

func TestGenericStrategizer_Defaults(t *testing.T) {
	g := NewGenericStrategizer()
	tests := []struct {
		state models.CrawlState
		want  Strategy
	}{
		{models.StateNotFound, Delete},
		{models.StateBadStatus, GraceOnce},
		{models.StateError, GraceOnce},
		{models.StateRejected, Delete},
		{models.StateUnset, Delete},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, g.Resolve("ref", tt.state), "state %s", tt.state)
	}
}

func TestFromConfig(t *testing.T) {
	g, err := FromConfig("ignore", map[string]string{"not-found": "grace_once", "error": "IGNORE"})
	require.NoError(t, err)
	assert.Equal(t, GraceOnce, g.Resolve("r", models.StateNotFound))
	assert.Equal(t, Ignore, g.Resolve("r", models.StateError))
	assert.Equal(t, GraceOnce, g.Resolve("r", models.StateBadStatus), "default mapping kept")
	assert.Equal(t, Ignore, g.Resolve("r", models.StateRejected), "fallback overridden")

	_, err = FromConfig("explode", nil)
	assert.True(t, errors.Is(err, utils.ErrConfigValidation))

	_, err = FromConfig("", map[string]string{"MISSING": "delete"})
	assert.True(t, errors.Is(err, utils.ErrConfigValidation))
}
