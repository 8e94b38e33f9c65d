package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildLoggersCarryTheirField(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	WithComponent("reconciler").Info().Str("extra", "x").Msg("hello")
	WithLab("lab-1").Warn().Msg("lab line")
	WithJob("job-1").Debug().Msg("job line")
	WithAgent("agent-1").Error().Msg("agent line")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 4)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &first))
	assert.Equal(t, "reconciler", first["component"])
	assert.Equal(t, "x", first["extra"])

	assert.Contains(t, string(lines[1]), `"lab_id":"lab-1"`)
	assert.Contains(t, string(lines[2]), `"job_id":"job-1"`)
	assert.Contains(t, string(lines[3]), `"agent_id":"agent-1"`)
}
