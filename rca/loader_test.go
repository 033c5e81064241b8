package rca

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rulesYAML = `
rules:
  - name: db-connection
    type: exception_contains
    priority: 15
    contains: SQLTransientConnectionException
    analysis_type: Database Unavailable
    reason: The test could not reach the database.
    confidence: 0.7
  - name: quarantined
    type: expression
    priority: 1
    enabled: false
    condition: '"quarantine" in tags'
    analysis_type: Quarantined Test
    confidence: 0.6
`

func TestLoadRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rulesYAML), 0o600))

	defs, err := LoadRulesFile(path)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "db-connection", defs[0].Name)
	assert.Equal(t, 15, defs[0].Priority)
	assert.True(t, defs[0].IsEnabled())
	assert.False(t, defs[1].IsEnabled())
}

func TestParseRules_RejectsUnknownKeys(t *testing.T) {
	_, err := ParseRules([]byte("rules:\n  - name: x\n    literal: Boom\n"))
	assert.Error(t, err)
}

func TestParseRules_Empty(t *testing.T) {
	defs, err := ParseRules(nil)
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestLoadRulesFile_Missing(t *testing.T) {
	_, err := LoadRulesFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
