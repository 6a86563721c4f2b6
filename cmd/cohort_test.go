package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadIDFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ids.txt")
	content := `# cohort from 2026-08-28
opp-001

opp-002
  opp-003
# trailing comment
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	ids, err := readIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"opp-001", "opp-002", "opp-003"}, ids)
}

func TestReadIDFileMissing(t *testing.T) {
	t.Parallel()

	_, err := readIDFile(filepath.Join(t.TempDir(), "nope.txt"))
	assert.Error(t, err)
}
