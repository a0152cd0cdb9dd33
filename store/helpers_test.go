package store

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// tamper flips the file's contents without updating the checksum sidecar.
func tamper(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data = append(data, ' ')
	require.NoError(t, os.WriteFile(path, data, 0o644))
}
