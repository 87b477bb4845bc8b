//go:build unix

package docstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreLocksDirectory(t *testing.T) {
	dir := t.TempDir()
	first, err := NewFileStore(dir)
	require.NoError(t, err)

	_, err = NewFileStore(dir)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, first.Close())
	second, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}
