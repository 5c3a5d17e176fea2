//go:build unix

package bootstrap

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireInstanceLockRejectsSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contextd.lock")

	first, err := AcquireInstanceLock(path)
	require.NoError(t, err)
	defer first.Release()

	_, err = AcquireInstanceLock(path)
	assert.Error(t, err)
}

func TestReleaseAllowsReacquiring(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contextd.lock")

	first, err := AcquireInstanceLock(path)
	require.NoError(t, err)
	require.NoError(t, first.Release())

	second, err := AcquireInstanceLock(path)
	require.NoError(t, err)
	defer second.Release()
}
