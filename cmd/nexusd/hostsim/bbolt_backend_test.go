package hostsim

import (
	"path/filepath"
	"testing"

	"github.com/fenwick-labs/nexuscore/nvstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBboltBackendWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nexusd.db")
	backend, err := OpenBboltBackend(path)
	require.NoError(t, err)
	defer backend.Close()

	store := nvstore.New(backend)
	store.Update(nvstore.BlockKeycodeMAS, []byte{1, 2, 3, 4})

	buf := make([]byte, 4)
	ok := store.Read(nvstore.BlockKeycodeMAS, buf)
	assert.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4}, buf)
}

func TestBboltBackendPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nexusd.db")

	backend, err := OpenBboltBackend(path)
	require.NoError(t, err)
	nvstore.New(backend).Update(nvstore.BlockKeycodePRO, []byte("sixteen-byte-blk"))
	require.NoError(t, backend.Close())

	reopened, err := OpenBboltBackend(path)
	require.NoError(t, err)
	defer reopened.Close()

	buf := make([]byte, 16)
	ok := nvstore.New(reopened).Read(nvstore.BlockKeycodePRO, buf)
	assert.True(t, ok)
	assert.Equal(t, []byte("sixteen-byte-blk"), buf)
}

func TestBboltBackendReadMissingBlockReturnsFalse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nexusd.db")
	backend, err := OpenBboltBackend(path)
	require.NoError(t, err)
	defer backend.Close()

	buf := make([]byte, 4)
	assert.False(t, backend.ReadBlock(nvstore.BlockChannelOM, buf))
}
