package shard_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cubrid/gobroker/internal/brokererr"
	"github.com/cubrid/gobroker/internal/shard"
)

func writeShardFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shard.keys")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const twoRangeFile = "[id]\n# min max shard_id\n0 127 0\n128 255 1\n"

func TestRoute_IntegerValueRoutesByModulo(t *testing.T) {
	path := writeShardFile(t, twoRangeFile)
	r, err := shard.NewRouter(path, 256)
	require.NoError(t, err)

	id, err := r.Route("id", int64(5))
	require.NoError(t, err)
	assert.Equal(t, int32(0), id)

	id, err = r.Route("id", int64(200))
	require.NoError(t, err)
	assert.Equal(t, int32(1), id)
}

func TestRoute_OutOfRangeGapIsRouteNoRange(t *testing.T) {
	path := writeShardFile(t, "[id]\n0 100 0\n")
	r, err := shard.NewRouter(path, 256)
	require.NoError(t, err)

	_, err = r.Route("id", int64(200))
	require.Error(t, err)
	assert.Equal(t, brokererr.CodeRouteNoRange, brokererr.AsCode(err))
}

func TestRoute_UnknownKeyIsRouteNoKey(t *testing.T) {
	path := writeShardFile(t, twoRangeFile)
	r, err := shard.NewRouter(path, 256)
	require.NoError(t, err)

	_, err = r.Route("nope", int64(1))
	require.Error(t, err)
	assert.Equal(t, brokererr.CodeRouteNoKey, brokererr.AsCode(err))
}

func TestRoute_KeyLookupIsCaseInsensitive(t *testing.T) {
	path := writeShardFile(t, twoRangeFile)
	r, err := shard.NewRouter(path, 256)
	require.NoError(t, err)

	id, err := r.Route("ID", int64(5))
	require.NoError(t, err)
	assert.Equal(t, int32(0), id)
}

func TestRoute_StringValueHashesByFirstByte(t *testing.T) {
	path := writeShardFile(t, "[id]\n0 255 0\n")
	r, err := shard.NewRouter(path, 256)
	require.NoError(t, err)

	id, err := r.Route("id", "A")
	require.NoError(t, err)
	assert.Equal(t, int32(0), id)
}

func TestLoad_RejectsOverlappingRanges(t *testing.T) {
	path := writeShardFile(t, "[id]\n0 127 0\n100 200 1\n")
	_, err := shard.NewRouter(path, 256)
	assert.Error(t, err)
}

func TestLoad_SingleFullRangeRoutesEverythingToOneShard(t *testing.T) {
	path := writeShardFile(t, "[id]\n0 255 0\n")
	r, err := shard.NewRouter(path, 256)
	require.NoError(t, err)

	for _, v := range []int64{0, 1, 128, 255} {
		id, err := r.Route("id", v)
		require.NoError(t, err)
		assert.Equal(t, int32(0), id)
	}
}

func TestReload_SwapsTableAtomically(t *testing.T) {
	path := writeShardFile(t, "[id]\n0 255 0\n")
	r, err := shard.NewRouter(path, 256)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("[id]\n0 255 9\n"), 0o600))
	require.NoError(t, r.Reload(path))

	id, err := r.Route("id", int64(1))
	require.NoError(t, err)
	assert.Equal(t, int32(9), id)
}

func TestRoute_IsPureAndDeterministic(t *testing.T) {
	path := writeShardFile(t, twoRangeFile)
	r, err := shard.NewRouter(path, 256)
	require.NoError(t, err)

	a, err := r.Route("id", int64(42))
	require.NoError(t, err)
	b, err := r.Route("id", int64(42))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
