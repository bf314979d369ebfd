package soup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mconf/mcs-core/internal/core"
)

func TestPortPoolPairsAreEvenOdd(t *testing.T) {
	pool := NewPortPool(40000, 40007)

	for i := 0; i < 4; i++ {
		rtp, rtcp, err := pool.Allocate()
		require.NoError(t, err)
		assert.Equal(t, 0, rtp%2, "rtp port must be even")
		assert.Equal(t, rtp+1, rtcp)
	}
	assert.Equal(t, 4, pool.InUse())

	_, _, err := pool.Allocate()
	var mcsErr *core.MCSError
	require.ErrorAs(t, err, &mcsErr)
	assert.Equal(t, core.ErrMediaServerNoResources, mcsErr.Code)
}

func TestPortPoolReleaseRecycles(t *testing.T) {
	pool := NewPortPool(40000, 40001)

	rtp, _, err := pool.Allocate()
	require.NoError(t, err)
	_, _, err = pool.Allocate()
	require.Error(t, err)

	pool.Release(rtp)
	again, _, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, rtp, again)

	// Unknown ports are ignored.
	pool.Release(50000)
	assert.Equal(t, 1, pool.InUse())
}

func TestPortPoolOddMinRoundsUp(t *testing.T) {
	pool := NewPortPool(40001, 40010)

	rtp, _, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 40002, rtp)
}
