package stackpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		TCStackSmall:       2,
		TCStackNormal:      1,
		MemoryCeilingBytes: -1, // disable ceiling for unit tests
		StackSizeSmall:     32 * 1024,
		StackSizeNormal:    1024 * 1024,
		StackSizeLarge:     8 * 1024 * 1024,
	}
}

func TestCheckoutCreatesFreshResource(t *testing.T) {
	pool := New(testConfig(), func(c Class) any { return c.String() })
	lease, err := pool.Checkout(Small)
	require.NoError(t, err)
	assert.Equal(t, Small, lease.Class())
	assert.Equal(t, "small", lease.Resource())
}

func TestCheckinRecyclesResource(t *testing.T) {
	created := 0
	pool := New(testConfig(), func(c Class) any { created++; return created })

	lease, err := pool.Checkout(Normal)
	require.NoError(t, err)
	pool.Checkin(lease)

	lease2, err := pool.Checkout(Normal)
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	_ = lease2
}

func TestCheckoutRejectsUnknownClass(t *testing.T) {
	pool := New(testConfig(), func(c Class) any { return nil })
	_, err := pool.Checkout(Class(99))
	assert.Error(t, err)
}
