package driver_test

import (
	"encoding/binary"
	"testing"

	"github.com/bobuhiro11/gokvm-rng/memory"
	"github.com/bobuhiro11/gokvm-rng/virtio/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T, size uint16) (*driver.Queue, *memory.Memory) {
	t.Helper()

	mem, err := memory.New(1 << 20)
	require.NoError(t, err)

	t.Cleanup(func() { mem.Close() })

	q, err := driver.New(mem, 0x4000, size)
	require.NoError(t, err)

	return q, mem
}

func TestNewRejectsUnalignedBase(t *testing.T) {
	t.Parallel()

	mem, err := memory.New(1 << 20)
	require.NoError(t, err)

	defer mem.Close()

	_, err = driver.New(mem, 0x4010, 16)
	require.Error(t, err)
}

func TestLayout(t *testing.T) {
	t.Parallel()

	q, _ := newQueue(t, 256)

	desc, avail, used := q.Addresses()
	assert.Equal(t, uint64(0x4000), desc)
	assert.Equal(t, uint64(0x4000+16*256), avail)
	assert.Equal(t, uint64(0x6000), used)
	assert.Equal(t, uint32(4), q.PFN())
	assert.Equal(t, uint64(0x2000+6+8*256), driver.RingBytes(256))
}

func TestAddChainAndUsed(t *testing.T) {
	t.Parallel()

	q, mem := newQueue(t, 4)

	next, ok := q.NextFree()
	require.True(t, ok)

	head, err := q.AddChain(
		driver.Buffer{Addr: 0x10000, Len: 8},
		driver.Buffer{Addr: 0x11000, Len: 16, Write: true},
	)
	require.NoError(t, err)
	assert.Equal(t, next, head)

	_, avail, used := q.Addresses()

	b := make([]byte, 4)
	_, err = mem.ReadAt(b, int64(avail+2))
	require.NoError(t, err)
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(b))

	pending, err := q.Pending()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), pending)

	_, err = q.AddChain(make([]driver.Buffer, 3)...)
	require.ErrorIs(t, err, driver.ErrNoFreeDescriptors)

	_, err = q.AddChain()
	require.ErrorIs(t, err, driver.ErrEmptyChain)

	// play the device: post head with 16 bytes written.
	elem := make([]byte, 8)
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], 16)
	_, err = mem.WriteAt(elem, int64(used+4))
	require.NoError(t, err)

	_, err = mem.WriteAt([]byte{1, 0}, int64(used+2))
	require.NoError(t, err)

	done, err := q.Used()
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, driver.Used{ID: head, Len: 16}, done[0])

	// both descriptors are free again.
	_, err = q.AddChain(make([]driver.Buffer, 4)...)
	require.NoError(t, err)

	_, ok = q.NextFree()
	assert.False(t, ok)
}
