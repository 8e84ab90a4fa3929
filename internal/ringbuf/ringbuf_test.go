package ringbuf

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fillWith(buf []byte, v byte) {
	for i := range buf {
		buf[i] = v
	}
}

func TestStrictReaderSeesEveryBlock(t *testing.T) {
	rb := New(8, 4)
	strict := rb.OpenReader(true)

	const n = 20
	var produced sync.WaitGroup
	produced.Add(1)
	go func() {
		defer produced.Done()
		for i := 0; i < n; i++ {
			idx, buf, err := rb.ReserveWrite()
			require.NoError(t, err)
			fillWith(buf, byte(i))
			rb.CommitWrite(idx, false, uint64(i))
		}
	}()

	for i := 0; i < n; i++ {
		read := rb.GetRead(strict)
		require.Equal(t, StatusOK, read.Status)
		assert.Equal(t, uint64(i), read.Timestamp)
		assert.Equal(t, byte(i), read.Data[0])
		rb.ReleaseRead(strict)
	}
	produced.Wait()
}

func TestNonStrictReaderFallsBehindAndReportsBacklog(t *testing.T) {
	rb := New(8, 4)
	lazy := rb.OpenReader(false)

	for i := 0; i < 10; i++ {
		idx, buf, err := rb.ReserveWrite()
		require.NoError(t, err)
		fillWith(buf, byte(i))
		rb.CommitWrite(idx, false, uint64(i))
	}

	read := rb.GetRead(lazy)
	require.Equal(t, StatusOK, read.Status)
	assert.Greater(t, read.Backlog, 0, "lazy reader should report skipped blocks")
}

func TestGapSentinelDeliveredInOrder(t *testing.T) {
	rb := New(4, 4)
	r := rb.OpenReader(true)

	idx, _, err := rb.ReserveWrite()
	require.NoError(t, err)
	rb.CommitWrite(idx, false, 1)

	idx, _, err = rb.ReserveWrite()
	require.NoError(t, err)
	rb.CommitWrite(idx, true, 2) // gap

	idx, _, err = rb.ReserveWrite()
	require.NoError(t, err)
	rb.CommitWrite(idx, false, 3)

	first := rb.GetRead(r)
	require.Equal(t, StatusOK, first.Status)
	rb.ReleaseRead(r)

	gap := rb.GetRead(r)
	require.Equal(t, StatusGap, gap.Status)
	rb.ReleaseRead(r)

	third := rb.GetRead(r)
	require.Equal(t, StatusOK, third.Status)
	assert.Equal(t, uint64(3), third.Timestamp)
}

func TestStrictReaderGatesProducer(t *testing.T) {
	rb := New(4, 2)
	strict := rb.OpenReader(true)

	idx, _, err := rb.ReserveWrite()
	require.NoError(t, err)
	rb.CommitWrite(idx, false, 1)

	idx, _, err = rb.ReserveWrite()
	require.NoError(t, err)
	rb.CommitWrite(idx, false, 2)

	reserved := make(chan struct{})
	go func() {
		idx, _, err := rb.ReserveWrite()
		require.NoError(t, err)
		rb.CommitWrite(idx, false, 3)
		close(reserved)
	}()

	select {
	case <-reserved:
		t.Fatal("producer should have blocked on the strict reader")
	default:
	}

	read := rb.GetRead(strict)
	require.Equal(t, StatusOK, read.Status)
	rb.ReleaseRead(strict)

	<-reserved
}

func TestCloseUnblocksReaders(t *testing.T) {
	rb := New(4, 2)
	r := rb.OpenReader(true)

	done := make(chan Read, 1)
	go func() {
		done <- rb.GetRead(r)
	}()

	rb.Close()
	read := <-done
	assert.Equal(t, StatusShutdown, read.Status)
}
