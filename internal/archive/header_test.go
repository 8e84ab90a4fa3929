package archive

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := &Header{
		N:                256,
		D1Log2:           6,
		D2Log2:           8,
		InputBlockSize:   4096,
		MajorBlockSize:   MajorBlockSize(65536, 64, 4),
		MajorSampleCount: 65536,
		MajorBlockCount:  1024,
		MajorDataStart:   HeaderSize + 1024*indexEntrySize,
		DDTotalCount:     16384,
		DDSampleCount:    4096,
		LastDuration:     1_000_000,
		DiskStatus:       diskStatusWriting,
		WriteBacklog:     3,
		CurrentMajorBlock: 17,
		DataStart:        HeaderSize + 1024*indexEntrySize,
		DataSize:         1024 * MajorBlockSize(65536, 64, 4),
		BlockCount:       2,
	}
	h.ArchiveMaskWords[0] = 0xF0F0F0F0F0F0F0F0
	h.Blocks[0] = BlockSegment{StartSec: 10, StopSec: 20, StartOffset: 0, StopOffset: 4096}
	h.Blocks[1] = BlockSegment{StartSec: 1, StopSec: 9, StartOffset: 8192, StopOffset: 16384}

	buf := h.Encode()
	require.Len(t, buf, HeaderSize)

	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h.N, got.N)
	require.Equal(t, h.D1Log2, got.D1Log2)
	require.Equal(t, h.D2Log2, got.D2Log2)
	require.Equal(t, h.MajorBlockSize, got.MajorBlockSize)
	require.Equal(t, h.MajorSampleCount, got.MajorSampleCount)
	require.Equal(t, h.MajorBlockCount, got.MajorBlockCount)
	require.Equal(t, h.MajorDataStart, got.MajorDataStart)
	require.Equal(t, h.ArchiveMaskWords, got.ArchiveMaskWords)
	require.Equal(t, h.DiskStatus, got.DiskStatus)
	require.Equal(t, h.CurrentMajorBlock, got.CurrentMajorBlock)
	require.Equal(t, h.BlockCount, got.BlockCount)
	require.Equal(t, h.Blocks[0], got.Blocks[0])
	require.Equal(t, h.Blocks[1], got.Blocks[1])
	require.Equal(t, uint32(64), got.D1())
	require.Equal(t, uint32(256), got.D2())

	if diff := cmp.Diff(h.Blocks, got.Blocks); diff != "" {
		t.Errorf("block directory changed across encode/decode (-want +got):\n%s", diff)
	}
}

func TestDecodeHeaderRejectsBadMagic(t *testing.T) {
	buf := make([]byte, HeaderSize)
	copy(buf, "NOTFAARC")
	_, err := DecodeHeader(buf)
	require.Error(t, err)
}

func TestDecodeHeaderRejectsShortBuffer(t *testing.T) {
	_, err := DecodeHeader(make([]byte, 16))
	require.Error(t, err)
}

func TestPerIDBlockSizeAccountsForDecimatedSlots(t *testing.T) {
	// 16 raw samples/block, D1=4: 4 decimated slots per id.
	got := perIDBlockSize(16, 4)
	want := uint64(16*entrySize + 4*decimatedSlotSize)
	require.Equal(t, want, got)
}
