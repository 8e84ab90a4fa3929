package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dls-controls/fa-archiver/internal/archive"
)

func TestParseReadRequest(t *testing.T) {
	p, err := Parse("RFTA 0-3 1000 2000", 16)
	require.NoError(t, err)
	require.Equal(t, CmdRead, p.Command)
	require.Equal(t, archive.ClassFA, p.Request.Class)
	require.True(t, p.Request.SendTimestamp)
	require.True(t, p.Request.AllData)
	require.False(t, p.Request.CheckID0)
	require.Equal(t, uint64(1000), p.Request.Start)
	require.Equal(t, uint64(2000), p.Request.End)
	require.True(t, p.Request.Mask.Test(0))
	require.True(t, p.Request.Mask.Test(3))
	require.False(t, p.Request.Mask.Test(4))
}

func TestParseReadRequestFlagsZAndG(t *testing.T) {
	p, err := Parse("RDDZG 0 1000", 16)
	require.NoError(t, err)
	require.True(t, p.Request.SendSampleCount)
	require.True(t, p.Request.CheckID0)
}

func TestParseModifyRequestHasNoTimestamps(t *testing.T) {
	p, err := Parse("MDD 0", 16)
	require.NoError(t, err)
	require.Equal(t, CmdModify, p.Command)
	require.Equal(t, archive.ClassDD, p.Request.Class)
	require.Equal(t, uint64(0), p.Request.Start)
}

func TestParseInfoRequest(t *testing.T) {
	p, err := Parse("SF", 16)
	require.NoError(t, err)
	require.Equal(t, CmdInfo, p.Command)
}

func TestParseRejectsUnknownCommand(t *testing.T) {
	_, err := Parse("XF 0", 16)
	require.Error(t, err)
}

func TestParseRejectsMissingStartOnRead(t *testing.T) {
	_, err := Parse("RF 0", 16)
	require.Error(t, err)
}

func TestParseRejectsUnknownFlag(t *testing.T) {
	_, err := Parse("RFQ 0 0", 16)
	require.Error(t, err)
}
