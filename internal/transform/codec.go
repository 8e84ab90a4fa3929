package transform

import (
	"encoding/binary"

	"github.com/dls-controls/fa-archiver/internal/decimate"
)

func putInt32(buf []byte, v int32) {
	binary.LittleEndian.PutUint32(buf, uint32(v))
}

func getInt32(buf []byte) int32 {
	return int32(binary.LittleEndian.Uint32(buf))
}

// getUint32AsFrameID reads frame id 0's x value from a raw frame, which
// the sniffer drives as a rolling per-frame counter (spec.md's id_zero
// convention used to detect missed frames between consecutive blocks).
func getUint32AsFrameID(raw []byte, frameBase int) uint32 {
	return uint32(getInt32(raw[frameBase:]))
}

func encodeSlot(s decimate.Slot, buf []byte) {
	putInt32(buf[0:], s.MinX)
	putInt32(buf[4:], s.MaxX)
	putInt32(buf[8:], s.MeanX)
	putInt32(buf[12:], s.StdX)
	putInt32(buf[16:], s.MinY)
	putInt32(buf[20:], s.MaxY)
	putInt32(buf[24:], s.MeanY)
	putInt32(buf[28:], s.StdY)
}
