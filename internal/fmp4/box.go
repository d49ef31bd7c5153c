// Package fmp4 writes the fragmented MP4 boxes used for live audio delivery.
// Media fragments are assembled by hand; the init segment is built with mediacommon.
package fmp4

import (
	"encoding/binary"
	"math"
)

// boxWriter appends ISO-BMFF boxes to a byte slice. Box sizes are back-filled
// when a box is closed, so nested boxes can be written in a single pass.
type boxWriter struct {
	buf  []byte
	open []int
}

func newBoxWriter(capacity int) *boxWriter {
	return &boxWriter{buf: make([]byte, 0, capacity)}
}

// begin starts a box and returns its offset.
func (w *boxWriter) begin(typ string) int {
	start := len(w.buf)
	w.open = append(w.open, start)
	w.buf = append(w.buf, 0, 0, 0, 0)
	w.buf = append(w.buf, typ[:4]...)
	return start
}

// beginFull starts a full box with version and 24-bit flags.
func (w *boxWriter) beginFull(typ string, version uint8, flags uint32) int {
	start := w.begin(typ)
	w.u32(uint32(version)<<24 | flags&0x00FFFFFF)
	return start
}

// end closes the innermost box and returns its size.
func (w *boxWriter) end() int {
	start := w.open[len(w.open)-1]
	w.open = w.open[:len(w.open)-1]
	size := len(w.buf) - start
	binary.BigEndian.PutUint32(w.buf[start:], uint32(size))
	return size
}

func (w *boxWriter) u32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *boxWriter) u64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *boxWriter) fourCC(s string) {
	w.buf = append(w.buf, s[:4]...)
}

func (w *boxWriter) raw(b []byte) {
	w.buf = append(w.buf, b...)
}

// putU32At overwrites four bytes at off.
func (w *boxWriter) putU32At(off int, v uint32) {
	binary.BigEndian.PutUint32(w.buf[off:], v)
}

func (w *boxWriter) len() int {
	return len(w.buf)
}

func (w *boxWriter) bytes() []byte {
	return w.buf
}

// mdatHeaderSize is 8 for the 32-bit form and 16 when the payload needs a 64-bit size.
func mdatHeaderSize(payload int) int {
	if uint64(payload)+8 > math.MaxUint32 {
		return 16
	}
	return 8
}

// appendMdat writes an mdat box around payload, switching to the large-size form
// only when the 32-bit size field cannot hold it.
func (w *boxWriter) appendMdat(payload [][]byte, payloadSize int) {
	if mdatHeaderSize(payloadSize) == 16 {
		w.u32(1)
		w.fourCC("mdat")
		w.u64(uint64(payloadSize) + 16)
	} else {
		w.u32(uint32(payloadSize + 8))
		w.fourCC("mdat")
	}
	for _, p := range payload {
		w.raw(p)
	}
}
