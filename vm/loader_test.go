package vm

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

type imageBuilder struct {
	buf bytes.Buffer
}

func newImageBuilder(constCount, instrCount uint32) *imageBuilder {
	b := &imageBuilder{}
	b.buf.Write(magic[:])
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], constCount)
	b.buf.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], instrCount)
	b.buf.Write(u32[:])
	var u64 [8]byte
	b.buf.Write(u64[:]) // reserved uint64
	b.buf.Write(make([]byte, reservedHeaderBytes))
	return b
}

func (b *imageBuilder) varint(v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	b.buf.Write(tmp[:n])
}

func (b *imageBuilder) integer(v int64) {
	b.buf.WriteByte(recInteger)
	b.buf.WriteByte(0)
	b.varint(uint64(v))
}

func (b *imageBuilder) real(v float64) {
	b.buf.WriteByte(recReal)
	b.buf.WriteByte(0)
	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], math.Float64bits(v))
	b.buf.Write(u64[:])
}

func (b *imageBuilder) str(s string) {
	b.buf.WriteByte(recString)
	b.buf.WriteByte(0)
	b.varint(uint64(len(s)))
	b.buf.WriteString(s)
}

func (b *imageBuilder) boolean(v bool) {
	b.buf.WriteByte(recBoolean)
	b.buf.WriteByte(0)
	if v {
		b.buf.Write([]byte{0x00, 0xFF})
	} else {
		b.buf.Write([]byte{0x00, 0x00})
	}
}

func (b *imageBuilder) arrayHeader(rows, cols int) {
	b.buf.WriteByte(recArray)
	b.buf.WriteByte(0)
	b.varint(uint64(rows))
	b.varint(uint64(cols))
}

func (b *imageBuilder) instruction(op Bytecode, tag uint32) {
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], uint16(op))
	b.buf.Write(u16[:])
	if op.HasTag() {
		b.varint(uint64(tag))
	}
}

func TestLoaderRoundTrip(t *testing.T) {
	b := newImageBuilder(4, 2)
	b.integer(5)
	b.real(2.5)
	b.str("hi")
	b.boolean(true)
	// Jmp target-bearing tag is wire-encoded 1-based; encode target=0 as 1.
	b.instruction(Jmp, 1)
	b.instruction(Nop, 0)

	prog, err := Load(bytes.NewReader(b.buf.Bytes()), NewAllocator(), nil)
	require.NoError(t, err)
	require.Len(t, prog.Constants, 4)
	require.Equal(t, int64(5), prog.Constants[0].AsInteger())
	require.Equal(t, 2.5, prog.Constants[1].AsReal())
	require.Equal(t, "hi", prog.Constants[2].String())
	require.Same(t, trueValue, prog.Constants[3])

	require.Len(t, prog.Instructions, 2)
	require.Equal(t, Jmp, prog.Instructions[0].Op)
	require.Equal(t, uint32(0), prog.Instructions[0].Tag, "wire-encoded 1-based target should decode to 0-based")
	require.Equal(t, Nop, prog.Instructions[1].Op)
}

func TestLoaderRoundTripArrayConstant(t *testing.T) {
	b := newImageBuilder(1, 0)
	b.arrayHeader(1, 2)
	b.integer(1)
	b.integer(2)

	prog, err := Load(bytes.NewReader(b.buf.Bytes()), NewAllocator(), nil)
	require.NoError(t, err)
	require.Len(t, prog.Constants, 1)
	arr := prog.Constants[0]
	require.Equal(t, TagArray, arr.Tag)
	require.Equal(t, int64(1), arr.GetValue(0, 0).AsInteger())
	require.Equal(t, int64(2), arr.GetValue(0, 1).AsInteger())
}

func TestLoaderBadMagicFaults(t *testing.T) {
	data := bytes.Repeat([]byte{0xFF}, 64)
	_, err := Load(bytes.NewReader(data), NewAllocator(), nil)
	require.Equal(t, FaultBadMagic, FaultCode(err))
}

func TestLoaderUnknownValueRecordTypeFaults(t *testing.T) {
	b := newImageBuilder(1, 0)
	b.buf.WriteByte(0xEE) // unknown record type
	b.buf.WriteByte(0)

	_, err := Load(bytes.NewReader(b.buf.Bytes()), NewAllocator(), nil)
	require.Equal(t, FaultBadValueRecord, FaultCode(err))
}

func TestLoaderUnknownOpcodeFaults(t *testing.T) {
	b := newImageBuilder(0, 1)
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], 0xBEEF)
	b.buf.Write(u16[:])

	_, err := Load(bytes.NewReader(b.buf.Bytes()), NewAllocator(), nil)
	require.Equal(t, FaultBadInstruction, FaultCode(err))
}

func TestOpenImageFindsAppendedTrailer(t *testing.T) {
	var img bytes.Buffer
	ib := newImageBuilder(0, 0)
	img.Write(ib.buf.Bytes())

	var packaged bytes.Buffer
	packaged.WriteString("fake loader executable bytes")
	packaged.Write(img.Bytes())
	var trailer [8]byte
	binary.LittleEndian.PutUint64(trailer[:], uint64(img.Len()))
	packaged.Write(trailer[:])

	path := t.TempDir() + "/packaged.bin"
	require.NoError(t, os.WriteFile(path, packaged.Bytes(), 0o644))

	r, err := OpenImage(path)
	require.NoError(t, err)
	prog, err := Load(r, NewAllocator(), nil)
	require.NoError(t, err)
	require.Empty(t, prog.Constants)
	require.Empty(t, prog.Instructions)
}
