package vm

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// magic is the 16-byte program-image signature, §4.4.
var magic = [16]byte{
	0xDA, 0xE6, 0x9F, 0xF3, 0xF6, 0x98, 0x54, 0x48,
	0xB0, 0xCB, 0x65, 0x9E, 0xF6, 0xB8, 0x38, 0xCE,
}

// Value record type tags, §4.4. The spec leaves the concrete byte values
// for each tag unspecified (it only names the five Value cases); this
// loader assigns them in the same order as Tag's own iota sequence so the
// wire format and the in-memory discriminant line up one-to-one.
const (
	recInteger byte = 0
	recReal    byte = 1
	recString  byte = 2
	recBoolean byte = 3
	recArray   byte = 4
)

const reservedHeaderBytes = 24

// Program is the Loader's output: an Engine-owned constant pool plus a
// flat instruction array, per §2's data-flow description.
type Program struct {
	Constants    []*Value
	Instructions []Instruction
}

// OpenImage locates the start of a program image in the file at path,
// handling both layouts described in §6: a standalone image file (header
// at offset 0) and an image appended to a loader executable (whose final
// 8 bytes are a little-endian uint64 giving the image's byte length). It
// is the one piece of the "executable packaging" collaborator (out of
// scope per §1) that the core needs: a stream positioned at the image
// start.
func OpenImage(path string) (io.Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening program image %q", path)
	}

	if len(data) >= 16 && bytes.Equal(data[:16], magic[:]) {
		return bytes.NewReader(data), nil
	}

	if len(data) >= 8 {
		trailer := binary.LittleEndian.Uint64(data[len(data)-8:])
		imageLen := int(trailer)
		if imageLen > 0 && imageLen+8 <= len(data) {
			start := len(data) - 8 - imageLen
			if start >= 0 && bytes.Equal(data[start:start+16], magic[:]) {
				return bytes.NewReader(data[start : start+imageLen]), nil
			}
		}
	}

	// Fall back to offset 0 and let Load report the precise format fault.
	return bytes.NewReader(data), nil
}

// Load parses a binary program image per §4.4, allocating every Value
// through alloc directly: constants are GC-exempt permanent objects owned
// by the Engine, never registered with the GC. log records a Warn/Error
// for every load fault (10001/10002/10003, §4.6) before it is returned; a
// nil log is treated as zap.NewNop().
func Load(r io.Reader, alloc *Allocator, log *zap.Logger) (*Program, error) {
	if log == nil {
		log = zap.NewNop()
	}
	br := bufio.NewReader(r)

	var hdrMagic [16]byte
	if _, err := io.ReadFull(br, hdrMagic[:]); err != nil {
		log.Warn("load fault: truncated image header", zap.Error(err))
		return nil, newFault(FaultBadMagic, "File is not in the correct format.")
	}
	if hdrMagic != magic {
		log.Warn("load fault: bad magic")
		return nil, newFault(FaultBadMagic, "File is not in the correct format.")
	}

	constCount, err := readU32(br)
	if err != nil {
		return nil, errors.Wrap(err, "reading constants count")
	}
	instrCount, err := readU32(br)
	if err != nil {
		return nil, errors.Wrap(err, "reading instruction count")
	}

	var reserved8 [8]byte
	if _, err := io.ReadFull(br, reserved8[:]); err != nil {
		return nil, errors.Wrap(err, "reading reserved uint64")
	}
	var reserved24 [reservedHeaderBytes]byte
	if _, err := io.ReadFull(br, reserved24[:]); err != nil {
		return nil, errors.Wrap(err, "reading reserved bytes")
	}

	constants := make([]*Value, 0, constCount)
	for i := uint32(0); i < constCount; i++ {
		v, err := readValueRecord(br, alloc)
		if err != nil {
			logLoadFault(log, "value record", i, err)
			return nil, err
		}
		constants = append(constants, v)
	}

	instructions := make([]Instruction, 0, instrCount)
	for i := uint32(0); i < instrCount; i++ {
		instr, err := readInstructionRecord(br)
		if err != nil {
			logLoadFault(log, "instruction record", i, err)
			return nil, err
		}
		instructions = append(instructions, instr)
	}

	return &Program{Constants: constants, Instructions: instructions}, nil
}

// logLoadFault reports a load-time Fault (§4.6) at Warn (malformed but
// well-understood input) or Error (anything readValueRecord/
// readInstructionRecord didn't itself classify as a Fault).
func logLoadFault(log *zap.Logger, what string, index uint32, err error) {
	if f, ok := AsFault(err); ok {
		log.Warn("load fault", zap.String("record", what), zap.Uint32("index", index), zap.Int("code", f.Code), zap.String("message", f.Message))
		return
	}
	log.Error("load error", zap.String("record", what), zap.Uint32("index", index), zap.Error(err))
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// readVarint implements §4.4's "7-bit encoding": a little-endian varint,
// up to 10 bytes, continuation bit in the MSB of each byte - exactly
// encoding/binary's unsigned LEB128-style Uvarint.
func readVarint(r *bufio.Reader) (uint64, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, errors.Wrap(err, "reading varint")
	}
	return v, nil
}

func readValueRecord(r *bufio.Reader, alloc *Allocator) (*Value, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, errors.Wrap(err, "reading value record header")
	}
	recType, reserved := hdr[0], hdr[1]
	if reserved != 0 {
		return nil, newFaultf(FaultBadValueRecord, "value record reserved byte is %d, want 0", reserved)
	}

	switch recType {
	case recInteger:
		u, err := readVarint(r)
		if err != nil {
			return nil, err
		}
		return rawIntegerValue(alloc, int64(u)), nil

	case recReal:
		bits, err := readU64(r)
		if err != nil {
			return nil, errors.Wrap(err, "reading real value bits")
		}
		return rawRealValue(alloc, math.Float64frombits(bits)), nil

	case recString:
		n, err := readVarint(r)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, errors.Wrap(err, "reading string value bytes")
		}
		return rawStringValue(alloc, string(buf)), nil

	case recBoolean:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, errors.Wrap(err, "reading boolean value bytes")
		}
		if b[0] == 0x00 && b[1] == 0xFF {
			return trueValue, nil
		}
		return falseValue, nil

	case recArray:
		rows, err := readVarint(r)
		if err != nil {
			return nil, err
		}
		cols, err := readVarint(r)
		if err != nil {
			return nil, err
		}
		elems := make([]*Value, rows*cols)
		for i := range elems {
			e, err := readValueRecord(r, alloc)
			if err != nil {
				return nil, err
			}
			elems[i] = e
		}
		return rawArrayValue(alloc, int(rows), int(cols), elems), nil

	default:
		return nil, newFaultf(FaultBadValueRecord, "unknown value record type %d", recType)
	}
}

func readInstructionRecord(r *bufio.Reader) (Instruction, error) {
	raw, err := readU16(r)
	if err != nil {
		return Instruction{}, errors.Wrap(err, "reading instruction opcode")
	}
	op, err := decodeOpcode(raw)
	if err != nil {
		return Instruction{}, err
	}

	var tag uint32
	if op.HasTag() {
		u, err := readVarint(r)
		if err != nil {
			return Instruction{}, err
		}
		tag = uint32(u)
		if op.IsJumpTarget() {
			// Wire format encodes jump/call targets 1-based (§6); normalize
			// to a direct 0-based instruction index here so the engine
			// never has to replay that encoding-level offset (§9).
			tag--
		}
	}
	return Instruction{Op: op, Tag: tag}, nil
}

func readU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}
