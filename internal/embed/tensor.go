package embed

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	cserrors "github.com/Aman-CERP/codesearch/internal/errors"
)

// Kind is a ggml tensor type.
type Kind uint32

// Tensor kinds known to the parser. Only F32, F16, Q8_0 and Q4_0 can be
// computed; the rest are described but rejected by Open.
const (
	KindF32  Kind = 0
	KindF16  Kind = 1
	KindQ4_0 Kind = 2
	KindQ4_1 Kind = 3
	KindQ5_0 Kind = 6
	KindQ5_1 Kind = 7
	KindQ8_0 Kind = 8
	KindQ8_1 Kind = 9
	KindQ2_K Kind = 10
	KindQ3_K Kind = 11
	KindQ4_K Kind = 12
	KindQ5_K Kind = 13
	KindQ6_K Kind = 14
	KindQ8_K Kind = 15
	KindI8   Kind = 24
	KindI16  Kind = 25
	KindI32  Kind = 26
	KindI64  Kind = 27
	KindF64  Kind = 28
	KindBF16 Kind = 30
)

type kindInfo struct {
	name       string
	blockSize  int // elements per block
	blockBytes int // bytes per block
	dequant    func(dst []float32, src []byte)
}

var kindTable = map[Kind]kindInfo{
	KindF32:  {"F32", 1, 4, dequantF32},
	KindF16:  {"F16", 1, 2, dequantF16},
	KindQ4_0: {"Q4_0", 32, 18, dequantQ4_0},
	KindQ4_1: {"Q4_1", 32, 20, nil},
	KindQ5_0: {"Q5_0", 32, 22, nil},
	KindQ5_1: {"Q5_1", 32, 24, nil},
	KindQ8_0: {"Q8_0", 32, 34, dequantQ8_0},
	KindQ8_1: {"Q8_1", 32, 36, nil},
	KindQ2_K: {"Q2_K", 256, 84, nil},
	KindQ3_K: {"Q3_K", 256, 110, nil},
	KindQ4_K: {"Q4_K", 256, 144, nil},
	KindQ5_K: {"Q5_K", 256, 176, nil},
	KindQ6_K: {"Q6_K", 256, 210, nil},
	KindQ8_K: {"Q8_K", 256, 292, nil},
	KindI8:   {"I8", 1, 1, nil},
	KindI16:  {"I16", 1, 2, nil},
	KindI32:  {"I32", 1, 4, nil},
	KindI64:  {"I64", 1, 8, nil},
	KindF64:  {"F64", 1, 8, nil},
	KindBF16: {"BF16", 1, 2, nil},
}

func (k Kind) String() string {
	if info, ok := kindTable[k]; ok {
		return info.name
	}
	return fmt.Sprintf("type(%d)", uint32(k))
}

// Computable reports whether the embedding path can dequantize k.
func (k Kind) Computable() bool {
	info, ok := kindTable[k]
	return ok && info.dequant != nil
}

func dequantF32(dst []float32, src []byte) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
}

func dequantF16(dst []float32, src []byte) {
	for i := range dst {
		dst[i] = halfToFloat32(binary.LittleEndian.Uint16(src[i*2:]))
	}
}

// dequantQ8_0 expands blocks of {f16 scale, 32 x int8}.
func dequantQ8_0(dst []float32, src []byte) {
	for b := 0; b*32 < len(dst); b++ {
		blk := src[b*34 : (b+1)*34]
		d := halfToFloat32(binary.LittleEndian.Uint16(blk))
		out := dst[b*32 : (b+1)*32]
		for j := range out {
			out[j] = float32(int8(blk[2+j])) * d
		}
	}
}

// dequantQ4_0 expands blocks of {f16 scale, 16 bytes of nibbles}. The low
// nibbles hold elements 0-15 and the high nibbles 16-31, offset by 8.
func dequantQ4_0(dst []float32, src []byte) {
	for b := 0; b*32 < len(dst); b++ {
		blk := src[b*18 : (b+1)*18]
		d := halfToFloat32(binary.LittleEndian.Uint16(blk))
		out := dst[b*32 : (b+1)*32]
		for j := 0; j < 16; j++ {
			q := blk[2+j]
			out[j] = float32(int(q&0x0F)-8) * d
			out[j+16] = float32(int(q>>4)-8) * d
		}
	}
}

// halfToFloat32 converts IEEE 754 binary16 bits to float32.
func halfToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1F
	mant := uint32(h) & 0x3FF

	switch exp {
	case 0:
		if mant == 0 {
			return math.Float32frombits(sign)
		}
		// Subnormal: shift until the implicit bit appears.
		e := uint32(127 - 15 + 1)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		mant &= 0x3FF
		return math.Float32frombits(sign | e<<23 | mant<<13)
	case 0x1F:
		return math.Float32frombits(sign | 0xFF<<23 | mant<<13)
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | mant<<13)
	}
}

// matrix is a computable 2-D tensor read row by row through bounded
// windows. Row r covers elements [r*cols, (r+1)*cols).
type matrix struct {
	desc      *TensorDescriptor
	info      kindInfo
	cols      int // elements per row, Shape[0]
	rows      int // Shape[1]
	rowBytes  int64
	rowBlocks int
	winBlocks int // blocks per window
	winBytes  int
	winFloats int
}

func newMatrix(desc *TensorDescriptor, windowBytes, ceiling int64) (*matrix, error) {
	info, ok := kindTable[desc.Kind]
	if !ok || info.dequant == nil {
		return nil, fmt.Errorf("tensor %s kind %s is not supported for compute", desc.Name, desc.Kind)
	}
	if len(desc.Shape) != 2 {
		return nil, fmt.Errorf("tensor %s has %d dimensions, want 2", desc.Name, len(desc.Shape))
	}
	m := &matrix{
		desc: desc,
		info: info,
		cols: int(desc.Shape[0]),
		rows: int(desc.Shape[1]),
	}
	m.rowBlocks = m.cols / info.blockSize
	m.rowBytes = int64(m.rowBlocks) * int64(info.blockBytes)
	if m.rowBytes*int64(m.rows) != desc.ByteLength {
		return nil, fmt.Errorf("tensor %s byte length %d disagrees with shape", desc.Name, desc.ByteLength)
	}

	// A window must fit the configured window size, and both its raw bytes
	// and its dequantized floats must stay under the allocation ceiling.
	blocks := windowBytes / int64(info.blockBytes)
	if byFloats := ceiling / 4 / int64(info.blockSize); byFloats < blocks {
		blocks = byFloats
	}
	if byBytes := ceiling / int64(info.blockBytes); byBytes < blocks {
		blocks = byBytes
	}
	if blocks < 1 {
		blocks = 1
	}
	if blocks > int64(m.rowBlocks) {
		blocks = int64(m.rowBlocks)
	}
	m.winBlocks = int(blocks)
	m.winBytes = m.winBlocks * info.blockBytes
	m.winFloats = m.winBlocks * info.blockSize
	return m, nil
}

// window is the scratch a matrix streams through: raw file bytes and their
// dequantized floats.
type window struct {
	raw  []byte
	vals []float32
}

// newWindow takes the window buffers for m from a.
func (m *matrix) newWindow(a *Arena) (*window, error) {
	raw, err := a.Bytes(m.winBytes)
	if err != nil {
		return nil, err
	}
	vals, err := a.Float32s(m.winFloats)
	if err != nil {
		return nil, err
	}
	return &window{raw: raw, vals: vals}, nil
}

// streamRow reads one row through w and calls fn with the offset of each
// window within the row and its dequantized values. The slice passed to fn
// is only valid during the call.
func (m *matrix) streamRow(ctx context.Context, r io.ReaderAt, w *window, row int, path string,
	fn func(off int, vals []float32)) error {
	if row < 0 || row >= m.rows {
		return cserrors.Newf(cserrors.ErrCodeInvalidInput, "row %d out of range for %s", row, m.desc.Name)
	}

	base := m.desc.Offset + int64(row)*m.rowBytes
	for b := 0; b < m.rowBlocks; b += m.winBlocks {
		if err := ctx.Err(); err != nil {
			return cserrors.FromContext(err, "embed")
		}
		n := min(m.winBlocks, m.rowBlocks-b)
		buf := w.raw[:n*m.info.blockBytes]
		if _, err := r.ReadAt(buf, base+int64(b)*int64(m.info.blockBytes)); err != nil {
			if errors.Is(err, io.EOF) {
				return cserrors.ModelCorrupt(path, "tensor "+m.desc.Name+" data truncated", err)
			}
			return fmt.Errorf("read %s: %w", m.desc.Name, err)
		}
		out := w.vals[:n*m.info.blockSize]
		m.info.dequant(out, buf)
		fn(b*m.info.blockSize, out)
	}
	return nil
}
