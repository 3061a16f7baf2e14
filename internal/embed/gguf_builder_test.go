package embed

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// ggufBuilder writes synthetic GGUF files for tests.
type ggufBuilder struct {
	magic     uint32
	version   uint32
	alignment uint64
	kvs       []ggufKV
	tensors   []ggufTensor

	// offsets overrides the relative data offset of named tensors.
	offsets map[string]uint64
	// cut drops bytes from the end of the encoded file.
	cut int
}

type ggufKV struct {
	key string
	typ ValueType
	val any
}

type ggufTensor struct {
	name  string
	kind  Kind
	shape []uint64
	data  []byte
}

func newGGUF() *ggufBuilder {
	return &ggufBuilder{magic: ggufMagic, version: 3, alignment: ggufDefaultAlignment, offsets: map[string]uint64{}}
}

func (b *ggufBuilder) str(key, val string) *ggufBuilder {
	b.kvs = append(b.kvs, ggufKV{key, TypeString, val})
	return b
}

func (b *ggufBuilder) u32(key string, val uint32) *ggufBuilder {
	b.kvs = append(b.kvs, ggufKV{key, TypeUint32, val})
	return b
}

func (b *ggufBuilder) tokens(toks []string) *ggufBuilder {
	b.kvs = append(b.kvs, ggufKV{KeyTokens, TypeArray, toks})
	return b
}

func (b *ggufBuilder) tensor(name string, kind Kind, shape []uint64, data []byte) *ggufBuilder {
	b.tensors = append(b.tensors, ggufTensor{name, kind, shape, data})
	return b
}

func (b *ggufBuilder) bytes() []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian
	putU32 := func(v uint32) { _ = binary.Write(&buf, le, v) }
	putU64 := func(v uint64) { _ = binary.Write(&buf, le, v) }
	putStr := func(s string) {
		putU64(uint64(len(s)))
		buf.WriteString(s)
	}

	kvs := b.kvs
	if b.alignment != ggufDefaultAlignment {
		kvs = append([]ggufKV{{KeyAlignment, TypeUint32, uint32(b.alignment)}}, kvs...)
	}

	putU32(b.magic)
	putU32(b.version)
	putU64(uint64(len(b.tensors)))
	putU64(uint64(len(kvs)))
	for _, kv := range kvs {
		putStr(kv.key)
		putU32(uint32(kv.typ))
		switch v := kv.val.(type) {
		case string:
			putStr(v)
		case uint32:
			putU32(v)
		case []string:
			putU32(uint32(TypeString))
			putU64(uint64(len(v)))
			for _, s := range v {
				putStr(s)
			}
		case [][]string:
			putU32(uint32(TypeArray))
			putU64(uint64(len(v)))
			for _, inner := range v {
				putU32(uint32(TypeString))
				putU64(uint64(len(inner)))
				for _, s := range inner {
					putStr(s)
				}
			}
		case [][]uint32:
			putU32(uint32(TypeArray))
			putU64(uint64(len(v)))
			for _, inner := range v {
				putU32(uint32(TypeUint32))
				putU64(uint64(len(inner)))
				for _, n := range inner {
					putU32(n)
				}
			}
		}
	}

	rel := make([]uint64, len(b.tensors))
	next := uint64(0)
	for i, t := range b.tensors {
		rel[i] = next
		if off, ok := b.offsets[t.name]; ok {
			rel[i] = off
		}
		next = max(next, uint64(alignUp(int64(rel[i])+int64(len(t.data)), int64(b.alignment))))
	}
	for i, t := range b.tensors {
		putStr(t.name)
		putU32(uint32(len(t.shape)))
		for _, d := range t.shape {
			putU64(d)
		}
		putU32(uint32(t.kind))
		putU64(rel[i])
	}

	start := alignUp(int64(buf.Len()), int64(b.alignment))
	header := buf.Bytes()
	out := make([]byte, start+int64(next))
	copy(out, header)
	for i, t := range b.tensors {
		copy(out[start+int64(rel[i]):], t.data)
	}
	if b.cut > 0 {
		out = out[:len(out)-b.cut]
	}
	return out
}

func (b *ggufBuilder) write(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.gguf")
	require.NoError(t, os.WriteFile(path, b.bytes(), 0o644))
	return path
}

// Test vocabulary, BERT style.
var testTokens = []string{
	"[PAD]", "[UNK]", "[CLS]", "[SEP]", "hello", "world",
	"auth", "##enticate", "##s", "user", ",", "!",
}

const (
	testDim   = 64
	testUnk   = 1
	testCls   = 2
	testSep   = 3
	testHello = 4
	testWorld = 5
)

// testValue is the float64 value of element c of token r's embedding.
func testValue(r, c int) float64 {
	return math.Sin(float64(r*31+c) * 0.7)
}

func testMatrix(rows, cols int) []float32 {
	out := make([]float32, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[r*cols+c] = float32(testValue(r, c))
		}
	}
	return out
}

func encodeTensor(t *testing.T, kind Kind, vals []float32) []byte {
	t.Helper()
	switch kind {
	case KindF32:
		return encodeF32(vals)
	case KindF16:
		return encodeF16(vals)
	case KindQ8_0:
		return encodeQ8_0(vals)
	case KindQ4_0:
		return encodeQ4_0(vals)
	}
	t.Fatalf("no encoder for %s", kind)
	return nil
}

// testModel builds a model with the test vocabulary and a token embedding
// table of the given kind.
func testModel(t *testing.T, kind Kind) *ggufBuilder {
	t.Helper()
	rows := len(testTokens)
	return newGGUF().
		str(KeyArchitecture, "bert").
		str(KeyName, "test-embed").
		str(KeyTokenizer, "bert").
		tokens(testTokens).
		u32(KeyUnknownToken, testUnk).
		tensor(TensorTokenEmbedding, kind, []uint64{testDim, uint64(rows)},
			encodeTensor(t, kind, testMatrix(rows, testDim)))
}

// referenceEmbedding is mean pooling and L2 normalization in float64.
func referenceEmbedding(ids []int, proj [][]float64) []float64 {
	pooled := make([]float64, testDim)
	for _, id := range ids {
		for c := range pooled {
			pooled[c] += testValue(id, c)
		}
	}
	for c := range pooled {
		pooled[c] /= float64(len(ids))
	}
	out := pooled
	if proj != nil {
		out = make([]float64, len(proj))
		for j, row := range proj {
			for c, w := range row {
				out[j] += w * pooled[c]
			}
		}
	}
	var n float64
	for _, v := range out {
		n += v * v
	}
	n = math.Sqrt(n)
	for i := range out {
		out[i] /= n
	}
	return out
}

func cosine(a []float32, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * b[i]
		na += float64(a[i]) * float64(a[i])
		nb += b[i] * b[i]
	}
	return dot / math.Sqrt(na*nb)
}

func encodeF32(vals []float32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func encodeF16(vals []float32) []byte {
	out := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(out[i*2:], float32ToHalf(v))
	}
	return out
}

func encodeQ8_0(vals []float32) []byte {
	out := make([]byte, 0, len(vals)/32*34)
	for b := 0; b < len(vals); b += 32 {
		blk := vals[b : b+32]
		var amax float32
		for _, v := range blk {
			amax = max(amax, float32(math.Abs(float64(v))))
		}
		d := amax / 127
		var id float32
		if d != 0 {
			id = 1 / d
		}
		out = binary.LittleEndian.AppendUint16(out, float32ToHalf(d))
		for _, v := range blk {
			out = append(out, byte(int8(math.Round(float64(v*id)))))
		}
	}
	return out
}

func encodeQ4_0(vals []float32) []byte {
	out := make([]byte, 0, len(vals)/32*18)
	for b := 0; b < len(vals); b += 32 {
		blk := vals[b : b+32]
		var amax, vmax float32
		for _, v := range blk {
			if a := float32(math.Abs(float64(v))); a > amax {
				amax, vmax = a, v
			}
		}
		d := vmax / -8
		var id float32
		if d != 0 {
			id = 1 / d
		}
		out = binary.LittleEndian.AppendUint16(out, float32ToHalf(d))
		for j := 0; j < 16; j++ {
			lo := min(15, int(blk[j]*id+8.5))
			hi := min(15, int(blk[j+16]*id+8.5))
			out = append(out, byte(lo)|byte(hi)<<4)
		}
	}
	return out
}

// float32ToHalf rounds f to the nearest IEEE 754 binary16.
func float32ToHalf(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	rawExp := (bits >> 23) & 0xFF
	mant := bits & 0x7FFFFF
	if rawExp == 0xFF {
		if mant != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	}
	exp := int(rawExp) - 127 + 15
	switch {
	case exp >= 0x1F:
		return sign | 0x7C00
	case exp <= 0:
		if exp < -10 {
			return sign
		}
		mant |= 0x800000
		shift := uint(14 - exp)
		half := uint16(mant >> shift)
		if (mant>>(shift-1))&1 != 0 {
			half++
		}
		return sign | half
	}
	half := sign | uint16(exp)<<10 | uint16(mant>>13)
	if mant&0x1000 != 0 {
		half++
	}
	return half
}
