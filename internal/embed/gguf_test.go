package embed

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cserrors "github.com/Aman-CERP/codesearch/internal/errors"
)

func TestReadFile_ParsesHeader(t *testing.T) {
	// Given: a v3 file with metadata and one F32 tensor
	path := testModel(t, KindF32).write(t)

	// When: reading the header
	f, err := ReadFile(path)
	require.NoError(t, err)

	// Then: metadata, vocabulary and the tensor descriptor are exposed
	assert.Equal(t, uint32(3), f.Version)
	assert.Equal(t, int64(ggufDefaultAlignment), f.Alignment)
	name, ok := f.String(KeyName)
	assert.True(t, ok)
	assert.Equal(t, "test-embed", name)
	unk, ok := f.Uint(KeyUnknownToken)
	assert.True(t, ok)
	assert.Equal(t, uint64(testUnk), unk)
	assert.Equal(t, len(testTokens), f.VocabSize())

	td, ok := f.Tensor(TensorTokenEmbedding)
	require.True(t, ok)
	assert.Equal(t, []uint64{testDim, uint64(len(testTokens))}, td.Shape)
	assert.Equal(t, KindF32, td.Kind)
	assert.Equal(t, int64(testDim*len(testTokens)*4), td.ByteLength)
	assert.Equal(t, f.DataStart, td.Offset)
	assert.Zero(t, td.Offset%f.Alignment)
}

func TestReadFile_Version2AndCustomAlignment(t *testing.T) {
	b := testModel(t, KindF16)
	b.version = 2
	b.alignment = 64

	f, err := ReadFile(b.write(t))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), f.Version)
	assert.Equal(t, int64(64), f.Alignment)
	assert.Zero(t, f.DataStart%64)
}

func TestReadFile_LongArraysAreSummarized(t *testing.T) {
	// Given: a string array longer than the inline limit
	long := make([]string, maxInlinedArray+1)
	for i := range long {
		long[i] = "m"
	}
	b := testModel(t, KindF32)
	b.kvs = append(b.kvs, ggufKV{"tokenizer.ggml.merges", TypeArray, long})

	// When: reading
	f, err := ReadFile(b.write(t))
	require.NoError(t, err)

	// Then: only the element type and length are kept
	assert.Equal(t, ArrayInfo{ElemType: TypeString, Len: uint64(len(long))}, f.Metadata["tokenizer.ggml.merges"])
}

func TestReadFile_NestedArraysAreSkipped(t *testing.T) {
	// Given: arrays of arrays followed by a plain key
	b := testModel(t, KindF32)
	b.kvs = append(b.kvs,
		ggufKV{"test.nested_strings", TypeArray, [][]string{{"a", "bc"}, {}, {"def"}}},
		ggufKV{"test.nested_ints", TypeArray, [][]uint32{{1, 2, 3}, {4}}},
		ggufKV{"test.after", TypeString, "after"})

	// When: reading
	f, err := ReadFile(b.write(t))
	require.NoError(t, err)

	// Then: each nested array is summarized and parsing continues past it
	assert.Equal(t, ArrayInfo{ElemType: TypeArray, Len: 3}, f.Metadata["test.nested_strings"])
	assert.Equal(t, ArrayInfo{ElemType: TypeArray, Len: 2}, f.Metadata["test.nested_ints"])
	name, ok := f.String("test.after")
	assert.True(t, ok)
	assert.Equal(t, "after", name)
}

func TestReadFile_MissingFile(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "absent.gguf"))
	require.Error(t, err)
	assert.ErrorIs(t, err, cserrors.ErrModelNotFound)
}

func TestReadFile_Corrupt(t *testing.T) {
	tests := []struct {
		name   string
		build  func(t *testing.T) []byte
		reason string
	}{
		{
			name: "bad magic",
			build: func(t *testing.T) []byte {
				b := testModel(t, KindF32)
				b.magic = 0x12345678
				return b.bytes()
			},
			reason: "bad magic",
		},
		{
			name: "unsupported version",
			build: func(t *testing.T) []byte {
				b := testModel(t, KindF32)
				b.version = 1
				return b.bytes()
			},
			reason: "unsupported version",
		},
		{
			name: "truncated header",
			build: func(t *testing.T) []byte {
				return testModel(t, KindF32).bytes()[:30]
			},
			reason: "truncated header",
		},
		{
			name: "tensor data past end of file",
			build: func(t *testing.T) []byte {
				b := testModel(t, KindF32)
				b.cut = 16
				return b.bytes()
			},
			reason: "past end of file",
		},
		{
			name: "misaligned tensor offset",
			build: func(t *testing.T) []byte {
				b := testModel(t, KindF32)
				b.offsets[TensorTokenEmbedding] = 4
				return b.bytes()
			},
			reason: "not aligned",
		},
		{
			name: "byte length disagrees with layout",
			build: func(t *testing.T) []byte {
				b := testModel(t, KindF32).
					tensor("output.weight", KindF32, []uint64{testDim, 4}, encodeF32(testMatrix(4, testDim)))
				b.offsets["output.weight"] = 64
				return b.bytes()
			},
			reason: "declares",
		},
		{
			name: "unknown tensor type",
			build: func(t *testing.T) []byte {
				return newGGUF().
					tokens(testTokens).
					tensor(TensorTokenEmbedding, Kind(99), []uint64{testDim, 12}, make([]byte, testDim*12*4)).
					bytes()
			},
			reason: "unknown type",
		},
		{
			name: "row not a multiple of the block size",
			build: func(t *testing.T) []byte {
				return newGGUF().
					tokens(testTokens).
					tensor(TensorTokenEmbedding, KindQ8_0, []uint64{40, 12}, make([]byte, 2*34*12)).
					bytes()
			},
			reason: "block size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.gguf")
			require.NoError(t, os.WriteFile(path, tt.build(t), 0o644))

			_, err := ReadFile(path)
			require.Error(t, err)
			assert.ErrorIs(t, err, cserrors.ErrModelCorrupt)
			assert.Contains(t, err.Error(), tt.reason)
		})
	}
}

func TestFile_QuantizedDescriptors(t *testing.T) {
	// Given: tensors of every computable kind and one parsed-only kind
	rows := uint64(len(testTokens))
	b := newGGUF().tokens(testTokens)
	for _, k := range []Kind{KindF32, KindF16, KindQ8_0, KindQ4_0} {
		b.tensor("t."+k.String(), k, []uint64{testDim, rows}, encodeTensor(t, k, testMatrix(int(rows), testDim)))
	}
	b.tensor("t.Q4_1", KindQ4_1, []uint64{testDim, rows}, make([]byte, int(rows)*2*20))

	// When: reading
	f, err := ReadFile(b.write(t))
	require.NoError(t, err)

	// Then: byte lengths follow the block layout of each kind
	want := map[string]int64{
		"t.F32":  int64(rows) * testDim * 4,
		"t.F16":  int64(rows) * testDim * 2,
		"t.Q8_0": int64(rows) * 2 * 34,
		"t.Q4_0": int64(rows) * 2 * 18,
		"t.Q4_1": int64(rows) * 2 * 20,
	}
	require.Len(t, f.Tensors, len(want))
	for _, td := range f.Tensors {
		assert.Equal(t, want[td.Name], td.ByteLength, td.Name)
		assert.Equal(t, td.Name != "t.Q4_1", td.Kind.Computable(), td.Name)
	}
}
