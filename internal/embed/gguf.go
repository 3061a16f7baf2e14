package embed

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	cserrors "github.com/Aman-CERP/codesearch/internal/errors"
)

// GGUF layout constants.
const (
	ggufMagic            = 0x46554747 // "GGUF" little endian
	ggufDefaultAlignment = 32

	// Guards against header values that would force huge allocations.
	maxStringLen    = 1 << 16
	maxTensorDims   = 4
	maxInlinedArray = 64
)

// Metadata keys read by the model.
const (
	KeyAlignment     = "general.alignment"
	KeyArchitecture  = "general.architecture"
	KeyName          = "general.name"
	KeyTokenizer     = "tokenizer.ggml.model"
	KeyTokens        = "tokenizer.ggml.tokens"
	KeyUnknownToken  = "tokenizer.ggml.unknown_token_id"
	KeyClsToken      = "tokenizer.ggml.cls_token_id"
	KeySepToken      = "tokenizer.ggml.seperator_token_id"
	KeyBosToken      = "tokenizer.ggml.bos_token_id"
)

// ValueType is a GGUF metadata value type.
type ValueType uint32

const (
	TypeUint8 ValueType = iota
	TypeInt8
	TypeUint16
	TypeInt16
	TypeUint32
	TypeInt32
	TypeFloat32
	TypeBool
	TypeString
	TypeArray
	TypeUint64
	TypeInt64
	TypeFloat64
)

var scalarSize = map[ValueType]int{
	TypeUint8: 1, TypeInt8: 1, TypeBool: 1,
	TypeUint16: 2, TypeInt16: 2,
	TypeUint32: 4, TypeInt32: 4, TypeFloat32: 4,
	TypeUint64: 8, TypeInt64: 8, TypeFloat64: 8,
}

// ArrayInfo stands in for a metadata array too long to keep in memory.
type ArrayInfo struct {
	ElemType ValueType
	Len      uint64
}

// TensorDescriptor locates one tensor in the file. Offset is absolute.
type TensorDescriptor struct {
	Name       string
	Offset     int64
	Shape      []uint64
	Kind       Kind
	ByteLength int64
	Elements   uint64
}

// File is the parsed header of a GGUF model. Tensor payloads are not read.
type File struct {
	Path      string
	Version   uint32
	Size      int64
	Alignment int64
	DataStart int64
	Metadata  map[string]any
	Tensors   []TensorDescriptor

	// vocab holds tokenizer.ggml.tokens mapped to ids.
	vocab map[string]int32
	// vocabLen is the declared token count.
	vocabLen int
}

// Tensor returns the descriptor with the given name.
func (f *File) Tensor(name string) (*TensorDescriptor, bool) {
	for i := range f.Tensors {
		if f.Tensors[i].Name == name {
			return &f.Tensors[i], true
		}
	}
	return nil, false
}

// VocabSize returns the number of tokenizer tokens, zero if absent.
func (f *File) VocabSize() int {
	return f.vocabLen
}

// String returns the string metadata value for key.
func (f *File) String(key string) (string, bool) {
	s, ok := f.Metadata[key].(string)
	return s, ok
}

// Uint returns an unsigned integer metadata value of any width.
func (f *File) Uint(key string) (uint64, bool) {
	switch v := f.Metadata[key].(type) {
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	case int8:
		return uint64(v), v >= 0
	case int16:
		return uint64(v), v >= 0
	case int32:
		return uint64(v), v >= 0
	case int64:
		return uint64(v), v >= 0
	}
	return 0, false
}

// ReadFile parses the header and tensor directory at path. It fails with
// ModelNotFound when the file is missing and ModelCorrupt when the header
// is malformed or a tensor does not fit the file.
func ReadFile(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, cserrors.New(cserrors.ErrCodeModelNotFound, "model file not found: "+path, err).
				WithDetail("path", path).
				WithSuggestion("Set embeddings.model_path to an existing GGUF file")
		}
		return nil, cserrors.New(cserrors.ErrCodeFilePermission, "cannot open model file: "+path, err)
	}
	defer fh.Close()

	st, err := fh.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat model file: %w", err)
	}
	return parse(path, fh, st.Size())
}

func parse(path string, r io.ReaderAt, size int64) (*File, error) {
	hr := &headerReader{r: bufio.NewReaderSize(io.NewSectionReader(r, 0, size), 64<<10), size: size}
	f := &File{Path: path, Size: size, Metadata: make(map[string]any)}

	corrupt := func(reason string, cause error) error {
		return cserrors.ModelCorrupt(path, reason, cause)
	}
	truncated := func(what string, err error) error {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return corrupt("truncated header while reading "+what, err)
		}
		return corrupt("invalid "+what, err)
	}

	magic, err := hr.u32()
	if err != nil {
		return nil, truncated("magic", err)
	}
	if magic != ggufMagic {
		return nil, corrupt(fmt.Sprintf("bad magic 0x%08x", magic), nil)
	}
	if f.Version, err = hr.u32(); err != nil {
		return nil, truncated("version", err)
	}
	if f.Version != 2 && f.Version != 3 {
		return nil, corrupt(fmt.Sprintf("unsupported version %d", f.Version), nil)
	}
	tensorCount, err := hr.u64()
	if err != nil {
		return nil, truncated("tensor count", err)
	}
	kvCount, err := hr.u64()
	if err != nil {
		return nil, truncated("metadata count", err)
	}
	// Every entry takes at least a few bytes; counts beyond the file size
	// are lies.
	if tensorCount > uint64(size) || kvCount > uint64(size) {
		return nil, corrupt("entry counts exceed file size", nil)
	}

	for i := uint64(0); i < kvCount; i++ {
		key, err := hr.str()
		if err != nil {
			return nil, truncated("metadata key", err)
		}
		vt, err := hr.u32()
		if err != nil {
			return nil, truncated("metadata type of "+key, err)
		}
		if err := hr.value(f, key, ValueType(vt)); err != nil {
			return nil, truncated("metadata value of "+key, err)
		}
	}

	f.Alignment = ggufDefaultAlignment
	if a, ok := f.Uint(KeyAlignment); ok {
		if a == 0 || a&(a-1) != 0 || a > 1<<16 {
			return nil, corrupt(fmt.Sprintf("alignment %d is not a power of two", a), nil)
		}
		f.Alignment = int64(a)
	}

	f.Tensors = make([]TensorDescriptor, 0, min(tensorCount, 1024))
	rel := make([]uint64, 0, min(tensorCount, 1024))
	for i := uint64(0); i < tensorCount; i++ {
		td, off, err := hr.tensorInfo()
		if err != nil {
			return nil, truncated("tensor info", err)
		}
		f.Tensors = append(f.Tensors, td)
		rel = append(rel, off)
	}

	f.DataStart = alignUp(hr.pos, f.Alignment)
	if f.DataStart > size && tensorCount > 0 {
		return nil, corrupt("data section starts past end of file", nil)
	}
	for i := range f.Tensors {
		td := &f.Tensors[i]
		if err := td.resolve(rel[i], f); err != nil {
			return nil, corrupt(err.Error(), nil)
		}
	}
	if err := checkLayout(f.Tensors); err != nil {
		return nil, corrupt(err.Error(), nil)
	}
	return f, nil
}

func (td *TensorDescriptor) resolve(rel uint64, f *File) error {
	info, ok := kindTable[td.Kind]
	if !ok {
		return fmt.Errorf("tensor %s has unknown type %d", td.Name, td.Kind)
	}
	if rel%uint64(f.Alignment) != 0 {
		return fmt.Errorf("tensor %s offset %d is not aligned to %d", td.Name, rel, f.Alignment)
	}
	elems := uint64(1)
	for _, d := range td.Shape {
		if d == 0 {
			return fmt.Errorf("tensor %s has a zero dimension", td.Name)
		}
		if elems > math.MaxInt64/d {
			return fmt.Errorf("tensor %s shape overflows", td.Name)
		}
		elems *= d
	}
	if td.Shape[0]%uint64(info.blockSize) != 0 {
		return fmt.Errorf("tensor %s row length %d is not a multiple of the %s block size %d",
			td.Name, td.Shape[0], info.name, info.blockSize)
	}
	blocks := elems / uint64(info.blockSize)
	if blocks > uint64(math.MaxInt64)/uint64(info.blockBytes) {
		return fmt.Errorf("tensor %s byte length overflows", td.Name)
	}
	td.Elements = elems
	td.ByteLength = int64(blocks * uint64(info.blockBytes))
	if rel > uint64(f.Size) {
		return fmt.Errorf("tensor %s data extends past end of file", td.Name)
	}
	td.Offset = f.DataStart + int64(rel)
	if td.Offset+td.ByteLength > f.Size || td.Offset+td.ByteLength < td.Offset {
		return fmt.Errorf("tensor %s data extends past end of file (needs %d bytes at %d, file is %d)",
			td.Name, td.ByteLength, td.Offset, f.Size)
	}
	return nil
}

// checkLayout rejects tensors whose declared spacing is too small for the
// byte length implied by their shape and kind.
func checkLayout(tensors []TensorDescriptor) error {
	order := make([]int, len(tensors))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return tensors[order[a]].Offset < tensors[order[b]].Offset })
	for i := 1; i < len(order); i++ {
		prev, cur := &tensors[order[i-1]], &tensors[order[i]]
		if prev.Offset+prev.ByteLength > cur.Offset {
			return fmt.Errorf("tensor %s declares %d bytes but %s starts %d bytes later",
				prev.Name, prev.ByteLength, cur.Name, cur.Offset-prev.Offset)
		}
	}
	return nil
}

func alignUp(n, a int64) int64 {
	return (n + a - 1) / a * a
}

// headerReader decodes little-endian GGUF primitives and tracks the offset.
type headerReader struct {
	r    *bufio.Reader
	pos  int64
	size int64
	buf  [8]byte
}

func (h *headerReader) read(n int) ([]byte, error) {
	if _, err := io.ReadFull(h.r, h.buf[:n]); err != nil {
		return nil, err
	}
	h.pos += int64(n)
	return h.buf[:n], nil
}

func (h *headerReader) u32() (uint32, error) {
	b, err := h.read(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (h *headerReader) u64() (uint64, error) {
	b, err := h.read(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (h *headerReader) strLen() (int, error) {
	n, err := h.u64()
	if err != nil {
		return 0, err
	}
	if n > maxStringLen || int64(n) > h.size-h.pos {
		return 0, fmt.Errorf("string length %d out of range", n)
	}
	return int(n), nil
}

func (h *headerReader) str() (string, error) {
	n, err := h.strLen()
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(h.r, b); err != nil {
		return "", err
	}
	h.pos += int64(n)
	return string(b), nil
}

func (h *headerReader) skip(n int64) error {
	if n > h.size-h.pos {
		return io.ErrUnexpectedEOF
	}
	for n > 0 {
		step := n
		if step > 1<<30 {
			step = 1 << 30
		}
		d, err := h.r.Discard(int(step))
		h.pos += int64(d)
		if err != nil {
			return err
		}
		n -= int64(d)
	}
	return nil
}

func (h *headerReader) scalar(t ValueType) (any, error) {
	size, ok := scalarSize[t]
	if !ok {
		return nil, fmt.Errorf("unknown value type %d", t)
	}
	b, err := h.read(size)
	if err != nil {
		return nil, err
	}
	le := binary.LittleEndian
	switch t {
	case TypeUint8:
		return b[0], nil
	case TypeInt8:
		return int8(b[0]), nil
	case TypeBool:
		return b[0] != 0, nil
	case TypeUint16:
		return le.Uint16(b), nil
	case TypeInt16:
		return int16(le.Uint16(b)), nil
	case TypeUint32:
		return le.Uint32(b), nil
	case TypeInt32:
		return int32(le.Uint32(b)), nil
	case TypeFloat32:
		return math.Float32frombits(le.Uint32(b)), nil
	case TypeUint64:
		return le.Uint64(b), nil
	case TypeInt64:
		return int64(le.Uint64(b)), nil
	default:
		return math.Float64frombits(le.Uint64(b)), nil
	}
}

func (h *headerReader) value(f *File, key string, t ValueType) error {
	switch t {
	case TypeString:
		s, err := h.str()
		if err != nil {
			return err
		}
		f.Metadata[key] = s
		return nil
	case TypeArray:
		return h.array(f, key)
	default:
		v, err := h.scalar(t)
		if err != nil {
			return err
		}
		f.Metadata[key] = v
		return nil
	}
}

func (h *headerReader) array(f *File, key string) error {
	et, err := h.u32()
	if err != nil {
		return err
	}
	n, err := h.u64()
	if err != nil {
		return err
	}
	elem := ValueType(et)
	if n > uint64(h.size-h.pos) {
		return fmt.Errorf("array of %d elements exceeds file size", n)
	}

	switch {
	case key == KeyTokens && elem == TypeString:
		vocab := make(map[string]int32)
		for i := uint64(0); i < n; i++ {
			s, err := h.str()
			if err != nil {
				return err
			}
			if _, dup := vocab[s]; !dup {
				vocab[s] = int32(i)
			}
		}
		f.vocab = vocab
		f.vocabLen = int(n)
		f.Metadata[key] = ArrayInfo{ElemType: elem, Len: n}
		return nil

	case elem == TypeString:
		vals := make([]string, 0, min(n, maxInlinedArray))
		for i := uint64(0); i < n; i++ {
			ln, err := h.strLen()
			if err != nil {
				return err
			}
			if n > maxInlinedArray {
				if err := h.skip(int64(ln)); err != nil {
					return err
				}
				continue
			}
			b := make([]byte, ln)
			if _, err := io.ReadFull(h.r, b); err != nil {
				return err
			}
			h.pos += int64(ln)
			vals = append(vals, string(b))
		}
		if n > maxInlinedArray {
			f.Metadata[key] = ArrayInfo{ElemType: elem, Len: n}
		} else {
			f.Metadata[key] = vals
		}
		return nil

	case elem == TypeArray:
		for i := uint64(0); i < n; i++ {
			if err := h.skipArray(1); err != nil {
				return err
			}
		}
		f.Metadata[key] = ArrayInfo{ElemType: elem, Len: n}
		return nil
	}

	size, ok := scalarSize[elem]
	if !ok {
		return fmt.Errorf("unknown array element type %d", elem)
	}
	if n > maxInlinedArray {
		f.Metadata[key] = ArrayInfo{ElemType: elem, Len: n}
		return h.skip(int64(n) * int64(size))
	}
	vals := make([]any, 0, n)
	for i := uint64(0); i < n; i++ {
		v, err := h.scalar(elem)
		if err != nil {
			return err
		}
		vals = append(vals, v)
	}
	f.Metadata[key] = vals
	return nil
}

// maxArrayDepth bounds how deeply arrays of arrays may nest.
const maxArrayDepth = 8

// skipArray reads past one array value whose element type and length come
// next in the header.
func (h *headerReader) skipArray(depth int) error {
	if depth > maxArrayDepth {
		return fmt.Errorf("arrays nested deeper than %d", maxArrayDepth)
	}
	et, err := h.u32()
	if err != nil {
		return err
	}
	n, err := h.u64()
	if err != nil {
		return err
	}
	if n > uint64(h.size-h.pos) {
		return fmt.Errorf("array of %d elements exceeds file size", n)
	}
	switch elem := ValueType(et); elem {
	case TypeString:
		for i := uint64(0); i < n; i++ {
			ln, err := h.strLen()
			if err != nil {
				return err
			}
			if err := h.skip(int64(ln)); err != nil {
				return err
			}
		}
		return nil
	case TypeArray:
		for i := uint64(0); i < n; i++ {
			if err := h.skipArray(depth + 1); err != nil {
				return err
			}
		}
		return nil
	default:
		size, ok := scalarSize[elem]
		if !ok {
			return fmt.Errorf("unknown array element type %d", elem)
		}
		return h.skip(int64(n) * int64(size))
	}
}

func (h *headerReader) tensorInfo() (TensorDescriptor, uint64, error) {
	var td TensorDescriptor
	name, err := h.str()
	if err != nil {
		return td, 0, err
	}
	td.Name = name
	nd, err := h.u32()
	if err != nil {
		return td, 0, err
	}
	if nd == 0 || nd > maxTensorDims {
		return td, 0, fmt.Errorf("tensor %s has %d dimensions", name, nd)
	}
	td.Shape = make([]uint64, nd)
	for i := range td.Shape {
		if td.Shape[i], err = h.u64(); err != nil {
			return td, 0, err
		}
	}
	kind, err := h.u32()
	if err != nil {
		return td, 0, err
	}
	td.Kind = Kind(kind)
	off, err := h.u64()
	if err != nil {
		return td, 0, err
	}
	return td, off, nil
}
