package chunk

import (
	"sort"
	"sync"
	"sync/atomic"
)

// snapshot is an immutable view of every indexed chunk.
type snapshot struct {
	generation uint64
	byID       map[string]*Chunk
	byFile     map[string][]*Chunk // sorted by StartLine
	position   map[string]int      // chunk ID -> index within its file slice
}

// Store holds the current chunk snapshot. Readers never block and always
// see one complete snapshot; writers build a new snapshot and publish it
// with a single pointer swap.
type Store struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[snapshot]
}

// NewStore returns an empty store at generation 0.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(&snapshot{
		byID:     map[string]*Chunk{},
		byFile:   map[string][]*Chunk{},
		position: map[string]int{},
	})
	return s
}

// Apply replaces the chunks of every file in changed and drops every file
// in removed, then publishes the result. A file mapped to an empty slice is
// removed too. Returns the new generation.
func (s *Store) Apply(changed map[string][]Chunk, removed []string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.current.Load()
	byFile := make(map[string][]*Chunk, len(old.byFile)+len(changed))
	for path, chunks := range old.byFile {
		byFile[path] = chunks
	}
	for _, path := range removed {
		delete(byFile, path)
	}
	for path, chunks := range changed {
		if len(chunks) == 0 {
			delete(byFile, path)
			continue
		}
		ptrs := make([]*Chunk, len(chunks))
		for i := range chunks {
			c := chunks[i]
			ptrs[i] = &c
		}
		sort.SliceStable(ptrs, func(i, j int) bool { return ptrs[i].StartLine < ptrs[j].StartLine })
		byFile[path] = ptrs
	}

	next := &snapshot{
		generation: old.generation + 1,
		byID:       make(map[string]*Chunk, len(old.byID)),
		byFile:     byFile,
		position:   make(map[string]int, len(old.byID)),
	}
	for _, chunks := range byFile {
		for i, c := range chunks {
			next.byID[c.ID] = c
			next.position[c.ID] = i
		}
	}
	s.current.Store(next)
	return next.generation
}

// Replace discards every file and publishes exactly the given chunks.
func (s *Store) Replace(chunks []Chunk) uint64 {
	grouped := make(map[string][]Chunk)
	for _, c := range chunks {
		grouped[c.FilePath] = append(grouped[c.FilePath], c)
	}
	removed := s.Files()
	return s.Apply(grouped, removed)
}

// Generation returns the published snapshot's generation.
func (s *Store) Generation() uint64 {
	return s.current.Load().generation
}

// Len returns the number of chunks in the published snapshot.
func (s *Store) Len() int {
	return len(s.current.Load().byID)
}

// Get returns a chunk by ID.
func (s *Store) Get(id string) (Chunk, bool) {
	c, ok := s.current.Load().byID[id]
	if !ok {
		return Chunk{}, false
	}
	return *c, true
}

// Neighbors returns the chunks immediately before and after id in the same
// file, ordered by start line. Either side is nil at a file boundary.
func (s *Store) Neighbors(id string) (above, below *Chunk) {
	snap := s.current.Load()
	target, ok := snap.byID[id]
	if !ok {
		return nil, nil
	}
	chunks := snap.byFile[target.FilePath]
	i := snap.position[id]
	if i > 0 {
		c := *chunks[i-1]
		above = &c
	}
	if i+1 < len(chunks) {
		c := *chunks[i+1]
		below = &c
	}
	return above, below
}

// ChunkAt returns the first chunk of filePath whose range contains line.
func (s *Store) ChunkAt(filePath string, line int) (Chunk, bool) {
	for _, c := range s.current.Load().byFile[filePath] {
		if c.StartLine > line {
			break
		}
		if c.Contains(line) {
			return *c, true
		}
	}
	return Chunk{}, false
}

// FileChunks returns the chunks of one file in line order.
func (s *Store) FileChunks(filePath string) []Chunk {
	chunks := s.current.Load().byFile[filePath]
	out := make([]Chunk, len(chunks))
	for i, c := range chunks {
		out[i] = *c
	}
	return out
}

// Files returns every indexed file path, sorted.
func (s *Store) Files() []string {
	return s.current.Load().files()
}

func (snap *snapshot) files() []string {
	files := make([]string, 0, len(snap.byFile))
	for f := range snap.byFile {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// All returns every chunk ordered by file path then start line.
func (s *Store) All() []Chunk {
	snap := s.current.Load()
	out := make([]Chunk, 0, len(snap.byID))
	for _, f := range snap.files() {
		for _, c := range snap.byFile[f] {
			out = append(out, *c)
		}
	}
	return out
}
