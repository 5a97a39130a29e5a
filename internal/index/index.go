// Package index builds and queries the in-memory membership set over the
// distinct full lines of a data file.
package index

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultBufferSize is used for file scans when the caller does not supply a
// buffer size.
const DefaultBufferSize = 1 << 20

// minBloomBits keeps the filter useful for small data files.
const minBloomBits = 1 << 16

// Index is an immutable set of the distinct, normalized, non-empty lines of
// a data file. It is safe for concurrent readers without synchronization
// once Build has returned.
type Index struct {
	lines map[string]struct{}
	bloom []uint64
	mask  uint64
	stats BuildStats
}

// BuildStats captures the snapshot the index was built from.
type BuildStats struct {
	Path      string
	Lines     int
	LineBytes int64
	FileSize  int64
	ModTime   time.Time
	Duration  time.Duration
}

// Build reads the data file at path and constructs the membership set.
// Records are split on '\n'; a single trailing '\r' is stripped; empty
// records are discarded; duplicates collapse silently. Bytes are kept as-is,
// so non-UTF-8 lines remain matchable.
func Build(path string, bufferSize int) (*Index, error) {
	start := time.Now()
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("index: stat %s: %w", path, err)
	}

	lines := make(map[string]struct{})
	var lineBytes int64
	err = EachLine(f, bufferSize, func(line []byte) error {
		if _, ok := lines[string(line)]; !ok {
			lines[string(line)] = struct{}{}
			lineBytes += int64(len(line))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("index: read %s: %w", path, err)
	}

	idx := &Index{
		lines: lines,
		stats: BuildStats{
			Path:      path,
			Lines:     len(lines),
			LineBytes: lineBytes,
			FileSize:  info.Size(),
			ModTime:   info.ModTime(),
		},
	}
	idx.buildBloom()
	idx.stats.Duration = time.Since(start)
	return idx, nil
}

// Contains reports whether query matches an indexed line byte-for-byte. The
// Bloom filter is consulted only to reject non-members early; a positive
// answer always comes from the exact set lookup.
func (idx *Index) Contains(query []byte) bool {
	h := xxhash.Sum64(query)
	if !idx.bloomHas(h) {
		return false
	}
	_, ok := idx.lines[string(query)]
	return ok
}

// Len returns the number of distinct indexed lines.
func (idx *Index) Len() int {
	return len(idx.lines)
}

// Stats returns the build snapshot.
func (idx *Index) Stats() BuildStats {
	return idx.stats
}

// buildBloom sizes the filter at roughly 16 bits per entry, rounded up to a
// power of two so probes reduce to a mask.
func (idx *Index) buildBloom() {
	bits := uint64(minBloomBits)
	for bits < uint64(len(idx.lines))*16 {
		bits <<= 1
	}
	idx.bloom = make([]uint64, bits/64)
	idx.mask = bits - 1
	for line := range idx.lines {
		h := xxhash.Sum64String(line)
		idx.bloomSet(h)
	}
}

func (idx *Index) bloomSet(h uint64) {
	a := h & idx.mask
	b := (h >> 32) & idx.mask
	idx.bloom[a/64] |= 1 << (a % 64)
	idx.bloom[b/64] |= 1 << (b % 64)
}

func (idx *Index) bloomHas(h uint64) bool {
	a := h & idx.mask
	b := (h >> 32) & idx.mask
	return idx.bloom[a/64]&(1<<(a%64)) != 0 && idx.bloom[b/64]&(1<<(b%64)) != 0
}

// EachLine streams r record by record with the index normalization rules:
// split on '\n', strip a single trailing '\r', skip empty records. The final
// record is delivered even when the file lacks a trailing newline. fn
// returning an error aborts the scan.
func EachLine(r io.Reader, bufferSize int, fn func(line []byte) error) error {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	br := bufio.NewReaderSize(r, bufferSize)
	var partial []byte
	for {
		chunk, err := br.ReadSlice('\n')
		partial = append(partial, chunk...)
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil && err != io.EOF {
			return err
		}
		line := Normalize(partial)
		if len(line) > 0 {
			if cbErr := fn(line); cbErr != nil {
				return cbErr
			}
		}
		partial = partial[:0]
		if err == io.EOF {
			return nil
		}
	}
}

// Normalize strips a single trailing '\n' and then a single trailing '\r'
// (a lone trailing '\r' is stripped as well).
// Queries and file records go through the same normalization so comparisons
// stay byte-exact.
func Normalize(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return b
}
