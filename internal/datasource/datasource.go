// Package datasource abstracts where lines come from when answering a
// query: the pre-built index in fast mode, or a fresh scan of the data file
// in reread mode.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/MachariaP/linesearchd/internal/index"
)

// Source answers exact full-line membership for a normalized query.
type Source interface {
	Contains(ctx context.Context, query []byte) (bool, error)
}

// Indexed serves queries from an immutable in-memory index. Results are
// cacheable because the index never changes after construction.
type Indexed struct {
	idx *index.Index
}

// NewIndexed wraps a built index.
func NewIndexed(idx *index.Index) *Indexed {
	return &Indexed{idx: idx}
}

// Contains consults the index. It never fails and ignores ctx; the lookup
// is a pure in-memory membership test.
func (s *Indexed) Contains(_ context.Context, query []byte) (bool, error) {
	return s.idx.Contains(query), nil
}

// errFound aborts a reread scan as soon as the query matches.
var errFound = errors.New("found")

// checkEvery bounds how many records a reread scan processes between
// context checks.
const checkEvery = 4096

// Reread opens the data file fresh for every query and streams it with the
// same normalization as the index build, returning on the first match. Each
// call gets its own file handle and nothing stays open between queries, so
// concurrent callers proceed independently and file swaps are observed
// immediately.
type Reread struct {
	path       string
	bufferSize int
}

// NewReread constructs a reread source for the data file at path.
func NewReread(path string, bufferSize int) *Reread {
	return &Reread{path: path, bufferSize: bufferSize}
}

// Contains scans the file for an exact line match.
func (s *Reread) Contains(ctx context.Context, query []byte) (bool, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return false, fmt.Errorf("datasource: open %s: %w", s.path, err)
	}
	defer f.Close()

	var scanned int
	err = index.EachLine(f, s.bufferSize, func(line []byte) error {
		scanned++
		if scanned%checkEvery == 0 {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
		}
		if string(line) == string(query) {
			return errFound
		}
		return nil
	})
	if errors.Is(err, errFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("datasource: scan %s: %w", s.path, err)
	}
	return false, nil
}
