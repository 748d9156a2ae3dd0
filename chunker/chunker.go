// Package chunker performs content-defined chunking over a file's bytes,
// splitting it the same way regardless of where edits occur elsewhere in
// the file so unmodified regions still dedup against prior snapshots. It
// reuses boxo/chunker's Rabin fingerprint splitter.
package chunker

import (
	"io"

	chunker "github.com/ipfs/boxo/chunker"

	"rekkord/rekkorderr"
)

const (
	// MinSize, AvgSize and MaxSize bound the content-defined chunk
	// lengths. They are fixed per repository and recorded in its config.
	MinSize = 512 * 1024
	AvgSize = 1024 * 1024
	MaxSize = 8 * 1024 * 1024
)

// Chunk is one content-defined slice of a file: its plaintext bytes and its
// offset within the file (for diagnostics; the blob itself carries no
// offset, the file-index blob records ordering).
type Chunk struct {
	Offset int64
	Data   []byte
}

// Split streams r through a Rabin fingerprint splitter and invokes fn for
// each chunk it yields, in order. fn must not retain the passed slice
// beyond the call, since the splitter reuses its internal buffer.
func Split(r io.Reader, fn func(Chunk) error) error {
	splitter := chunker.NewRabinMinMax(r, MinSize, AvgSize, MaxSize)

	var offset int64
	for {
		buf, err := splitter.NextBytes()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return rekkorderr.New(rekkorderr.Io, "split chunks", err)
		}
		if err := fn(Chunk{Offset: offset, Data: buf}); err != nil {
			return err
		}
		offset += int64(len(buf))
	}
}

// SplitAll is a convenience wrapper over Split that collects every chunk
// into memory; callers operating on large files should prefer Split so
// each chunk can be sealed and flushed to storage as it's produced.
func SplitAll(r io.Reader) ([]Chunk, error) {
	var chunks []Chunk
	err := Split(r, func(c Chunk) error {
		cp := make([]byte, len(c.Data))
		copy(cp, c.Data)
		chunks = append(chunks, Chunk{Offset: c.Offset, Data: cp})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}
