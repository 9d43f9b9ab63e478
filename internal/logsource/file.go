package logsource

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/tinytelemetry/mailpulse/internal/model"
)

const (
	// DefaultMaxLineSize is the longest line handed to the classifier; longer
	// lines are cut at this size but still consumed whole.
	DefaultMaxLineSize = 64 * 1024

	readBufferSize = 64 * 1024
)

// FileConfig holds tunable parameters for a file source.
type FileConfig struct {
	MaxLineSize int
}

// FileSource reads complete lines appended to a regular file.
type FileSource struct {
	source      model.LogSource
	maxLineSize int
}

// NewFileSource creates a FileSource for src.
func NewFileSource(src model.LogSource, conf ...FileConfig) *FileSource {
	maxLineSize := DefaultMaxLineSize
	if len(conf) > 0 && conf[0].MaxLineSize > 0 {
		maxLineSize = conf[0].MaxLineSize
	}
	return &FileSource{source: src, maxLineSize: maxLineSize}
}

func (s *FileSource) Source() model.LogSource { return s.source }

// ReadNew returns every newline-terminated line written after offset. A
// trailing line without a newline is left for the next read. A missing file
// yields no lines and leaves the offset unchanged.
func (s *FileSource) ReadNew(offset int64) (Chunk, error) {
	f, err := os.Open(s.source.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Chunk{Offset: offset, Missing: true}, nil
		}
		return Chunk{Offset: offset}, fmt.Errorf("logsource: open %s: %w", s.source.Path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Chunk{Offset: offset}, fmt.Errorf("logsource: stat %s: %w", s.source.Path, err)
	}

	chunk := Chunk{Offset: offset}
	if offset < 0 || info.Size() < offset {
		log.Printf("logsource: %s shrank from offset %d to %d bytes, reading from start", s.source.Path, offset, info.Size())
		chunk.Offset = 0
		chunk.Reset = true
	}
	if info.Size() == chunk.Offset {
		return chunk, nil
	}

	if _, err := f.Seek(chunk.Offset, io.SeekStart); err != nil {
		return Chunk{Offset: offset}, fmt.Errorf("logsource: seek %s: %w", s.source.Path, err)
	}

	reader := bufio.NewReaderSize(f, readBufferSize)
	for {
		line, rerr := reader.ReadBytes('\n')
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			return chunk, fmt.Errorf("logsource: read %s: %w", s.source.Path, rerr)
		}
		if errors.Is(rerr, io.EOF) {
			// Partial trailing line; the writer has not finished it yet.
			return chunk, nil
		}

		chunk.Offset += int64(len(line))
		if text := s.normalize(line); text != "" {
			chunk.Lines = append(chunk.Lines, text)
		}
	}
}

func (s *FileSource) normalize(line []byte) string {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) > s.maxLineSize {
		line = line[:s.maxLineSize]
	}
	return strings.ToValidUTF8(string(line), "")
}
