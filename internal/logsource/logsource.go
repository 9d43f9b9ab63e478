package logsource

import "github.com/tinytelemetry/mailpulse/internal/model"

// Reader pulls the lines appended to one source since a byte offset.
type Reader interface {
	Source() model.LogSource
	ReadNew(offset int64) (Chunk, error)
}

// Chunk is the result of one incremental read.
type Chunk struct {
	Lines   []string
	Offset  int64 // offset just past the last consumed line
	Missing bool  // file did not exist; Offset is the input offset
	Reset   bool  // file shrank below the input offset and was re-read from 0
}
