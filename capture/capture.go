// Package capture appends swallowed best-effort failures to JSONL files for
// offline triage. The sink itself is best-effort: it never fails a caller.
package capture

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry is one captured failure.
type Entry struct {
	Timestamp   time.Time       `json:"ts"`
	Op          string          `json:"op"`
	AggregateID string          `json:"aggregateId,omitempty"`
	Error       string          `json:"err"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Sink writes one JSONL file per UTC day under dir.
type Sink struct {
	dir    string
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewSink creates a sink rooted at dir. The directory is created lazily on
// first write.
func NewSink(dir string, logger zerolog.Logger) *Sink {
	return &Sink{dir: dir, logger: logger}
}

// Record appends one line describing a swallowed failure. Payload is
// marshalled best-effort and dropped if it cannot be encoded.
func (s *Sink) Record(op, aggregateID string, opErr error, payload any) {
	entry := Entry{
		Timestamp:   time.Now().UTC(),
		Op:          op,
		AggregateID: aggregateID,
	}
	if opErr != nil {
		entry.Error = opErr.Error()
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			entry.Payload = raw
		}
	}

	line, err := json.Marshal(entry)
	if err != nil {
		s.logger.Warn().Err(err).Str("op", op).Msg("Failed to encode capture entry")
		return
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.logger.Warn().Err(err).Str("dir", s.dir).Msg("Failed to create capture directory")
		return
	}

	path := filepath.Join(s.dir, entry.Timestamp.Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("Failed to open capture file")
		return
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("Failed to write capture entry")
	}
}
