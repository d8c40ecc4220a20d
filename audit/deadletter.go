package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"github.com/ineyio/tokengate"
)

// maxLineBytes bounds one dead-letter line on replay.
const maxLineBytes = 4 << 20

// RejectedSuffix names the file, next to the dead-letter file, that keeps
// lines replay could not decode.
const RejectedSuffix = ".rejected"

// deadLetter is an append-only file of JSON lines.
type deadLetter struct {
	path string
	mu   sync.Mutex
}

// append writes entries and syncs the file before returning.
func (d *deadLetter) append(entries []tokengate.ConversationLogEntry) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode entry %s: %w", e.ID, err)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return appendSync(d.path, buf.Bytes())
}

func appendSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Replay re-ingests a dead-letter file into sink in batches and truncates
// the file once every entry is written. A missing file is not an error.
// Lines that do not decode are logged and moved to path+RejectedSuffix. It
// returns the number of entries written.
//
// The caller must ensure nothing appends to path concurrently; a running
// Logger should use ReplayDeadLetters instead.
func Replay(ctx context.Context, path string, sink Sink) (int, error) {
	return replay(ctx, path, sink, DefaultBatchSize, slog.Default())
}

func replay(ctx context.Context, path string, sink Sink, batchSize int, logger *slog.Logger) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open dead letter: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), maxLineBytes)

	var (
		written  int
		lineNo   int
		rejected bytes.Buffer
	)
	batch := make([]tokengate.ConversationLogEntry, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := sink.InsertConversations(ctx, batch); err != nil {
			return fmt.Errorf("replay batch: %w", err)
		}
		written += len(batch)
		batch = batch[:0]
		return nil
	}

	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e tokengate.ConversationLogEntry
		if err := json.Unmarshal(line, &e); err != nil {
			logger.Warn("dead-letter line rejected", "path", path, "line", lineNo, "error", err)
			rejected.Write(line)
			rejected.WriteByte('\n')
			continue
		}
		batch = append(batch, e)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return written, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return written, fmt.Errorf("read dead letter: %w", err)
	}
	if err := flush(); err != nil {
		return written, err
	}

	if rejected.Len() > 0 {
		if err := appendSync(path+RejectedSuffix, rejected.Bytes()); err != nil {
			return written, fmt.Errorf("keep rejected lines: %w", err)
		}
	}
	if err := os.Truncate(path, 0); err != nil {
		return written, fmt.Errorf("truncate dead letter: %w", err)
	}
	return written, nil
}
