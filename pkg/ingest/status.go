package ingest

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	statusFileName     = "ingest_status"
	retryQueueFileName = "ingest_retry_queue"
	retryQueueMaxLines = 200
)

// statusWriter owns the single-writer `ingest_status` and
// `ingest_retry_queue` files (§3): the processor is their only writer,
// every other reader is advisory.
type statusWriter struct {
	statusPath     string
	retryQueuePath string
}

func newStatusWriter(statusDir string) *statusWriter {
	return &statusWriter{
		statusPath:     filepath.Join(statusDir, statusFileName),
		retryQueuePath: filepath.Join(statusDir, retryQueueFileName),
	}
}

func (w *statusWriter) idle() { w.write("idle") }

func (w *statusWriter) processing(filename string) {
	w.write(fmt.Sprintf("processing:%s:%s", filename, nowISO()))
}

func (w *statusWriter) queued(filename string) {
	w.write(fmt.Sprintf("queued:%s:%s", filename, nowISO()))
}

func (w *statusWriter) completed(filename string) {
	w.write(fmt.Sprintf("completed:%s:%s", filename, nowISO()))
}

func (w *statusWriter) errored(filename, reason string) {
	w.write(fmt.Sprintf("error:%s:%s:%s", filename, reason, nowISO()))
}

func (w *statusWriter) safetyTimeout(filename string) {
	w.write(fmt.Sprintf("safety_timeout:%s:%s", filename, nowISO()))
}

func (w *statusWriter) write(line string) {
	// Best-effort: a failure to update the advisory status file must
	// never fail the ingest run itself.
	_ = os.WriteFile(w.statusPath, []byte(line+"\n"), 0o644)
}

// pushRetry appends path to the retry queue, dropping the oldest entry
// once the bounded length is exceeded.
func (w *statusWriter) pushRetry(path string) error {
	lines, err := w.readRetryQueue()
	if err != nil {
		return err
	}
	lines = append(lines, path)
	if len(lines) > retryQueueMaxLines {
		lines = lines[len(lines)-retryQueueMaxLines:]
	}
	return w.writeRetryQueue(lines)
}

// popRetry removes and returns path from the retry queue, if present.
func (w *statusWriter) popRetry(path string) error {
	lines, err := w.readRetryQueue()
	if err != nil {
		return err
	}
	kept := lines[:0]
	for _, l := range lines {
		if l != path {
			kept = append(kept, l)
		}
	}
	return w.writeRetryQueue(kept)
}

func (w *statusWriter) readRetryQueue() ([]string, error) {
	f, err := os.Open(w.retryQueuePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}
	defer f.Close() //nolint:errcheck

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, errors.WithStack(scanner.Err())
}

func (w *statusWriter) writeRetryQueue(lines []string) error {
	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}
	return errors.WithStack(os.WriteFile(w.retryQueuePath, []byte(content), 0o644))
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
