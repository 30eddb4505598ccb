// Package enforcement implements the metadata-enforcement worker
// (component F): it watches the UI's metadata-change-log directory and
// rewrites the affected book files on disk so they match what the UI
// last showed, coalescing rapid-fire edits to the same book into a
// single write (§4.F).
package enforcement

import (
	"bufio"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/schema"
	"github.com/pkg/errors"
)

// LogEntry is one parsed metadata-change-log file (§6 "Enforcement log
// directory"): a flat key=value text format the UI writes, one file per
// change event. gorilla/schema decodes it the same way the inherited
// binder decodes query-string params into a struct, just sourced from a
// file instead of an HTTP request.
type LogEntry struct {
	BookID       int      `schema:"book_id"`
	Title        string   `schema:"title"`
	Authors      string   `schema:"authors"`
	FilePathHint string   `schema:"file_path_hint"`
	Fields       []string `schema:"fields"`
	CoverPath    string   `schema:"cover_path"`
	Timestamp    string   `schema:"timestamp"`
}

var logDecoder = func() *schema.Decoder {
	d := schema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	return d
}()

// AuthorList splits the ampersand-separated Authors field (§6), primary
// author first.
func (e *LogEntry) AuthorList() []string {
	if e.Authors == "" {
		return nil
	}
	parts := strings.Split(e.Authors, "&")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// ParsedTime returns Timestamp parsed as RFC3339, falling back to the
// zero time when the field is absent or unparseable — callers fall back
// to the file's own mtime in that case (§6's "tolerate absent optional
// fields").
func (e *LogEntry) ParsedTime() time.Time {
	t, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ParseLogFile reads one key=value-per-line log file into a LogEntry.
// Repeated keys accumulate as multiple values (used for the `fields`
// list); unknown keys are ignored so a future UI field addition never
// breaks an older enforcement worker.
func ParseLogFile(path string) (*LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open enforcement log %s", path)
	}
	defer f.Close() //nolint:errcheck

	values := url.Values{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx == -1 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		values.Add(key, val)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read enforcement log %s", path)
	}

	entry := &LogEntry{}
	if err := logDecoder.Decode(entry, values); err != nil {
		return nil, errors.Wrapf(err, "failed to decode enforcement log %s", path)
	}
	return entry, nil
}
