// Package librarygateway is the sole caller of the calibredb binary,
// the command-line front end for the on-disk library database. All
// access is serialized behind one mutex — calibredb assumes it owns
// metadata.db for the duration of a call, so two concurrent
// invocations racing on the same library corrupt it — and wrapped in a
// circuit breaker so a library that has gone unreachable (missing
// binary, corrupt database) fails fast instead of stacking up blocked
// ingest goroutines. The subprocess idiom mirrors the other host-tool
// adapters: exec.CommandContext, buffered output, *exec.ExitError for
// exit codes.
package librarygateway

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/sony/gobreaker"

	"github.com/crocodilestick/cwa-core/pkg/errcodes"
)

// BookRecord is one row of `calibredb list`'s machine-readable output,
// trimmed to the fields the enforcement and duplicate-detection paths
// need.
type BookRecord struct {
	ID        int      `json:"id"`
	Title     string   `json:"title"`
	Authors   []string `json:"authors"`
	Series    string   `json:"series"`
	Languages []string `json:"languages"`
	Publisher string   `json:"publisher"`
	Formats   []string `json:"formats"`
}

// Gateway invokes calibredb against one library directory.
type Gateway struct {
	bin        string
	libraryDir string
	timeout    time.Duration
	log        logger.Logger

	mu      sync.Mutex
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// New returns a Gateway using bin against the library rooted at
// libraryDir.
func New(bin, libraryDir string, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Gateway{
		bin:        bin,
		libraryDir: libraryDir,
		timeout:    timeout,
		log:        logger.New().Data(logger.Data{"component": "librarygateway"}),
		breaker: gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name:        "calibredb",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Add imports paths into the library, returning the assigned book
// ids in the order calibredb reports them. automerge mirrors
// calibredb's own --automerge flag: "" or "new_record" adds a fresh
// record regardless of any title/author collision, "ignore" leaves an
// existing colliding record untouched and adds nothing, "overwrite"
// replaces the colliding record's formats in place.
func (g *Gateway) Add(ctx context.Context, paths []string, automerge string) ([]int, error) {
	args := []string{"add", "--with-library", g.libraryDir}
	if automerge != "" && automerge != "new_record" {
		args = append(args, "--automerge="+automerge)
	}
	args = append(args, paths...)

	out, err := g.run(ctx, args)
	if err != nil {
		return nil, err
	}
	return parseAddedIDs(string(out)), nil
}

// AddFormat attaches an additional file format to an existing book.
func (g *Gateway) AddFormat(ctx context.Context, bookID int, path string) error {
	args := []string{"add_format", "--with-library", g.libraryDir, strconv.Itoa(bookID), path}
	_, err := g.run(ctx, args)
	return err
}

// List returns library rows restricted to the requested fields. An
// empty fields list asks calibredb for its default set.
func (g *Gateway) List(ctx context.Context, fields []string) ([]BookRecord, error) {
	args := []string{"list", "--with-library", g.libraryDir, "--for-machine"}
	if len(fields) > 0 {
		args = append(args, "-f", strings.Join(fields, ","))
	}

	out, err := g.run(ctx, args)
	if err != nil {
		return nil, err
	}

	var records []BookRecord
	if err := json.Unmarshal(out, &records); err != nil {
		return nil, errors.Wrap(err, "failed to parse calibredb list output")
	}
	return records, nil
}

// GetFormats returns the known on-disk file formats for one book,
// queried via a single-book List call.
func (g *Gateway) GetFormats(ctx context.Context, bookID int) ([]string, error) {
	args := []string{
		"list", "--with-library", g.libraryDir, "--for-machine",
		"-f", "formats",
		"--search", "id:" + strconv.Itoa(bookID),
	}
	out, err := g.run(ctx, args)
	if err != nil {
		return nil, err
	}

	var records []BookRecord
	if err := json.Unmarshal(out, &records); err != nil {
		return nil, errors.Wrap(err, "failed to parse calibredb list output")
	}
	if len(records) == 0 {
		return nil, errcodes.NotFound("book " + strconv.Itoa(bookID))
	}
	return records[0].Formats, nil
}

// SetMetadata writes the given field/value pairs onto a book record
// (title, authors, series, etc). The enforcement engine does not call
// it; that engine rewrites the on-disk files through toolgateway.
func (g *Gateway) SetMetadata(ctx context.Context, bookID int, fields map[string]string) error {
	args := []string{"set_metadata", "--with-library", g.libraryDir, strconv.Itoa(bookID)}
	for field, value := range fields {
		args = append(args, "--field", field+":"+value)
	}
	_, err := g.run(ctx, args)
	return err
}

func (g *Gateway) run(ctx context.Context, args []string) ([]byte, error) {
	if g.bin == "" {
		return nil, errcodes.ConfigError("calibredb binary path is not configured")
	}

	out, err := g.breaker.Execute(func() ([]byte, error) {
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.exec(ctx, args)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errcodes.Transient("calibredb circuit open")
		}
		return nil, err
	}
	return out, nil
}

func (g *Gateway) exec(ctx context.Context, args []string) ([]byte, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	// callID correlates this invocation across the started/finished log
	// lines, since calibredb calls are serialized but can still overlap
	// in the log with other components' output.
	callID := uuid.New().String()
	start := time.Now()
	g.log.Debug("calibredb call started", logger.Data{"call_id": callID, "args": args})

	cmd := exec.CommandContext(callCtx, g.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	g.log.Debug("calibredb call finished", logger.Data{"call_id": callID, "duration_ms": time.Since(start).Milliseconds()})
	if runErr == nil {
		return stdout.Bytes(), nil
	}

	if _, ok := runErr.(*exec.ExitError); ok {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return nil, errcodes.PerItem("calibredb_failed", msg)
	}

	if callCtx.Err() != nil {
		return nil, errcodes.Transient("calibredb invocation timed out: " + runErr.Error())
	}

	return nil, errors.Wrapf(runErr, "failed to execute %s", g.bin)
}

// parseAddedIDs extracts book ids from calibredb add's human-readable
// "Added book ids: 12, 13" summary line.
func parseAddedIDs(output string) []int {
	const marker = "Added book ids:"
	idx := strings.Index(output, marker)
	if idx == -1 {
		return nil
	}
	rest := output[idx+len(marker):]
	if nl := strings.IndexByte(rest, '\n'); nl != -1 {
		rest = rest[:nl]
	}

	var ids []int
	for _, part := range strings.Split(rest, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.Atoi(part); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
