// Package toolgateway wraps the command-line conversion tools
// (ebook-convert, ebook-meta, kepubify, the Kindle epub fixer) as
// subprocess adapters, the same way the host-API shell and ffmpeg
// namespaces wrap external binaries: exec.CommandContext for timeout
// enforcement, buffered stdout/stderr capture, and *exec.ExitError for
// exit-code recovery. A circuit breaker per tool keeps a misconfigured
// or missing binary from being retried into the ground on every ingest
// file.
package toolgateway

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"

	"github.com/crocodilestick/cwa-core/pkg/errcodes"
)

// maxCapturedOutput bounds how much of a tool's stdout/stderr is kept
// for logging and error messages; conversion tools can be extremely
// chatty on malformed input.
const maxCapturedOutput = 64 * 1024

// Result is the outcome of one tool invocation.
type Result struct {
	OK           bool
	ArtefactPath string
	Stdout       string
	Stderr       string
	ExitCode     int
	ErrorKind    string
	ErrorMessage string
}

// Gateway invokes the conversion toolchain binaries.
type Gateway struct {
	ebookConvertBin string
	ebookMetaBin    string
	kepubifyBin     string
	epubFixerBin    string
	timeout         time.Duration

	breakers map[string]*gobreaker.CircuitBreaker[Result]
}

// New returns a Gateway using the given binary paths. timeout is the
// default per-call timeout (spec default: 300s) applied when the
// caller's context carries no earlier deadline.
func New(ebookConvertBin, ebookMetaBin, kepubifyBin, epubFixerBin string, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	g := &Gateway{
		ebookConvertBin: ebookConvertBin,
		ebookMetaBin:    ebookMetaBin,
		kepubifyBin:     kepubifyBin,
		epubFixerBin:    epubFixerBin,
		timeout:         timeout,
		breakers:        map[string]*gobreaker.CircuitBreaker[Result]{},
	}
	for _, name := range []string{"ebook-convert", "ebook-meta", "kepubify", "epub-fixer"} {
		toolName := name
		g.breakers[toolName] = gobreaker.NewCircuitBreaker[Result](gobreaker.Settings{
			Name:        toolName,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return g
}

// Convert runs ebook-convert srcPath -> dstPath, returning dstPath as
// the artefact on success.
func (g *Gateway) Convert(ctx context.Context, srcPath, dstPath string, extraArgs ...string) (Result, error) {
	args := append([]string{srcPath, dstPath}, extraArgs...)
	return g.run(ctx, "ebook-convert", g.ebookConvertBin, dstPath, args)
}

// SetMetadata runs ebook-meta against path with the given flag/value
// pairs (e.g. "--title", "New Title"), mutating the file in place.
func (g *Gateway) SetMetadata(ctx context.Context, path string, args ...string) (Result, error) {
	full := append([]string{path}, args...)
	return g.run(ctx, "ebook-meta", g.ebookMetaBin, path, full)
}

// Kepubify converts an EPUB at srcPath into a Kobo EPUB at dstPath.
func (g *Gateway) Kepubify(ctx context.Context, srcPath, dstPath string) (Result, error) {
	args := []string{srcPath, "-o", dstPath}
	return g.run(ctx, "kepubify", g.kepubifyBin, dstPath, args)
}

// FixEpub runs the Kindle epub-fixer binary against path in place,
// normalizing structural quirks (language tags, malformed OPF entries,
// cover metadata) that make some otherwise-valid epubs misbehave on
// Kindle devices (§4.E "kindle_epub_fixer", §3 EpubFix audit record).
// The tool is expected to print one "FIXED: <description>" line per
// correction it made; FixesApplied parses those lines. A tool that
// exits 0 without printing any such line is treated as "nothing needed
// fixing", not an error.
func (g *Gateway) FixEpub(ctx context.Context, path string) (Result, []string, error) {
	res, err := g.run(ctx, "epub-fixer", g.epubFixerBin, path, []string{path})
	if err != nil {
		return res, nil, err
	}
	return res, parseFixesApplied(res.Stdout), nil
}

func parseFixesApplied(stdout string) []string {
	const marker = "FIXED: "
	var fixes []string
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, marker) {
			fixes = append(fixes, strings.TrimPrefix(line, marker))
		}
	}
	return fixes
}

func (g *Gateway) run(ctx context.Context, toolName, bin, artefactOnSuccess string, args []string) (Result, error) {
	cb, ok := g.breakers[toolName]
	if !ok {
		return Result{}, errcodes.Invariant("unknown tool gateway breaker " + toolName)
	}

	res, err := cb.Execute(func() (Result, error) {
		return g.exec(ctx, bin, artefactOnSuccess, args)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Result{}, errcodes.Transient(toolName + " circuit open")
		}
		return res, err
	}
	return res, nil
}

func (g *Gateway) exec(ctx context.Context, bin, artefactOnSuccess string, args []string) (Result, error) {
	if bin == "" {
		return Result{}, errcodes.ConfigError("tool binary path is not configured")
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(callCtx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	out := truncate(stdout.String())
	errOut := truncate(stderr.String())

	if runErr == nil {
		return Result{OK: true, ArtefactPath: artefactOnSuccess, Stdout: out, Stderr: errOut}, nil
	}

	// A process killed on deadline also reports an *exec.ExitError, so
	// the deadline is checked first.
	if callCtx.Err() != nil {
		return Result{}, errcodes.Transient("tool invocation timed out: " + runErr.Error())
	}

	if exitErr, ok := runErr.(*exec.ExitError); ok {
		return Result{
			OK:           false,
			Stdout:       out,
			Stderr:       errOut,
			ExitCode:     exitErr.ExitCode(),
			ErrorKind:    "tool_nonzero_exit",
			ErrorMessage: "command exited with status " + exitErr.String(),
		}, nil
	}

	return Result{}, errors.Wrapf(runErr, "failed to execute %s", bin)
}

func truncate(s string) string {
	if len(s) <= maxCapturedOutput {
		return s
	}
	return s[:maxCapturedOutput]
}
