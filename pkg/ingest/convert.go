package ingest

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// conservativeConvertArgs disables ebook-convert's optional heuristics
// pass, the "no optional plugins" conservative retry §4.E calls for
// after a first conversion attempt fails.
var conservativeConvertArgs = []string{"--enable-heuristics=no"}

// convert invokes the tool gateway to produce targetExt from srcPath,
// retrying once with a conservative argument set on failure (§4.E
// "Conversion"). Returns the path of the freshly converted file, owned
// by the caller to clean up.
func (p *Processor) convert(ctx context.Context, srcPath, targetExt string) (string, error) {
	tmpDir, err := os.MkdirTemp(filepath.Dir(srcPath), ".cwa-convert-")
	if err != nil {
		return "", errors.WithStack(err)
	}

	name, err := uuid.NewRandom()
	if err != nil {
		return "", errors.WithStack(err)
	}
	dstPath := filepath.Join(tmpDir, name.String()+"."+targetExt)

	result, err := p.tools.Convert(ctx, srcPath, dstPath)
	if err == nil && result.OK {
		return dstPath, nil
	}
	firstErr := err
	if firstErr == nil {
		firstErr = errors.Errorf("conversion failed: %s", result.ErrorMessage)
	}
	p.log.Err(firstErr).Warn("first conversion attempt failed, retrying conservatively", nil)

	result, err = p.tools.Convert(ctx, srcPath, dstPath, conservativeConvertArgs...)
	if err != nil {
		return "", err
	}
	if !result.OK {
		return "", errors.Errorf("conversion failed after conservative retry: %s", result.ErrorMessage)
	}
	return dstPath, nil
}
