package ingest

import (
	"github.com/gabriel-vasile/mimetype"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

// expectedMIME maps a recognized intake extension to the content
// type(s) a well-formed file of that format sniffs as. Mirrors the
// teacher's own scan stage, which cross-checks an extension against a
// content sniff before trusting it (shisho's
// pkg/worker/scan.go:"mime type is not expected for extension").
var expectedMIME = map[string][]string{
	"epub": {"application/epub+zip"},
	"pdf":  {"application/pdf"},
	"cbz":  {"application/zip"},
	"txt":  {"text/plain"},
	"fb2":  {"text/xml", "application/xml"},
}

// classify content-sniffs path and cross-checks the result against
// ext, the extension discoverPackage already assigned it (§4.E's
// classify stage). A downloader mislabeling an extension is common
// enough that a mismatch is only ever logged, never fatal — failing
// the whole pipeline on a cosmetic mismatch would violate the same
// "never fail on cosmetic" spirit §9 applies to tool stdout parsing.
func (p *Processor) classify(path, ext string) {
	expected, ok := expectedMIME[ext]
	if !ok {
		return
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		p.log.Warn("could not content-sniff intake file", logger.Data{"path": path, "error": err.Error()})
		return
	}

	for _, want := range expected {
		if mtype.Is(want) {
			return
		}
	}
	p.log.Warn("mime type is not expected for extension", logger.Data{
		"path": path, "ext": ext, "mimetype": mtype.String(),
	})
}

// validatePDF structurally validates a PDF intake file so a corrupt
// one is failed before a conversion attempt is spent on it (§4.E
// classify stage, "not convertible ... conversion fails all
// strategies").
func validatePDF(path string) error {
	if err := api.ValidateFile(path, model.NewDefaultConfiguration()); err != nil {
		return errors.Wrap(err, "pdf validation failed")
	}
	return nil
}
