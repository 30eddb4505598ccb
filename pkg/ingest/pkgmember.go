package ingest

import (
	"os"
	"path/filepath"
	"strings"
)

// member is one file belonging to a discovered package: files in the
// same directory that share a stem (filename without extension,
// case-insensitive), the way a downloader drops several formats of one
// book side by side.
type member struct {
	path string
	ext  string // lowercase, no leading dot
}

// filePackage groups the sibling files discovered alongside the
// triggering path, so conversion planning can pick one primary and
// treat the rest as retained-format candidates (§4.E "Conversion
// planning").
type filePackage struct {
	members []member
}

// primary returns the package member whose extension formatPriority
// ranks highest, per §9(a)'s total, deterministic ordering.
func (p *filePackage) primary() member {
	best := p.members[0]
	bestRank := rankFormat(best.ext)
	for _, m := range p.members[1:] {
		r := rankFormat(m.ext)
		if r < bestRank || (r == bestRank && m.ext < best.ext) {
			best = m
			bestRank = r
		}
	}
	return best
}

// siblings returns every member other than the given path.
func (p *filePackage) siblings(excludePath string) []member {
	var out []member
	for _, m := range p.members {
		if m.path != excludePath {
			out = append(out, m)
		}
	}
	return out
}

// discoverPackage lists path's containing directory for sibling files
// sharing its stem, returning a package containing at least path
// itself. ignoredExts are excluded entirely (never considered part of
// any package, e.g. .nfo/.jpg cover art dropped next to the book).
func discoverPackage(path string, ignoredExts map[string]bool) (*filePackage, error) {
	dir := filepath.Dir(path)
	stem := stemOf(path)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	pkg := &filePackage{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		candidate := filepath.Join(dir, e.Name())
		if stemOf(candidate) != stem {
			continue
		}
		ext := extOf(candidate)
		if ignoredExts[ext] {
			continue
		}
		pkg.members = append(pkg.members, member{path: candidate, ext: ext})
	}

	if len(pkg.members) == 0 {
		// path itself didn't survive the ignored-extension filter above
		// (shouldn't happen — callers check path's own extension first)
		// or vanished between the watcher event and this scan.
		pkg.members = []member{{path: path, ext: extOf(path)}}
	}
	return pkg, nil
}

func stemOf(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return strings.ToLower(strings.TrimSuffix(base, ext))
}

func extOf(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}
