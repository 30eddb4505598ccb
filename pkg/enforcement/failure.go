package enforcement

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var failSuffixRE = regexp.MustCompile(`\.fail(\d+)$`)

// bumpFailureCount renames path to carry an incremented `.failN`
// suffix (§4.F step 7's "increment counter suffix"), returning the new
// path and the resulting count.
func bumpFailureCount(path string) (string, int, error) {
	base := path
	count := 0
	if m := failSuffixRE.FindStringSubmatch(path); m != nil {
		base = strings.TrimSuffix(path, m[0])
		count, _ = strconv.Atoi(m[1])
	}
	count++

	newPath := fmt.Sprintf("%s.fail%d", base, count)
	if err := os.Rename(path, newPath); err != nil {
		return path, count, errors.Wrapf(err, "failed to rename %s to %s", path, newPath)
	}
	return newPath, count, nil
}
