package blob

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultTemplate is the addressing template used when the schema does not
// declare one: two 2-hex shard directories, then the full digest.
const DefaultTemplate = "{digest:0:2}/{digest:2:4}/{digest}"

// Template maps a hex digest to a sharded relative path. Each path segment
// is either the full digest or a half-open slice of it.
type Template []segment

type segment struct {
	start int
	end   int // -1 means "to the end"
}

// ParseTemplate parses an addressing template such as
// "{digest:0:2}/{digest:2:4}/{digest}".
func ParseTemplate(tmpl string) (Template, error) {
	if tmpl == "" {
		tmpl = DefaultTemplate
	}

	var t Template
	for _, part := range strings.Split(tmpl, "/") {
		switch {
		case part == "{digest}":
			t = append(t, segment{start: 0, end: -1})
		case strings.HasPrefix(part, "{digest:") && strings.HasSuffix(part, "}"):
			spec := strings.TrimSuffix(strings.TrimPrefix(part, "{digest:"), "}")
			bounds := strings.SplitN(spec, ":", 2)
			if len(bounds) != 2 {
				return nil, fmt.Errorf("blob: malformed template segment %q", part)
			}
			start, err1 := strconv.Atoi(bounds[0])
			end, err2 := strconv.Atoi(bounds[1])
			if err1 != nil || err2 != nil || start < 0 || end <= start {
				return nil, fmt.Errorf("blob: malformed template segment %q", part)
			}
			t = append(t, segment{start: start, end: end})
		default:
			return nil, fmt.Errorf("blob: malformed template segment %q", part)
		}
	}
	if len(t) == 0 {
		return nil, fmt.Errorf("blob: empty path template")
	}
	return t, nil
}

// Path renders the relative path for a hex digest.
func (t Template) Path(hexDigest string) string {
	parts := make([]string, 0, len(t))
	for _, seg := range t {
		end := seg.end
		if end < 0 || end > len(hexDigest) {
			end = len(hexDigest)
		}
		start := seg.start
		if start > len(hexDigest) {
			start = len(hexDigest)
		}
		parts = append(parts, hexDigest[start:end])
	}
	return filepath.Join(parts...)
}
