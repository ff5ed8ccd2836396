package manager

import (
	"strconv"
	"strings"
)

// CompareVersions compares two dotted-numeric version strings. Missing
// segments are treated as 0, so "1.2" == "1.2.0". Leading "v" prefixes and
// pre-release suffixes after "-" are ignored. Returns -1, 0, or 1.
func CompareVersions(a, b string) int {
	as := versionSegments(a)
	bs := versionSegments(b)
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var av, bv int
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		if av < bv {
			return -1
		}
		if av > bv {
			return 1
		}
	}
	return 0
}

func versionSegments(v string) []int {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if idx := strings.IndexByte(v, '-'); idx >= 0 {
		v = v[:idx]
	}
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ".")
	segs := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			n = 0
		}
		segs = append(segs, n)
	}
	return segs
}

// versionSupported reports whether observed meets the configured minimum.
// An empty minimum accepts everything; an empty observed version is treated
// as unknown-but-acceptable so a metadata hiccup never flags the connection.
func versionSupported(observed, minimum string) bool {
	if minimum == "" || observed == "" {
		return true
	}
	return CompareVersions(observed, minimum) >= 0
}
