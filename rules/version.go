package rules

import (
	"strconv"
	"strings"
)

// InitialVersion is assigned to every newly deployed rule set
const InitialVersion = "1.0"

// CompareVersions compares dotted versions segment by segment. Numeric
// segments compare numerically, others lexically; missing segments count as 0.
// It returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")

	for i := 0; i < len(as) || i < len(bs); i++ {
		x, y := "0", "0"
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		if c := compareSegment(x, y); c != 0 {
			return c
		}
	}
	return 0
}

func compareSegment(x, y string) int {
	xi, xerr := strconv.ParseInt(x, 10, 64)
	yi, yerr := strconv.ParseInt(y, 10, 64)
	if xerr == nil && yerr == nil {
		switch {
		case xi < yi:
			return -1
		case xi > yi:
			return 1
		}
		return 0
	}
	return strings.Compare(x, y)
}

// NextVersion increments the last numeric segment: "1.0" -> "1.1".
// Versions without a numeric last segment get ".1" appended.
func NextVersion(v string) string {
	if v == "" {
		return InitialVersion
	}
	parts := strings.Split(v, ".")
	last := parts[len(parts)-1]
	n, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return v + ".1"
	}
	parts[len(parts)-1] = strconv.FormatInt(n+1, 10)
	return strings.Join(parts, ".")
}
