package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var semverPattern = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)(-[a-zA-Z0-9\-\.]+)?(\+[a-zA-Z0-9\-\.]+)?$`)

// ValidateVersion validates semantic version format (e.g., 1.2.3).
func ValidateVersion(version string) error {
	if !semverPattern.MatchString(version) {
		return fmt.Errorf("invalid version format: %s", version)
	}
	return nil
}

// CompareVersions orders two versions by semantic precedence.
// Returns -1 if v1 < v2, 0 if v1 == v2, 1 if v1 > v2.
func CompareVersions(v1, v2 string) int {
	n1 := numericParts(v1)
	n2 := numericParts(v2)

	for i := 0; i < 3; i++ {
		if n1[i] < n2[i] {
			return -1
		}
		if n1[i] > n2[i] {
			return 1
		}
	}
	return 0
}

func numericParts(v string) [3]int {
	v = strings.TrimPrefix(v, "v")
	// Strip pre-release and build metadata; precedence here is
	// major.minor.patch only.
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}

	var parts [3]int
	for i, p := range strings.SplitN(v, ".", 3) {
		if i >= 3 {
			break
		}
		parts[i], _ = strconv.Atoi(p)
	}
	return parts
}
