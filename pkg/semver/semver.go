// Package semver implements the strict version triples used to identify
// machine definitions. Only `MAJOR.MINOR.PATCH` with non-negative integer
// components is accepted — no leading "v", no pre-release or build metadata.
package semver

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidVersion is returned when a string is not a strict semver triple.
var ErrInvalidVersion = errors.New("invalid semver")

var versionRe = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// Version is a strict semantic version triple.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

// Parse parses a strict `MAJOR.MINOR.PATCH` triple.
func Parse(s string) (Version, error) {
	if !versionRe.MatchString(s) {
		return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}
	parts := strings.SplitN(s, ".", 3)
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// MustParse parses a version or panics. Intended for machine definition
// literals wired at program start.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Valid reports whether s is a strict semver triple.
func Valid(s string) bool {
	return versionRe.MatchString(s)
}

// String renders the triple as `MAJOR.MINOR.PATCH`.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// IsZero reports whether v is the zero value. The zero value is not a legal
// machine version; it marks "no version supplied" in payloads and subjects.
func (v Version) IsZero() bool {
	return v.Major == 0 && v.Minor == 0 && v.Patch == 0
}

// Compare returns -1, 0, or 1 ordering the two versions lexicographically
// per component.
func Compare(a, b Version) int {
	switch {
	case a.Major != b.Major:
		return sign(a.Major - b.Major)
	case a.Minor != b.Minor:
		return sign(a.Minor - b.Minor)
	default:
		return sign(a.Patch - b.Patch)
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

// Highest returns the greatest version in vs. The second return is false
// when vs is empty.
func Highest(vs []Version) (Version, bool) {
	if len(vs) == 0 {
		return Version{}, false
	}
	best := vs[0]
	for _, v := range vs[1:] {
		if Compare(v, best) > 0 {
			best = v
		}
	}
	return best, true
}

// MarshalText renders the version for JSON/YAML string fields.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText parses the version from JSON/YAML string fields.
func (v *Version) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
