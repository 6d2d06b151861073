// Package version implements matcha's version and pin model: dotted
// sequences of non-negative integer components, compared lexicographically
// with missing trailing components treated as zero, and pins as a
// component-prefix constraint over a version.
package version

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/sulami/matcha/internal/merr"
)

// Version is a parsed dotted-integer version, e.g. "1.5.0" -> [1, 5, 0].
type Version []uint64

// Pin is a component-prefix constraint over a Version. A nil or empty Pin
// matches any version.
type Pin []uint64

// Parse parses a dotted sequence of non-negative integers. An empty string
// or any non-numeric, negative, or malformed component is rejected.
func Parse(s string) (Version, error) {
	if s == "" {
		return nil, merr.New(merr.InvalidVersion, s)
	}
	parts := strings.Split(s, ".")
	v := make(Version, len(parts))
	for i, p := range parts {
		if p == "" {
			return nil, merr.New(merr.InvalidVersion, s)
		}
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil, merr.Wrap(merr.InvalidVersion, s, err)
		}
		v[i] = n
	}
	return v, nil
}

// ParsePin parses the "name[@v1[.v2[...]]]" form, splitting on the first
// '@'. A trailing '@' with nothing after it is rejected as InvalidPin;
// no '@' at all means "any version" (a nil Pin).
func ParsePin(s string) (name string, pin Pin, err error) {
	at := strings.IndexByte(s, '@')
	if at < 0 {
		return s, nil, nil
	}
	name = s[:at]
	tail := s[at+1:]
	if tail == "" {
		return "", nil, merr.New(merr.InvalidPin, s)
	}
	v, err := Parse(tail)
	if err != nil {
		return "", nil, errors.Wrapf(merr.New(merr.InvalidPin, s), "parsing pin suffix %q", tail)
	}
	return name, Pin(v), nil
}

// Matches reports whether pin, as a component-prefix constraint, matches v.
// An empty (including nil) pin matches every version.
func (pin Pin) Matches(v Version) bool {
	if len(pin) > len(v) {
		return false
	}
	for i, p := range pin {
		if v[i] != p {
			return false
		}
	}
	return true
}

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater than
// b, treating missing trailing components as zero.
func Compare(a, b Version) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var x, y uint64
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		if x < y {
			return -1
		}
		if x > y {
			return 1
		}
	}
	return 0
}

// Equal reports whether a and b denote the same version under Compare.
func Equal(a, b Version) bool { return Compare(a, b) == 0 }

// String renders v in dotted form.
func (v Version) String() string {
	parts := make([]string, len(v))
	for i, c := range v {
		parts[i] = strconv.FormatUint(c, 10)
	}
	return strings.Join(parts, ".")
}

// Latest returns the maximum of candidates satisfying pin, and true, or
// the zero Version and false if none match (the caller surfaces this as
// merr.NoCandidate).
func Latest(candidates []Version, pin Pin) (Version, bool) {
	var best Version
	found := false
	for _, c := range candidates {
		if !pin.Matches(c) {
			continue
		}
		if !found || Compare(c, best) > 0 {
			best = c
			found = true
		}
	}
	return best, found
}
