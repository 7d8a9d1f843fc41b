package update

import "strings"

// BuildVersion is the comparable form of a device build identifier.
// "Nova-3.0.5-64" parses to [3 0 5 64]; missing components are zero.
// Ordering is numeric per component, so build "9" sorts before "10".
type BuildVersion [4]int

// ParseBuildVersion extracts up to four numeric components from a build
// string. Non-numeric runs are separators; anything past the fourth
// number is ignored.
func ParseBuildVersion(build string) BuildVersion {
	var v BuildVersion
	idx := 0
	num := 0
	inNum := false
	flush := func() {
		if inNum && idx < len(v) {
			v[idx] = num
			idx++
		}
		num = 0
		inNum = false
	}
	for _, r := range strings.TrimSpace(build) {
		if r >= '0' && r <= '9' {
			num = num*10 + int(r-'0')
			inNum = true
			continue
		}
		flush()
	}
	flush()
	return v
}

// Compare returns -1, 0, or 1 ordering v against other component-wise.
func (v BuildVersion) Compare(other BuildVersion) int {
	for i := range v {
		if v[i] < other[i] {
			return -1
		}
		if v[i] > other[i] {
			return 1
		}
	}
	return 0
}

// Less reports v < other.
func (v BuildVersion) Less(other BuildVersion) bool {
	return v.Compare(other) < 0
}
