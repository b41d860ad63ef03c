package dicomtag

import "strings"

// ComponentDelimiter separates person-name components (family^given^middle^prefix^suffix).
const ComponentDelimiter = "^"

// SplitPersonName splits a PN value into family and given components.
// Missing components come back empty.
func SplitPersonName(value string) (family, given string) {
	parts := strings.Split(strings.TrimSpace(value), ComponentDelimiter)
	family = strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		given = strings.TrimSpace(parts[1])
	}
	return family, given
}

// JoinPersonName is the inverse of SplitPersonName. A missing given name
// produces the bare family component.
func JoinPersonName(family, given string) string {
	if given == "" {
		return family
	}
	return family + ComponentDelimiter + given
}
