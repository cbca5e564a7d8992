package session

import "regexp"

// idPattern matches the documented session id format: a short
// operator-chosen prefix, a four-digit year, and a sequence number, e.g.
// "CHURCH-2025-001".
var idPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]{1,31}-[0-9]{4}-[0-9]{3,6}$`)

// ValidID reports whether id satisfies the documented session id pattern.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}
