package feed

import "strings"

// Normalize converts a feed identifier to its canonical form: lower-case,
// no 0x marker. Every map keyed by identifier — registration, dispatch,
// snapshot — goes through this one function; identifiers that differ only by
// casing or the marker compare equal afterwards. Idempotent.
func Normalize(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	return strings.TrimPrefix(id, "0x")
}
