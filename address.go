// Package milterfrom rejects mail from authenticated senders whose From:
// header does not match the envelope sender address.
package milterfrom

// ExtractAddress reduces a raw header or envelope field to the bare address.
// If the field contains a < with a subsequent >, the inner part is used. If
// not, the whole field is used. This allows matching
// "Max Mustermann <max.mustermann@example.invalid>".
//
// The scan records the last < and the last > of the field; this is observable
// behavior for fields with stray angle brackets and must not change.
func ExtractAddress(field string) string {
	posOpen, posClose := -1, -1
	for i := 0; i < len(field); i++ {
		switch field[i] {
		case '<':
			posOpen = i
		case '>':
			posClose = i
		}
	}

	if posOpen != -1 && posClose != -1 && posOpen < posClose {
		return field[posOpen+1 : posClose]
	}
	return field
}

// equalFoldASCII reports whether a and b are equal under ASCII
// case-insensitive comparison: equal length and equal bytes with only
// A-Z/a-z folded. Unlike strings.EqualFold it never folds characters outside
// ASCII, so multi-byte sequences have to match exactly.
func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca |= 0x20
		}
		if 'A' <= cb && cb <= 'Z' {
			cb |= 0x20
		}
		if ca != cb {
			return false
		}
	}
	return true
}
