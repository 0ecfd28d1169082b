package milter

import (
	"bytes"
	"strings"
)

// NULL terminator
const null = "\x00"

// decodeCStrings splits a C style strings into a Go slice
func decodeCStrings(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	return strings.Split(strings.Trim(string(data), null), null)
}

// readCString reads and returns a C style string from []byte
func readCString(data []byte) string {
	pos := bytes.IndexByte(data, 0)
	if pos == -1 {
		return string(data)
	}
	return string(data[0:pos])
}

// appendCString appends a C style string to the buffer and returns it (like append does).
func appendCString(dest []byte, s string) []byte {
	dest = append(dest, []byte(s)...)
	dest = append(dest, 0x00)
	return dest
}

func appendUint16(dest []byte, val uint16) []byte {
	return append(dest, byte(val>>8), byte(val))
}

func appendUint32(dest []byte, val uint32) []byte {
	return append(dest, byte(val>>24), byte(val>>16), byte(val>>8), byte(val))
}
