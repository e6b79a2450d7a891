package smtp

import "strings"

// UnstuffLine undoes DATA dot-stuffing for a single line (CRLF already
// stripped): a leading ".." becomes ".", a lone "." elsewhere on the line is
// untouched. The bare-"." terminator line itself is handled by the caller
// before UnstuffLine is reached.
func UnstuffLine(line string) string {
	if strings.HasPrefix(line, "..") {
		return line[1:]
	}
	return line
}

// IsDataTerminator reports whether line (CRLF stripped) is the bare "."
// that ends an SMTP DATA transaction.
func IsDataTerminator(line string) bool {
	return line == "."
}
