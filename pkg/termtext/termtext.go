// Package termtext provides small terminal-text utilities used across the
// project.
package termtext

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ansiRE matches CSI sequences (ESC [ ... final byte) and OSC sequences
// (ESC ] ... terminated by BEL or ST).
var ansiRE = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)?`)

// StripANSI removes CSI and OSC escape sequences.
func StripANSI(s string) string {
	return ansiRE.ReplaceAllString(s, "")
}

// CleanLine strips escape sequences and control characters except tab, then
// trims trailing whitespace. PTY lines arrive with CR still attached.
func CleanLine(s string) string {
	s = StripANSI(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimRight(b.String(), " \t")
}

// Decode converts raw terminal bytes to a string, replacing invalid UTF-8
// with U+FFFD.
func Decode(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}

// Readable reports whether s looks like human text: fewer than 10% of the
// first 100 characters are U+FFFD or non-printable controls (tab, CR and LF
// excluded).
func Readable(s string) bool {
	examined, bad := 0, 0
	for _, r := range s {
		if examined >= 100 {
			break
		}
		examined++
		if r == utf8.RuneError || (unicode.IsControl(r) && r != '\t' && r != '\r' && r != '\n') {
			bad++
		}
	}
	if examined == 0 {
		return true
	}
	return float64(bad)/float64(examined) < 0.10
}
