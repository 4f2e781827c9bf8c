package dkim

import (
	"regexp"
	"strings"
)

// canonicalizeBodySimple normalizes line endings to CRLF and collapses
// trailing empty lines to exactly one CRLF. An empty body becomes a
// single CRLF.
func canonicalizeBodySimple(body []byte) []byte {
	lines := splitLines(body)
	lines = trimTrailingEmpty(lines)
	if len(lines) == 0 {
		return []byte("\r\n")
	}
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

var wspRun = regexp.MustCompile(`[ \t]+`)

// canonicalizeBodyRelaxed applies the relaxed body algorithm: WSP runs
// inside a line collapse to one SP, trailing WSP is stripped per line,
// trailing empty lines are dropped, and a final CRLF is appended
// unless the body is empty. The transform is idempotent.
func canonicalizeBodyRelaxed(body []byte) []byte {
	lines := splitLines(body)
	for i, line := range lines {
		line = wspRun.ReplaceAllString(line, " ")
		lines[i] = strings.TrimRight(line, " ")
	}
	lines = trimTrailingEmpty(lines)
	if len(lines) == 0 {
		return []byte{}
	}
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

func canonicalizeBody(mode string, body []byte) []byte {
	if mode == CanonRelaxed {
		return canonicalizeBodyRelaxed(body)
	}
	return canonicalizeBodySimple(body)
}

// splitLines accepts CRLF or bare-LF input and returns lines without
// terminators.
func splitLines(body []byte) []string {
	if len(body) == 0 {
		return nil
	}
	lines := strings.Split(string(body), "\n")
	// A trailing newline produces one empty tail element; it is not a
	// line of its own.
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}

func trimTrailingEmpty(lines []string) []string {
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// headerField is one field of the raw header block with its folding
// preserved.
type headerField struct {
	name string // lowercased
	raw  string // full field, folding kept, no trailing CRLF
}

// parseHeaderBlock splits an unfolded-or-folded raw header block into
// ordered fields. Continuation lines (leading WSP) belong to the
// preceding field.
func parseHeaderBlock(raw []byte) []headerField {
	var fields []headerField
	for _, line := range splitLines(raw) {
		if line == "" {
			// Blank line ends the header block.
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			if len(fields) > 0 {
				fields[len(fields)-1].raw += "\r\n" + line
			}
			continue
		}
		colon := strings.Index(line, ":")
		if colon < 0 {
			continue
		}
		fields = append(fields, headerField{
			name: strings.ToLower(strings.TrimSpace(line[:colon])),
			raw:  line,
		})
	}
	return fields
}

// value returns the field text after the first colon.
func (f headerField) value() string {
	if i := strings.Index(f.raw, ":"); i >= 0 {
		return f.raw[i+1:]
	}
	return ""
}

// canonicalizeHeaderSimple keeps the field byte-for-byte.
func canonicalizeHeaderSimple(f headerField) string {
	return f.raw
}

// canonicalizeHeaderRelaxed lowercases the name, unfolds the value,
// collapses WSP runs to one SP and trims WSP around the value.
func canonicalizeHeaderRelaxed(f headerField) string {
	v := strings.ReplaceAll(f.value(), "\r\n", "")
	v = strings.ReplaceAll(v, "\n", "")
	v = wspRun.ReplaceAllString(v, " ")
	v = strings.Trim(v, " \t")
	return f.name + ":" + v
}

func canonicalizeHeader(mode string, f headerField) string {
	if mode == CanonRelaxed {
		return canonicalizeHeaderRelaxed(f)
	}
	return canonicalizeHeaderSimple(f)
}

// stripBValue removes the signature value from a DKIM-Signature field
// while preserving every other byte, so simple canonicalization stays
// exact. The b= tag itself is kept with an empty value.
func stripBValue(raw string) string {
	var out strings.Builder
	segStart := 0
	s := raw
	for i := 0; i <= len(s); i++ {
		if i < len(s) && s[i] != ';' {
			continue
		}
		seg := s[segStart:i]
		if eq := strings.Index(seg, "="); eq >= 0 {
			name := strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(seg[:eq], "\r", ""), "\n", ""))
			if name == "b" || name == "B" {
				seg = seg[:eq+1]
			}
		}
		out.WriteString(seg)
		if i < len(s) {
			out.WriteByte(';')
		}
		segStart = i + 1
	}
	return out.String()
}
