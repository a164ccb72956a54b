package pty

import "regexp"

// promptPattern matches any shell prompt of the form user@host:~# (spec
// §4.2); it is replaced with the fixed literal so clients see a stable
// prompt regardless of the underlying shell.
var promptPattern = regexp.MustCompile(`[A-Za-z0-9_-]+@[A-Za-z0-9_-]+:~#\s`)

// bootstrapLines are emitted while installing the fixed prompt and must
// not be echoed to the user when they occur as the entire line.
var bootstrapLines = map[string]bool{
	`export PS1="terminuside:~# "`: true,
	`clear`:                        true,
	`echo ''`:                      true,
}

// NormalizeOutput applies prompt normalization and bootstrap-line
// filtering to a chunk of PTY output. It is a pure function so the
// read-buffer-boundary case (the prompt regex matching across two reads)
// can be unit-tested without a live PTY: prev is the previous call's
// carry, chunk is newly read bytes; it returns the bytes safe to emit to
// subscribers now and the new carry to hold for the next call.
//
// promptLiteral overrides the replacement text (defaults apply it as
// "terminuside:~# " when empty) so callers can exercise a configured
// prompt without changing the match pattern.
func NormalizeOutput(prev []byte, chunk []byte, promptLiteral string) (emit []byte, carry []byte) {
	if promptLiteral == "" {
		promptLiteral = "terminuside:~# "
	}

	buf := append(append([]byte{}, prev...), chunk...)

	// Hold back a tail that could still be the start of a prompt match or
	// an unterminated line, so a split `@` or `:~#` across read() calls
	// does not get emitted unnormalized.
	holdBack := 0
	if n := len(buf); n > 0 {
		lastNL := -1
		for i := n - 1; i >= 0; i-- {
			if buf[i] == '\n' {
				lastNL = i
				break
			}
		}
		tail := buf[lastNL+1:]
		if looksLikePartialPrompt(tail) {
			holdBack = len(tail)
		}
	}

	safe := buf[:len(buf)-holdBack]
	carry = append([]byte{}, buf[len(buf)-holdBack:]...)

	safe = promptPattern.ReplaceAll(safe, []byte(promptLiteral))
	safe = filterBootstrapLines(safe)

	return safe, carry
}

// looksLikePartialPrompt reports whether tail could be the prefix of a
// full prompt match so it must be held back until more bytes arrive.
func looksLikePartialPrompt(tail []byte) bool {
	if len(tail) == 0 {
		return false
	}
	// Hold back an unterminated tail, of any length, that ends
	// mid-identifier or on '@'/':'/'~'/'#',
	// since the next read could complete a user@host:~# match spanning
	// the boundary.
	last := tail[len(tail)-1]
	return last == '@' || last == ':' || last == '~' || last == '#' ||
		isIdentByte(last) && !bytesContainNewline(tail)
}

func isIdentByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') || b == '_' || b == '-'
}

func bytesContainNewline(b []byte) bool {
	for _, c := range b {
		if c == '\n' {
			return true
		}
	}
	return false
}

// filterBootstrapLines removes the specific bootstrap lines used to
// install the prompt when they occur as the entire line (spec §4.2).
func filterBootstrapLines(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	lines := splitKeepNewline(data)
	out := make([]byte, 0, len(data))
	for _, line := range lines {
		trimmed := trimTrailingNewline(line)
		if bootstrapLines[string(trimmed)] {
			continue
		}
		out = append(out, line...)
	}
	return out
}

func splitKeepNewline(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i+1])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

func trimTrailingNewline(line []byte) []byte {
	if len(line) > 0 && line[len(line)-1] == '\n' {
		return line[:len(line)-1]
	}
	return line
}
