package redistest

// globMatch reports whether s matches the redis glob pattern: * matches
// any sequence, ? any single byte, [abc], [^abc] and [a-z] a byte in (or
// not in) the class, and \ escapes the next byte.
func globMatch(pattern, s string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			for len(pattern) > 1 && pattern[1] == '*' {
				pattern = pattern[1:]
			}
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if globMatch(pattern[1:], s[i:]) {
					return true
				}
			}
			return false

		case '?':
			if len(s) == 0 {
				return false
			}

		case '[':
			if len(s) == 0 {
				return false
			}
			n, ok := matchClass(pattern[1:], s[0])
			if !ok {
				return false
			}
			pattern, s = pattern[1+n:], s[1:]
			continue

		case '\\':
			if len(pattern) >= 2 {
				pattern = pattern[1:]
			}
			fallthrough

		default:
			if len(s) == 0 || s[0] != pattern[0] {
				return false
			}
		}
		pattern, s = pattern[1:], s[1:]
	}
	return len(s) == 0
}

// matchClass matches c against the class that starts at p, just after the
// opening bracket. It returns the number of bytes of p consumed, closing
// bracket included.
func matchClass(p string, c byte) (int, bool) {
	var i int
	neg := len(p) > 0 && p[0] == '^'
	if neg {
		i++
	}

	var match bool
	for ; i < len(p) && p[i] != ']'; i++ {
		switch {
		case p[i] == '\\' && i+1 < len(p):
			i++
			if p[i] == c {
				match = true
			}
		case i+2 < len(p) && p[i+1] == '-' && p[i+2] != ']':
			lo, hi := p[i], p[i+2]
			if lo > hi {
				lo, hi = hi, lo
			}
			if c >= lo && c <= hi {
				match = true
			}
			i += 2
		default:
			if p[i] == c {
				match = true
			}
		}
	}

	// an unterminated class ends with the pattern
	n := i + 1
	if n > len(p) {
		n = len(p)
	}
	return n, match != neg
}
