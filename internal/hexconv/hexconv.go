package hexconv

// Halfbyte maps a hex digit onto its value. Non-hex characters are mapped onto 0xff, so
// a decoded pair can be validated at once by checking a|b > 0x0f.
var Halfbyte = func() (table [256]byte) {
	for i := range table {
		table[i] = 0xff
	}

	for c := '0'; c <= '9'; c++ {
		table[c] = byte(c - '0')
	}

	for c := 'a'; c <= 'f'; c++ {
		table[c] = byte(c-'a') + 10
		table[c-'a'+'A'] = byte(c-'a') + 10
	}

	return table
}()

// Valid tells whether the character is a hex digit.
func Valid(c byte) bool {
	return Halfbyte[c] != 0xff
}
