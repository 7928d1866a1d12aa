package util

// PositiveMod wraps x into [0, d) for a positive divisor. Unlike the %
// operator the result never takes the sign of the dividend.
func PositiveMod(x, d int) int {
	m := x % d
	if m < 0 {
		m += d
	}
	return m
}
