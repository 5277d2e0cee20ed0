package core

// Decimal formatting without the fmt package, which would pull reflection
// into the firmware binary. The dictionary builder and the debug console
// are the only callers.

// utoa64 converts an unsigned integer to decimal. This is the base form:
// microsecond timestamps outgrow uint32 in under 72 minutes.
func utoa64(n uint64) string {
	var buf [20]byte // fits 18446744073709551615
	pos := len(buf)
	for {
		pos--
		buf[pos] = byte('0' + n%10)
		n /= 10
		if n == 0 {
			return string(buf[pos:])
		}
	}
}

// utoa converts a 32-bit unsigned integer to decimal.
func utoa(n uint32) string {
	return utoa64(uint64(n))
}

// itoa64 converts a signed integer to decimal.
func itoa64(n int64) string {
	if n < 0 {
		// Negate in uint64 space so the minimum value converts cleanly.
		return "-" + utoa64(-uint64(n))
	}
	return utoa64(uint64(n))
}

// itoa converts a signed integer to decimal.
func itoa(n int) string {
	return itoa64(int64(n))
}

// valueToString renders a registered constant for the dictionary. Unknown
// types come back empty; constants only carry strings and integers.
func valueToString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case int:
		return itoa(val)
	case int32:
		return itoa64(int64(val))
	case int64:
		return itoa64(val)
	case uint:
		return utoa64(uint64(val))
	case uint32:
		return utoa(val)
	case uint64:
		return utoa64(val)
	default:
		return ""
	}
}
