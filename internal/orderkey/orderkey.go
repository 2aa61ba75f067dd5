// Package orderkey generates dense ordering keys for scene lines.
//
// A key is a non-empty base-62 string read as a fraction in (0, 1):
// "V" is one half, "G" roughly a quarter. Keys compare with plain string
// comparison and a new key can always be produced between two existing
// ones, so inserting a line never renumbers its siblings. Keys never end
// in the zero digit; that keeps every fraction with a single spelling.
package orderkey

import (
	"errors"
	"fmt"
	"strings"
)

const digits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

var ErrInvalidKey = errors.New("invalid order key")

// Valid reports whether key is a well-formed order key.
func Valid(key string) bool {
	if key == "" || key[len(key)-1] == digits[0] {
		return false
	}
	for i := 0; i < len(key); i++ {
		if strings.IndexByte(digits, key[i]) < 0 {
			return false
		}
	}
	return true
}

// Between returns a key strictly between a and b. An empty a stands for
// the start of the list and an empty b for the end.
func Between(a, b string) (string, error) {
	if a != "" && !Valid(a) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, a)
	}
	if b != "" && !Valid(b) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, b)
	}
	if a != "" && b != "" && a >= b {
		return "", fmt.Errorf("%w: %q is not before %q", ErrInvalidKey, a, b)
	}
	return midpoint(a, b), nil
}

// NBetween returns n ascending keys strictly between a and b, spread so
// that their length grows logarithmically with n.
func NBetween(a, b string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	c, err := Between(a, b)
	if err != nil {
		return nil, err
	}
	leftN := (n - 1) / 2
	left, err := NBetween(a, c, leftN)
	if err != nil {
		return nil, err
	}
	right, err := NBetween(c, b, n-1-leftN)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, n)
	keys = append(keys, left...)
	keys = append(keys, c)
	keys = append(keys, right...)
	return keys, nil
}

func midpoint(a, b string) string {
	if b != "" {
		n := 0
		for n < len(b) && digitAt(a, n) == b[n] {
			n++
		}
		if n > 0 {
			return b[:n] + midpoint(tail(a, n), b[n:])
		}
	}

	lo := 0
	if a != "" {
		lo = strings.IndexByte(digits, a[0])
	}
	hi := len(digits)
	if b != "" {
		hi = strings.IndexByte(digits, b[0])
	}

	if hi-lo > 1 {
		return string(digits[(lo+hi+1)/2])
	}
	if b != "" && len(b) > 1 {
		return b[:1]
	}
	return string(digits[lo]) + midpoint(tail(a, 1), "")
}

func digitAt(s string, i int) byte {
	if i < len(s) {
		return s[i]
	}
	return digits[0]
}

func tail(s string, n int) string {
	if n < len(s) {
		return s[n:]
	}
	return ""
}
