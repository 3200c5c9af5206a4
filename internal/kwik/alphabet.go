// Package kwik resolves embed pages on the kwik host family into direct
// download links.
package kwik

import (
	"math/big"
	"strings"
)

// Alphabet is the symbol table shared by every base. Base b uses its first b symbols.
const Alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ+/"

const (
	minBase = 2
	maxBase = len(Alphabet)
)

func clampBase(base int) int {
	if base < minBase {
		return minBase
	}
	if base > maxBase {
		return maxBase
	}
	return base
}

// ToDecimal reads digits most-significant first in the given base.
// Symbols outside the base's alphabet prefix contribute nothing; the
// site's own decoder behaves the same way.
func ToDecimal(digits string, base int) *big.Int {
	base = clampBase(base)
	symbols := Alphabet[:base]
	radix := big.NewInt(int64(base))

	value := new(big.Int)
	digit := new(big.Int)
	for i := 0; i < len(digits); i++ {
		value.Mul(value, radix)
		if pos := strings.IndexByte(symbols, digits[i]); pos > 0 {
			value.Add(value, digit.SetInt64(int64(pos)))
		}
	}
	return value
}

// FromDecimal renders value in the given base. Zero and nil render as "0".
// Negative values render their magnitude with a leading '-'.
func FromDecimal(value *big.Int, base int) string {
	base = clampBase(base)
	if value == nil || value.Sign() == 0 {
		return Alphabet[:1]
	}

	u := new(big.Int).Abs(value)
	radix := big.NewInt(int64(base))
	rem := new(big.Int)

	var buf []byte
	for u.Sign() > 0 {
		u.QuoRem(u, radix, rem)
		buf = append(buf, Alphabet[rem.Int64()])
	}
	if value.Sign() < 0 {
		buf = append(buf, '-')
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return string(buf)
}
