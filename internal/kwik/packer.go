package kwik

import (
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// payloadPattern matches the argument list of the packer call:
// ("<encoded>", <n>, "<key>", <offset>, <base>, <n>[letter])
var payloadPattern = regexp.MustCompile(
	`\(\s*"([^",]*)"\s*,\s*\d+\s*,\s*"([^",]*)"\s*,\s*(\d+)\s*,\s*(\d+)\s*,\s*\d+[a-zA-Z]?\s*\)`)

// EncodedPayload holds the packer arguments captured from a page
type EncodedPayload struct {
	Encoded string
	Key     string
	Offset  int
	Base    int
}

// Decode runs the packed payload through Decode
func (p EncodedPayload) Decode() string {
	return Decode(p.Encoded, p.Key, p.Base, p.Offset)
}

// FindPayload locates the first packer call in text
func FindPayload(text string) (EncodedPayload, bool) {
	m := payloadPattern.FindStringSubmatch(text)
	if m == nil {
		return EncodedPayload{}, false
	}
	offset, err := strconv.Atoi(m[3])
	if err != nil {
		return EncodedPayload{}, false
	}
	base, err := strconv.Atoi(m[4])
	if err != nil {
		return EncodedPayload{}, false
	}
	return EncodedPayload{Encoded: m[1], Key: m[2], Offset: offset, Base: base}, true
}

// Decode reverses the packer. The input is a list of segments separated by
// key[base]. Inside a segment each key[j] is replaced by the digits of j, in
// order of j, so a later replacement also rewrites digits produced by an
// earlier one. The resulting digit string is read in the given base and,
// minus offset, is one output code point.
//
// Malformed input never fails: an out-of-range base yields "", unknown
// symbols pass through to ToDecimal, and invalid code points are dropped.
func Decode(encoded, key string, base, offset int) string {
	symbols := []rune(key)
	if base < 0 || base >= len(symbols) {
		return ""
	}
	delim := symbols[base]

	replacements := make([]string, 0, 2*len(symbols))
	for j, sym := range symbols {
		replacements = append(replacements, string(sym), strconv.Itoa(j))
	}

	var out, seg strings.Builder
	out.Grow(len(encoded) / 2)
	off := big.NewInt(int64(offset))

	emit := func() {
		digits := seg.String()
		for k := 0; k < len(replacements); k += 2 {
			digits = strings.ReplaceAll(digits, replacements[k], replacements[k+1])
		}
		seg.Reset()

		cp := ToDecimal(digits, base)
		cp.Sub(cp, off)
		if cp.Sign() >= 0 && cp.IsInt64() && cp.Int64() <= utf8.MaxRune {
			out.WriteRune(rune(cp.Int64()))
		}
	}

	for _, c := range encoded {
		if c == delim {
			emit()
			continue
		}
		seg.WriteRune(c)
	}
	if seg.Len() > 0 {
		emit()
	}
	return out.String()
}
