package wasmsandbox

import (
	"strings"

	"github.com/wippyai/wasm-sandbox/errors"
)

// Name is a packed account or action name: up to 12 characters of five bits
// each, plus an optional 13th character of four bits.
type Name uint64

const nameAlphabet = ".12345abcdefghijklmnopqrstuvwxyz"

func charToSymbol(c byte) (uint64, bool) {
	switch {
	case c >= 'a' && c <= 'z':
		return uint64(c-'a') + 6, true
	case c >= '1' && c <= '5':
		return uint64(c-'1') + 1, true
	case c == '.':
		return 0, true
	}
	return 0, false
}

// ParseName packs s into a Name.
func ParseName(s string) (Name, error) {
	if len(s) > 13 {
		return 0, errors.InvalidInput(errors.PhaseValidate, "name is longer than 13 characters: "+s)
	}
	var n uint64
	for i := 0; i < len(s); i++ {
		sym, ok := charToSymbol(s[i])
		if !ok {
			return 0, errors.InvalidInput(errors.PhaseValidate, "name contains invalid character: "+s)
		}
		if i < 12 {
			n |= (sym & 0x1f) << (64 - 5*(i+1))
			continue
		}
		if sym > 0x0f {
			return 0, errors.InvalidInput(errors.PhaseValidate, "thirteenth character must be in [.1-5a-j]: "+s)
		}
		n |= sym
	}
	return Name(n), nil
}

// MustName is ParseName for literals.
func MustName(s string) Name {
	n, err := ParseName(s)
	if err != nil {
		panic(err)
	}
	return n
}

func (n Name) String() string {
	var buf [13]byte
	tmp := uint64(n)
	for i := 0; i <= 12; i++ {
		var c byte
		if i == 0 {
			c = nameAlphabet[tmp&0x0f]
			tmp >>= 4
		} else {
			c = nameAlphabet[tmp&0x1f]
			tmp >>= 5
		}
		buf[12-i] = c
	}
	return strings.TrimRight(string(buf[:]), ".")
}
