package abi

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Name is an EOSIO account/table/action name: up to 13 characters of
// ".12345a-z" packed into 64 bits.
type Name uint64

const nameCharmap = ".12345abcdefghijklmnopqrstuvwxyz"

func nameCharValue(c byte) (uint64, bool) {
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

// ParseName converts a string into a Name, rejecting characters outside of
// the name alphabet and strings that don't round-trip.
func ParseName(s string) (Name, error) {
	if len(s) > 13 {
		return 0, fmt.Errorf("name %q is longer than 13 characters", s)
	}
	var v uint64
	for i := 0; i < len(s); i++ {
		c, ok := nameCharValue(s[i])
		if !ok {
			return 0, fmt.Errorf("name %q contains invalid character %q", s, s[i])
		}
		if i < 12 {
			v |= (c & 0x1f) << (64 - 5*(i+1))
		} else {
			if c > 0x0f {
				return 0, fmt.Errorf("name %q: 13th character must be in [.1-5a-j]", s)
			}
			v |= c & 0x0f
		}
	}
	n := Name(v)
	if n.String() != strings.TrimRight(s, ".") {
		return 0, fmt.Errorf("name %q is not normalized", s)
	}
	return n, nil
}

// MustName is ParseName for constants.
func MustName(s string) Name {
	n, err := ParseName(s)
	if err != nil {
		panic(err)
	}
	return n
}

func (n Name) String() string {
	var buf [13]byte
	v := uint64(n)
	for i := 0; i < 13; i++ {
		if i == 0 {
			buf[12] = nameCharmap[v&0x0f]
			v >>= 4
		} else {
			buf[12-i] = nameCharmap[v&0x1f]
			v >>= 5
		}
	}
	return strings.TrimRight(string(buf[:]), ".")
}

func (n Name) MarshalText() ([]byte, error) { return []byte(n.String()), nil }

func (n *Name) UnmarshalText(b []byte) error {
	v, err := ParseName(string(b))
	if err != nil {
		return err
	}
	*n = v
	return nil
}

type Checksum256 [32]byte

func (c Checksum256) String() string { return hex.EncodeToString(c[:]) }

func (c Checksum256) IsZero() bool { return c == Checksum256{} }

func (c Checksum256) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Checksum256) UnmarshalText(b []byte) error {
	if len(b) != 64 {
		return fmt.Errorf("checksum256 must be 64 hex characters, got %d", len(b))
	}
	_, err := hex.Decode(c[:], b)
	return err
}
