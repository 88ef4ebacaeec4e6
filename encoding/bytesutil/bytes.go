// Package bytesutil defines helper methods for converting between byte slices,
// fixed-size arrays, and the 0x-prefixed hex strings used on the wire.
package bytesutil

import (
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

// ToBytes32 is a convenience method for converting a byte slice to a fix
// sized 32 byte array. This method will truncate the input if it is larger
// than 32 bytes.
func ToBytes32(x []byte) [32]byte {
	var y [32]byte
	copy(y[:], x)
	return y
}

// SafeCopyBytes will copy and return a non-nil byte slice, otherwise it returns nil.
func SafeCopyBytes(cp []byte) []byte {
	if cp != nil {
		copied := make([]byte, len(cp))
		copy(copied, cp)
		return copied
	}
	return nil
}

// SafeCopy2dBytes will copy and return a non-nil 2d byte slice, otherwise it returns nil.
func SafeCopy2dBytes(ary [][]byte) [][]byte {
	if ary != nil {
		copied := make([][]byte, len(ary))
		for i, a := range ary {
			copied[i] = SafeCopyBytes(a)
		}
		return copied
	}
	return nil
}

// DecodeHexWithLength takes a 0x-prefixed hex string and decodes it into
// a byte slice of exactly length bytes.
func DecodeHexWithLength(s string, length int) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") {
		return nil, errors.Errorf("hex string does not have 0x prefix: %s", s)
	}
	b, err := hex.DecodeString(s[2:])
	if err != nil {
		return nil, errors.Wrapf(err, "could not decode hex string %s", s)
	}
	if len(b) != length {
		return nil, errors.Errorf("length of bytes from hex string %s is not %d", s, length)
	}
	return b, nil
}

// ToHexString encodes a byte slice as a lowercase 0x-prefixed hex string.
func ToHexString(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}
