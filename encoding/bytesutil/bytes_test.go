package bytesutil

import (
	"testing"

	"github.com/pohwnet/registry/testing/assert"
	"github.com/pohwnet/registry/testing/require"
)

func TestToBytes32(t *testing.T) {
	assert.Equal(t, [32]byte{1, 2}, ToBytes32([]byte{1, 2}))
	long := make([]byte, 40)
	long[0] = 0xff
	assert.Equal(t, byte(0xff), ToBytes32(long)[0])
}

func TestSafeCopyBytes(t *testing.T) {
	original := []byte{1, 2, 3}
	copied := SafeCopyBytes(original)
	assert.DeepEqual(t, original, copied)
	copied[0] = 9
	assert.Equal(t, byte(1), original[0])
	assert.DeepEqual(t, []byte(nil), SafeCopyBytes(nil))
}

func TestSafeCopy2dBytes(t *testing.T) {
	original := [][]byte{{1}, {2, 3}}
	copied := SafeCopy2dBytes(original)
	assert.DeepEqual(t, original, copied)
	copied[0][0] = 9
	assert.Equal(t, byte(1), original[0][0])
	assert.DeepEqual(t, [][]byte(nil), SafeCopy2dBytes(nil))
}

func TestDecodeHexWithLength(t *testing.T) {
	decoded, err := DecodeHexWithLength("0x0102", 2)
	require.NoError(t, err)
	assert.DeepEqual(t, []byte{1, 2}, decoded)
}

func TestDecodeHexWithLength_MissingPrefix(t *testing.T) {
	_, err := DecodeHexWithLength("0102", 2)
	assert.ErrorContains(t, "0x prefix", err)
}

func TestDecodeHexWithLength_BadHex(t *testing.T) {
	_, err := DecodeHexWithLength("0xzz", 1)
	assert.ErrorContains(t, "could not decode", err)
}

func TestDecodeHexWithLength_WrongLength(t *testing.T) {
	_, err := DecodeHexWithLength("0x0102", 3)
	assert.ErrorContains(t, "is not 3", err)
}

func TestToHexString(t *testing.T) {
	assert.Equal(t, "0x0102ff", ToHexString([]byte{1, 2, 0xff}))
	assert.Equal(t, "0x", ToHexString(nil))
}
