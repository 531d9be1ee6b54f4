package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress(" 0x1111111111111111111111111111111111111111 ")
	require.NoError(t, err)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", addr.Hex())

	for _, input := range []string{"", "  ", "0x123", "not-an-address"} {
		_, err := ParseAddress(input)
		assert.True(t, errors.Is(err, ErrInvalidAddress), "input %q", input)
	}
}

func TestParseAddressesSkipsBlanks(t *testing.T) {
	got, err := ParseAddresses([]string{"", "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", " "})
	require.NoError(t, err)
	require.Len(t, got, 1)

	_, err = ParseAddresses([]string{"0xzz"})
	assert.Error(t, err)
}
