package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidAddress is returned for malformed or empty address input.
var ErrInvalidAddress = errors.New("invalid address")

// ParseAddress validates a hex address string.
func ParseAddress(input string) (common.Address, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return common.Address{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if !common.IsHexAddress(input) {
		return common.Address{}, fmt.Errorf("%w: %s", ErrInvalidAddress, input)
	}
	return common.HexToAddress(input), nil
}

// ParseAddresses converts string addresses into common.Address, skipping blanks.
func ParseAddresses(inputs []string) ([]common.Address, error) {
	addresses := make([]common.Address, 0, len(inputs))
	for _, input := range inputs {
		if strings.TrimSpace(input) == "" {
			continue
		}
		addr, err := ParseAddress(input)
		if err != nil {
			return nil, err
		}
		addresses = append(addresses, addr)
	}
	return addresses, nil
}

// AddressKey is the lowercase hex form used in cache keys and maps keyed by string.
func AddressKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
