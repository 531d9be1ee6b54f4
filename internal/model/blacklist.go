package model

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Blacklist is a set of token addresses that are never shown or fetched.
type Blacklist map[string]struct{}

// NewBlacklist builds a Blacklist from addresses.
func NewBlacklist(addrs []common.Address) Blacklist {
	out := make(Blacklist, len(addrs))
	for _, addr := range addrs {
		out[AddressKey(addr)] = struct{}{}
	}
	return out
}

// Contains reports whether the hex address is blacklisted, ignoring case.
func (b Blacklist) Contains(address string) bool {
	if len(b) == 0 {
		return false
	}
	_, ok := b[strings.ToLower(strings.TrimSpace(address))]
	return ok
}
