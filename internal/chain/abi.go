package chain

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const erc20BalanceOfABIJSON = `[
  {"inputs": [{"internalType": "address", "name": "account", "type": "address"}], "name": "balanceOf", "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}], "stateMutability": "view", "type": "function"}
]`

const forwarderABIJSON = `[
  {"inputs": [{"internalType": "address", "name": "pool", "type": "address"}, {"internalType": "address", "name": "member", "type": "address"}], "name": "isMemberConnected", "outputs": [{"internalType": "bool", "name": "", "type": "bool"}], "stateMutability": "view", "type": "function"}
]`

var (
	balanceOfABI    abi.ABI
	balanceOfOnce   sync.Once
	balanceOfABIErr error
	forwarderABI    abi.ABI
	forwarderOnce   sync.Once
	forwarderABIErr error
)

// BalanceOfABI returns the parsed ERC20 balanceOf ABI.
func BalanceOfABI() (abi.ABI, error) {
	balanceOfOnce.Do(func() {
		balanceOfABI, balanceOfABIErr = abi.JSON(strings.NewReader(erc20BalanceOfABIJSON))
	})
	return balanceOfABI, balanceOfABIErr
}

// ForwarderABI returns the parsed pool forwarder ABI.
func ForwarderABI() (abi.ABI, error) {
	forwarderOnce.Do(func() {
		forwarderABI, forwarderABIErr = abi.JSON(strings.NewReader(forwarderABIJSON))
	})
	return forwarderABI, forwarderABIErr
}
