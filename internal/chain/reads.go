package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"stakestream/internal/metrics"
)

// BalanceOf reads balanceOf(owner) on a token or staking contract.
func (c *Client) BalanceOf(ctx context.Context, contract, owner common.Address) (*big.Int, error) {
	balanceABI, err := BalanceOfABI()
	if err != nil {
		return nil, err
	}
	data, err := balanceABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}

	resp, err := c.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data})
	if err != nil {
		metrics.ChainReadErrors.WithLabelValues("balanceOf").Inc()
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}
	return unpackBalance(balanceABI, resp)
}

// IsMemberConnected reads isMemberConnected(pool, member) on the forwarder.
func (c *Client) IsMemberConnected(ctx context.Context, pool, member common.Address) (bool, error) {
	fwdABI, err := ForwarderABI()
	if err != nil {
		return false, err
	}
	data, err := fwdABI.Pack("isMemberConnected", pool, member)
	if err != nil {
		return false, fmt.Errorf("pack isMemberConnected: %w", err)
	}

	forwarder := c.forwarder
	resp, err := c.CallContract(ctx, ethereum.CallMsg{To: &forwarder, Data: data})
	if err != nil {
		metrics.ChainReadErrors.WithLabelValues("isMemberConnected").Inc()
		return false, fmt.Errorf("call isMemberConnected: %w", err)
	}
	return unpackBool(fwdABI, resp)
}

// BatchBalanceOf reads balanceOf(owner) on every contract in one batch.
// Contracts whose call fails are logged and left out of the result.
func (c *Client) BatchBalanceOf(ctx context.Context, owner common.Address, contracts []common.Address) (map[common.Address]*big.Int, error) {
	balanceABI, err := BalanceOfABI()
	if err != nil {
		return nil, err
	}
	data, err := balanceABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}

	calls := make([]Call, len(contracts))
	for i, contract := range contracts {
		calls[i] = Call{To: contract, Data: data}
	}
	results, err := c.BatchCall(ctx, calls)
	if err != nil {
		return nil, err
	}

	out := make(map[common.Address]*big.Int, len(contracts))
	for i, res := range results {
		bal, err := res.balance(balanceABI)
		if err != nil {
			metrics.ChainReadErrors.WithLabelValues("balanceOf").Inc()
			c.logger.Warn("balanceOf failed", zap.String("contract", contracts[i].Hex()), zap.String("owner", owner.Hex()), zap.Error(err))
			continue
		}
		out[contracts[i]] = bal
	}
	return out, nil
}

// BatchIsMemberConnected reads isMemberConnected for every pool in one batch.
// Pools whose call fails are logged and left out of the result.
func (c *Client) BatchIsMemberConnected(ctx context.Context, member common.Address, pools []common.Address) (map[common.Address]bool, error) {
	fwdABI, err := ForwarderABI()
	if err != nil {
		return nil, err
	}

	calls := make([]Call, len(pools))
	for i, pool := range pools {
		data, err := fwdABI.Pack("isMemberConnected", pool, member)
		if err != nil {
			return nil, fmt.Errorf("pack isMemberConnected: %w", err)
		}
		calls[i] = Call{To: c.forwarder, Data: data}
	}
	results, err := c.BatchCall(ctx, calls)
	if err != nil {
		return nil, err
	}

	out := make(map[common.Address]bool, len(pools))
	for i, res := range results {
		if res.Err != nil {
			metrics.ChainReadErrors.WithLabelValues("isMemberConnected").Inc()
			c.logger.Warn("isMemberConnected failed", zap.String("pool", pools[i].Hex()), zap.Error(res.Err))
			continue
		}
		connected, err := unpackBool(fwdABI, res.Data)
		if err != nil {
			metrics.ChainReadErrors.WithLabelValues("isMemberConnected").Inc()
			c.logger.Warn("isMemberConnected decode failed", zap.String("pool", pools[i].Hex()), zap.Error(err))
			continue
		}
		out[pools[i]] = connected
	}
	return out, nil
}

func (r CallResult) balance(balanceABI abi.ABI) (*big.Int, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	return unpackBalance(balanceABI, r.Data)
}

func unpackBalance(balanceABI abi.ABI, resp []byte) (*big.Int, error) {
	values, err := balanceABI.Unpack("balanceOf", resp)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("balanceOf return size %d", len(values))
	}
	bal, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf unexpected type %T", values[0])
	}
	return bal, nil
}

func unpackBool(parsed abi.ABI, resp []byte) (bool, error) {
	values, err := parsed.Unpack("isMemberConnected", resp)
	if err != nil {
		return false, fmt.Errorf("unpack isMemberConnected: %w", err)
	}
	if len(values) != 1 {
		return false, fmt.Errorf("isMemberConnected return size %d", len(values))
	}
	connected, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("isMemberConnected unexpected type %T", values[0])
	}
	return connected, nil
}
