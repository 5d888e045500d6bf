package trace

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// RelayDetector reports addresses known to be relay contracts regardless of
// their observed forwarding ratio.
type RelayDetector interface {
	IsRelay(ctx context.Context, address string) (bool, error)
}

// CodeReader reads deployed bytecode. *ethclient.Client implements it.
type CodeReader interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// disperseSignatures are the entry points of Disperse-style contracts.
var disperseSignatures = []string{
	"disperseEther(address[],uint256[])",
	"disperseToken(address,address[],uint256[])",
	"disperseTokenSimple(address,address[],uint256[])",
}

// BytecodeDetector flags contracts whose bytecode dispatches any Disperse
// selector. Results are cached per address.
type BytecodeDetector struct {
	code      CodeReader
	selectors [][]byte

	mu    sync.Mutex
	cache map[string]bool
}

// NewBytecodeDetector wraps a bytecode reader.
func NewBytecodeDetector(code CodeReader) *BytecodeDetector {
	selectors := make([][]byte, 0, len(disperseSignatures))
	for _, sig := range disperseSignatures {
		selectors = append(selectors, crypto.Keccak256([]byte(sig))[:4])
	}
	return &BytecodeDetector{code: code, selectors: selectors, cache: make(map[string]bool)}
}

// DialBytecodeDetector connects to an Ethereum JSON-RPC endpoint.
func DialBytecodeDetector(ctx context.Context, rpcURL string) (*BytecodeDetector, func(), error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial rpc: %w", err)
	}
	return NewBytecodeDetector(client), client.Close, nil
}

func (d *BytecodeDetector) IsRelay(ctx context.Context, address string) (bool, error) {
	d.mu.Lock()
	cached, ok := d.cache[address]
	d.mu.Unlock()
	if ok {
		return cached, nil
	}

	code, err := d.code.CodeAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return false, fmt.Errorf("failed to read code of %s: %w", address, err)
	}

	relay := false
	for _, sel := range d.selectors {
		// A PUSH4 of the selector is how the dispatcher compares it.
		if bytes.Contains(code, append([]byte{0x63}, sel...)) {
			relay = true
			break
		}
	}

	d.mu.Lock()
	d.cache[address] = relay
	d.mu.Unlock()
	return relay, nil
}
