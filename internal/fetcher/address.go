package fetcher

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidAddress is returned for token addresses malformed for their chain.
var ErrInvalidAddress = errors.New("invalid token address")

// evmChains lists DexScreener chain ids that use 20-byte hex addresses.
var evmChains = map[string]struct{}{
	"ethereum":  {},
	"bsc":       {},
	"base":      {},
	"arbitrum":  {},
	"polygon":   {},
	"optimism":  {},
	"avalanche": {},
	"linea":     {},
	"blast":     {},
	"fantom":    {},
	"cronos":    {},
	"zksync":    {},
}

// IsEVMChain reports whether chainID uses EVM hex addresses.
func IsEVMChain(chainID string) bool {
	_, ok := evmChains[NormalizeChain(chainID)]
	return ok
}

// NormalizeChain returns the canonical lower-case chain id.
func NormalizeChain(chainID string) string {
	return strings.ToLower(strings.TrimSpace(chainID))
}

// NormalizeAddress validates address for chainID and returns its storage form.
// EVM addresses are stored lower-case; other chains keep their case since
// base58 addresses are case-sensitive.
func NormalizeAddress(chainID, address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if !IsEVMChain(chainID) {
		if strings.ContainsAny(address, " /?#") {
			return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
		}
		return address, nil
	}
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("%w: %q is not a hex address on %s", ErrInvalidAddress, address, chainID)
	}
	return strings.ToLower(common.HexToAddress(address).Hex()), nil
}

// ShortAddress abbreviates an address for display, e.g. "7S2abc…wxyz".
func ShortAddress(address string) string {
	if len(address) <= 12 {
		return address
	}
	return address[:6] + "…" + address[len(address)-4:]
}
