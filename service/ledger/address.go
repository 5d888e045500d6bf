package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AddressLength is the length of a 0x-prefixed hex address.
const AddressLength = 42

// NormalizeAddress validates an EVM address and returns its lowercase form.
// The input must be 0x-prefixed, 42 characters long and hex encoded.
func NormalizeAddress(addr string) (string, error) {
	if !strings.HasPrefix(addr, "0x") {
		return "", fmt.Errorf("%w: address %q must start with 0x", ErrInvalidInput, addr)
	}
	if len(addr) != AddressLength {
		return "", fmt.Errorf("%w: address %q must be %d characters, got %d", ErrInvalidInput, addr, AddressLength, len(addr))
	}
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("%w: address %q is not valid hex", ErrInvalidInput, addr)
	}
	return strings.ToLower(addr), nil
}

// IsAddress reports whether addr passes NormalizeAddress.
func IsAddress(addr string) bool {
	_, err := NormalizeAddress(addr)
	return err == nil
}

// ChecksumAddress returns the EIP-55 mixed-case form of addr.
func ChecksumAddress(addr string) string {
	return common.HexToAddress(addr).Hex()
}

// ParseAddressList parses a comma separated list of addresses into a set of
// lowercase addresses. Blank items are ignored.
func ParseAddressList(list string) (map[string]struct{}, error) {
	set := make(map[string]struct{})
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		addr, err := NormalizeAddress(item)
		if err != nil {
			return nil, err
		}
		set[addr] = struct{}{}
	}
	return set, nil
}
