package chains

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// IsAddress reports whether s is a 0x-prefixed 20-byte hex address. All-lower
// and all-upper forms are accepted as-is; mixed case must carry a valid EIP-55
// checksum.
func IsAddress(s string) bool {
	if !strings.HasPrefix(s, "0x") || !common.IsHexAddress(s) {
		return false
	}
	body := s[2:]
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return true
	}
	return ChecksumAddress(s) == s
}

// ChecksumAddress returns the EIP-55 form of a hex address.
func ChecksumAddress(s string) string {
	return common.HexToAddress(strings.TrimSpace(s)).Hex()
}

// SameAddress compares two addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
