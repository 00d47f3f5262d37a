// Package validation contains input validation helpers.
package validation

import "strings"

// IsValidExternalID checks the shape of external workflow identifiers
// such as DEP-1A2B3C4D or RED-9F8E7D6C.
func IsValidExternalID(id, prefix string) bool {
	rest, ok := strings.CutPrefix(id, prefix+"-")
	if !ok || len(rest) != 8 {
		return false
	}

	for _, ch := range rest {
		isDigit := ch >= '0' && ch <= '9'
		isUpper := ch >= 'A' && ch <= 'Z'
		if !isDigit && !isUpper {
			return false
		}
	}

	return true
}

// IsValidSettlementRef checks the shape of a settlement hash: a 0x prefix
// followed by at least one hex digit.
func IsValidSettlementRef(ref string) bool {
	rest, ok := strings.CutPrefix(ref, "0x")
	if !ok || rest == "" {
		return false
	}

	for _, ch := range rest {
		isDigit := ch >= '0' && ch <= '9'
		isHexLower := ch >= 'a' && ch <= 'f'
		isHexUpper := ch >= 'A' && ch <= 'F'
		if !isDigit && !isHexLower && !isHexUpper {
			return false
		}
	}

	return true
}
