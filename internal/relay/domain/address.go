package domain

import "strings"

// ChannelSuffix is the addressing suffix of the remote messaging network.
const ChannelSuffix = "@c.us"

// NormalizeAddress converts any accepted destination spelling into the
// canonical display form: a leading "+" followed by digits, no channel suffix.
//
//	"447900000001@c.us" -> "+447900000001"
//	"+447900000001"     -> "+447900000001"
//	"447900000001"      -> "+447900000001"
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimSuffix(addr, ChannelSuffix)
	addr = strings.TrimPrefix(addr, "+")
	if addr == "" {
		return ""
	}
	return "+" + addr
}

// ChannelAddress converts a destination into the routable channel form:
// digits plus the channel suffix, no leading "+".
//
//	"+447900000001" -> "447900000001@c.us"
func ChannelAddress(addr string) string {
	normalized := NormalizeAddress(addr)
	if normalized == "" {
		return ""
	}
	return strings.TrimPrefix(normalized, "+") + ChannelSuffix
}

// ValidDestination reports whether addr normalizes to a plausible routable
// address: "+" followed by 7 to 15 digits.
func ValidDestination(addr string) bool {
	normalized := NormalizeAddress(addr)
	if len(normalized) < 8 || len(normalized) > 16 {
		return false
	}
	for _, r := range normalized[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
