package reservation

import (
	"regexp"
	"strconv"
	"strings"
)

// vendorPrefixes maps vendor interface name prefixes to the canonical
// Linux-style prefix. Longest prefixes are listed first so that
// GigabitEthernet matches before Ethernet.
var vendorPrefixes = []struct {
	prefix    string
	canonical string
}{
	{"hundredgigabitethernet", "eth"},
	{"fortygigabitethernet", "eth"},
	{"tengigabitethernet", "eth"},
	{"gigabitethernet", "eth"},
	{"fastethernet", "eth"},
	{"ethernet", "eth"},
	{"management", "mgmt"},
	{"loopback", "lo"},
	{"mgmt", "mgmt"},
	{"eth", "eth"},
	{"swp", "swp"},
	{"lo", "lo"},
}

var firstNumber = regexp.MustCompile(`\d+`)

// Normalizer maps vendor interface names to a canonical form so that two
// declarations naming the same physical port collide on the reservation
// key. The built-in prefix table covers the common vendor spellings; the
// overrides map is consulted first so deployments can extend the table
// without a code change.
type Normalizer struct {
	overrides map[string]string
}

// NewNormalizer builds a normalizer with optional exact-name overrides.
// Override keys are matched case-insensitively.
func NewNormalizer(overrides map[string]string) *Normalizer {
	m := make(map[string]string, len(overrides))
	for k, v := range overrides {
		m[strings.ToLower(k)] = v
	}
	return &Normalizer{overrides: m}
}

// Normalize returns the canonical name for a vendor interface name:
// Ethernet1 and eth1 both normalise to eth1, GigabitEthernet0/0 to eth0.
// Unrecognised names are lowercased and returned as-is.
func (n *Normalizer) Normalize(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	if canon, ok := n.overrides[lower]; ok {
		return canon
	}

	for _, vp := range vendorPrefixes {
		if !strings.HasPrefix(lower, vp.prefix) {
			continue
		}
		rest := lower[len(vp.prefix):]
		if rest == "" {
			return vp.canonical + "0"
		}
		if num := firstNumber.FindString(rest); num != "" {
			i, _ := strconv.Atoi(num)
			return vp.canonical + strconv.Itoa(i)
		}
		break
	}
	return lower
}
