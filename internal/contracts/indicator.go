package contracts

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// IndicatorKind is the closed set of indicator variants.
type IndicatorKind string

const (
	IndicatorIPv4     IndicatorKind = "ipv4"
	IndicatorIPv6     IndicatorKind = "ipv6"
	IndicatorDomain   IndicatorKind = "domain"
	IndicatorURL      IndicatorKind = "url"
	IndicatorFileHash IndicatorKind = "file_hash"
)

// Indicator is a canonical security observable. Equality is by
// (Kind, Value) after normalization, so values constructed through
// ParseIndicator compare correctly with ==.
type Indicator struct {
	Kind  IndicatorKind `json:"kind"`
	Value string        `json:"value"`
}

func (i Indicator) String() string {
	return fmt.Sprintf("%s:%s", i.Kind, i.Value)
}

var (
	domainRe = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,}$`)
	hashRe   = regexp.MustCompile(`^[a-fA-F0-9]{32}$|^[a-fA-F0-9]{40}$|^[a-fA-F0-9]{64}$`)
)

// ParseIndicator classifies and normalizes a raw observable. IPs are
// re-emitted in canonical form, domains lowercased, hashes lowercased.
func ParseIndicator(raw string) (Indicator, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Indicator{}, fmt.Errorf("empty indicator")
	}

	if ip := net.ParseIP(s); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return Indicator{Kind: IndicatorIPv4, Value: v4.String()}, nil
		}
		return Indicator{Kind: IndicatorIPv6, Value: ip.String()}, nil
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			return Indicator{}, fmt.Errorf("malformed URL indicator: %q", raw)
		}
		u.Host = strings.ToLower(u.Host)
		return Indicator{Kind: IndicatorURL, Value: u.String()}, nil
	}

	if hashRe.MatchString(s) {
		return Indicator{Kind: IndicatorFileHash, Value: strings.ToLower(s)}, nil
	}

	lower := strings.ToLower(s)
	if domainRe.MatchString(lower) {
		return Indicator{Kind: IndicatorDomain, Value: lower}, nil
	}

	return Indicator{}, fmt.Errorf("unrecognized indicator: %q", raw)
}

// IsIP reports whether the indicator is an address variant.
func (i Indicator) IsIP() bool {
	return i.Kind == IndicatorIPv4 || i.Kind == IndicatorIPv6
}

// Subnet returns the indicator's enclosing prefix in CIDR form, using
// prefixBits for IPv4 (IPv6 uses /64). Non-IP indicators return "".
func (i Indicator) Subnet(prefixBits int) string {
	if !i.IsIP() {
		return ""
	}
	ip := net.ParseIP(i.Value)
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		mask := net.CIDRMask(prefixBits, 32)
		return fmt.Sprintf("%s/%d", v4.Mask(mask).String(), prefixBits)
	}
	mask := net.CIDRMask(64, 128)
	return fmt.Sprintf("%s/64", ip.Mask(mask).String())
}
