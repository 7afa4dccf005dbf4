// Package target classifies a raw scan-target string into one of the
// closed set of types spec.md §3 defines, using a priority-ordered regex
// table exactly as spec.md §4.2 describes. Classify is a pure function:
// no I/O, no network resolution.
package target

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// Type is the closed set of target classifications.
type Type string

const (
	IPAddress        Type = "IP_ADDRESS"
	InternalIPAddress Type = "INTERNAL_IP_ADDRESS"
	IPv6Address      Type = "IPV6_ADDRESS"
	Netblock         Type = "NETBLOCK"
	DomainName       Type = "DOMAIN_NAME"
	InternetName     Type = "INTERNET_NAME"
	EmailAddr        Type = "EMAILADDR"
	Username         Type = "USERNAME"
	HumanName        Type = "HUMAN_NAME"
	PhoneNumber      Type = "PHONE_NUMBER"
	BitcoinAddress   Type = "BITCOIN_ADDRESS"
	EthereumAddress  Type = "ETHEREUM_ADDRESS"
	ASN              Type = "ASN"
)

// ErrUnclassifiable is returned when no entry in the priority table
// matches the input string.
var ErrUnclassifiable = errors.New("target: could not classify input")

var (
	reEmail      = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	reBitcoin    = regexp.MustCompile(`^(bc1|[13])[a-zA-HJ-NP-Z0-9]{25,59}$`)
	reEthereum   = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	reASN        = regexp.MustCompile(`^(?i)as(n)?\d+$`)
	rePhone      = regexp.MustCompile(`^\+?[0-9][0-9()\-. ]{6,20}[0-9]$`)
	reHumanName  = regexp.MustCompile(`^"[^"]+"$`)
	reHostLabel  = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?$`)
)

// classifierEntry is one row of the priority-ordered table. Order matters:
// netblock is tried before bare IP, IPv4 before hostname, email before
// hostname, and so on, exactly as spec.md §4.2 requires.
type classifierEntry struct {
	name  string
	match func(s string) (Type, string, bool)
}

var table = []classifierEntry{
	{"netblock", matchNetblock},
	{"ipv6", matchIPv6},
	{"ipv4", matchIPv4},
	{"email", matchEmail},
	{"bitcoin", matchBitcoin},
	{"ethereum", matchEthereum},
	{"asn", matchASN},
	{"phone", matchPhone},
	{"human_name", matchHumanName},
	{"hostname", matchHostname},
	{"username", matchUsername},
}

// Classify returns the type and normalized form of s, or ErrUnclassifiable
// if nothing in the priority table matches.
func Classify(s string) (Type, string, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "", "", fmt.Errorf("target: %w: empty input", ErrUnclassifiable)
	}

	for _, entry := range table {
		if t, normalized, ok := entry.match(trimmed); ok {
			return t, normalized, nil
		}
	}

	return "", "", fmt.Errorf("target: %w: %q", ErrUnclassifiable, s)
}

func matchNetblock(s string) (Type, string, bool) {
	if !strings.Contains(s, "/") {
		return "", "", false
	}

	ip, ipnet, err := net.ParseCIDR(s)
	if err != nil {
		return "", "", false
	}

	_ = ip

	return Netblock, ipnet.String(), true
}

func matchIPv6(s string) (Type, string, bool) {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() != nil {
		return "", "", false
	}

	return IPv6Address, ip.String(), true
}

func matchIPv4(s string) (Type, string, bool) {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return "", "", false
	}

	if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
		return InternalIPAddress, ip.String(), true
	}

	return IPAddress, ip.String(), true
}

func matchEmail(s string) (Type, string, bool) {
	if !reEmail.MatchString(s) {
		return "", "", false
	}

	return EmailAddr, strings.ToLower(s), true
}

func matchBitcoin(s string) (Type, string, bool) {
	if !reBitcoin.MatchString(s) {
		return "", "", false
	}

	return BitcoinAddress, s, true
}

func matchEthereum(s string) (Type, string, bool) {
	if !reEthereum.MatchString(s) {
		return "", "", false
	}

	return EthereumAddress, strings.ToLower(s), true
}

func matchASN(s string) (Type, string, bool) {
	if !reASN.MatchString(s) {
		return "", "", false
	}

	return ASN, strings.ToUpper(s), true
}

func matchPhone(s string) (Type, string, bool) {
	digits := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits++
		}
	}

	if digits < 7 || !rePhone.MatchString(s) {
		return "", "", false
	}

	return PhoneNumber, s, true
}

func matchHumanName(s string) (Type, string, bool) {
	if !reHumanName.MatchString(s) {
		return "", "", false
	}

	return HumanName, strings.Trim(s, `"`), true
}

// matchHostname recognizes DOMAIN_NAME (registrable domain, i.e. exactly
// two labels; the TLD itself is not checked) vs. INTERNET_NAME (a
// subdomain, three or more labels). This is a simplification of spec.md's "DOMAIN_NAME vs
// INTERNET_NAME (subdomain)" distinction: no public-suffix list lookup,
// just label counting, which is sufficient for the end-to-end scenarios in
// spec.md §8.
func matchHostname(s string) (Type, string, bool) {
	if strings.Contains(s, "@") || strings.HasPrefix(s, "+") {
		return "", "", false
	}

	labels := strings.Split(s, ".")
	if len(labels) < 2 {
		return "", "", false
	}

	for _, label := range labels {
		if !reHostLabel.MatchString(label) {
			return "", "", false
		}
	}

	normalized := strings.ToLower(s)

	if len(labels) == 2 {
		return DomainName, normalized, true
	}

	return InternetName, normalized, true
}

func matchUsername(s string) (Type, string, bool) {
	if strings.ContainsAny(s, " \t\n") {
		return "", "", false
	}

	return Username, s, true
}
