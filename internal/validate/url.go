package validate

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/net/publicsuffix"

	"github.com/jkaninda/warden/internal/domain"
)

// dangerousPorts host services that a browser link should never target.
var dangerousPorts = map[int]struct{}{
	22: {}, 23: {}, 25: {}, 53: {}, 135: {}, 139: {}, 445: {},
	1433: {}, 1521: {}, 3306: {}, 3389: {}, 5432: {}, 6379: {},
}

// URL accepts http(s) URLs whose host is trusted.
//
// https is required unless the host is a loopback name or address. The host
// must appear in the trust list, either exactly or through its registrable
// domain (wiki.archlinux.org is trusted when archlinux.org is). Userinfo,
// private IP literals, and well-known service ports are rejected.
func (v *Validator) URL(raw string) Outcome {
	if raw == "" {
		return Rejected(domain.ReasonEmptyInput)
	}
	if len(raw) > MaxURLLength {
		return Rejected(domain.ReasonOversizedInput)
	}
	if strings.IndexFunc(raw, func(r rune) bool { return unicode.IsControl(r) || unicode.IsSpace(r) }) >= 0 {
		return Rejected(domain.ReasonUnsafeURL)
	}

	u, err := url.Parse(raw)
	if err != nil || u.Opaque != "" {
		return Rejected(domain.ReasonUnsafeURL)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "https" && scheme != "http" {
		return Rejected(domain.ReasonUnsafeURL)
	}
	if u.User != nil {
		return Rejected(domain.ReasonUnsafeURL)
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return Rejected(domain.ReasonUnsafeURL)
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Rejected(domain.ReasonUnsafeURL)
		}
		if _, bad := dangerousPorts[port]; bad {
			return Rejected(domain.ReasonUnsafeURL)
		}
	}

	loopback := isLoopbackHost(host)
	if scheme == "http" && !loopback {
		return Rejected(domain.ReasonUnsafeURL)
	}
	if ip := net.ParseIP(host); ip != nil && !ip.IsLoopback() {
		if ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast() {
			return Rejected(domain.ReasonUnsafeURL)
		}
	}

	if !v.trustedHost(host) {
		return Rejected(domain.ReasonUntrustedDomain)
	}

	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	return Accepted(u.String())
}

// trustedHost reports whether host or its registrable domain is trusted.
func (v *Validator) trustedHost(host string) bool {
	if _, ok := v.trusted[host]; ok {
		return true
	}
	if net.ParseIP(host) != nil {
		return false
	}
	parent, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return false
	}
	_, ok := v.trusted[parent]
	return ok
}

func isLoopbackHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
