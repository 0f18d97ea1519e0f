package utils

import (
	"net"
	"net/http"
	"strings"
)

var privateBlocks []*net.IPNet

func init() {
	for _, block := range []string{
		"127.0.0.0/8",    // localhost
		"10.0.0.0/8",     // 24-bit block
		"172.16.0.0/12",  // 20-bit block
		"169.254.0.0/16", // link local
		"192.168.0.0/16", // 16-bit block
		"::1/128",        // localhost IPv6
		"fc00::/7",       // unique local IPv6
		"fe80::/10",      // link local IPv6
	} {
		_, cidr, _ := net.ParseCIDR(block)
		privateBlocks = append(privateBlocks, cidr)
	}
}

// isPrivate reports whether address is a valid ip inside a private block.
func isPrivate(address string) (bool, bool) {
	ip := net.ParseIP(address)
	if ip == nil {
		return false, false
	}

	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsPrivate() {
		return true, true
	}
	for _, cidr := range privateBlocks {
		if cidr.Contains(ip) {
			return true, true
		}
	}
	return false, true
}

// firstPublic scans comma separated forwarding headers for the first public
// address, falling back to the last address seen.
func firstPublic(values []string) (string, bool) {
	last := ""
	for _, h := range values {
		for _, address := range strings.Split(h, ",") {
			address = strings.TrimSpace(address)
			if address == "" {
				continue
			}
			private, valid := isPrivate(address)
			if valid && !private {
				return address, true
			}
			last = address
		}
	}
	return last, last != ""
}

// GetRemoteAddr
//
//	Extracts the client ip of a request. Forwarding headers set by a proxy
//	take priority over the socket address.
func GetRemoteAddr(r *http.Request) string {
	if addr, ok := firstPublic(r.Header.Values("X-Original-Forwarded-For")); ok {
		return addr
	}
	if addr, ok := firstPublic(r.Header.Values("X-Forwarded-For")); ok {
		return addr
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-Ip")); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
