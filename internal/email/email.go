// Package email holds address helpers shared by the API, the inbound
// listener and the rate limiter.
package email

import (
	"net/mail"
	"strings"
)

// Normalize trims and lowercases an address. Display names are dropped.
func Normalize(address string) string {
	if addr, err := mail.ParseAddress(address); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(strings.TrimSpace(address))
}

// Valid reports whether address is a bare addr-spec with a domain part
func Valid(address string) bool {
	addr, err := mail.ParseAddress(address)
	if err != nil || addr.Name != "" {
		return false
	}
	return Domain(addr.Address) != ""
}

// Domain extracts the lowercased domain part of an address.
// Returns empty string if the address is invalid.
func Domain(address string) string {
	address = Normalize(address)
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return ""
	}
	return address[at+1:]
}

// FromHeader returns the bare address of a From or Reply-To header value
func FromHeader(value string) string {
	list, err := mail.ParseAddressList(value)
	if err != nil || len(list) == 0 {
		return ""
	}
	return strings.ToLower(list[0].Address)
}
