package validation

import (
	"fmt"
	"net/mail"
	"strings"
)

// ValidateEmail validates a single recipient address. Display names are rejected,
// only the bare addr-spec is accepted.
func ValidateEmail(addr string) error {
	if addr == "" {
		return fmt.Errorf("email address cannot be empty")
	}

	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return fmt.Errorf("invalid email address: %w", err)
	}
	if parsed.Address != addr {
		return fmt.Errorf("invalid email address: expected bare address, got %q", addr)
	}

	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return fmt.Errorf("invalid email address: missing local part or domain")
	}
	if !strings.Contains(addr[at+1:], ".") {
		return fmt.Errorf("invalid email address: domain %q has no dot", addr[at+1:])
	}

	return nil
}

// NormalizeEmail lowercases and trims an address for lookups
func NormalizeEmail(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// ValidateAndNormalizeEmail validates an address and returns its normalized form
func ValidateAndNormalizeEmail(addr string) (string, error) {
	normalized := NormalizeEmail(addr)
	if err := ValidateEmail(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// Domain returns the part after the last '@', or an empty string.
func Domain(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return ""
	}
	return addr[at+1:]
}
