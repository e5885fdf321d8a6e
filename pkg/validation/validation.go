package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxIdentityLength is the longest display name accepted, in runes.
	MaxIdentityLength = 64
	// MaxInstanceIDLength bounds the address prefix.
	MaxInstanceIDLength = 64
)

var (
	// InstanceIDRegex validates instance ID format. Dots are excluded since
	// they separate the instance from the connection in an address.
	InstanceIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateIdentity validates a display identity and returns it trimmed.
func ValidateIdentity(identity string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", fmt.Errorf("identity is required")
	}
	if !utf8.ValidString(identity) {
		return "", fmt.Errorf("identity is not valid UTF-8")
	}
	if utf8.RuneCountInString(identity) > MaxIdentityLength {
		return "", fmt.Errorf("identity is too long (max %d characters)", MaxIdentityLength)
	}
	for _, r := range identity {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("identity contains control characters")
		}
	}
	return identity, nil
}

// ValidateInstanceID validates the ID used to prefix connection addresses
func ValidateInstanceID(id string) error {
	if id == "" {
		return fmt.Errorf("instance ID is required")
	}
	if len(id) > MaxInstanceIDLength {
		return fmt.Errorf("instance ID is too long (max %d characters)", MaxInstanceIDLength)
	}
	if !InstanceIDRegex.MatchString(id) {
		return fmt.Errorf("invalid instance ID format")
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
