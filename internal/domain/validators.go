package domain

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

var (
	emailRegex    = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._\-]{3,64}$`)
	codeRegex     = regexp.MustCompile(`^[0-9]{6}$`)
)

// ValidateEmail checks if an email address is valid.
func ValidateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email is required")
	}
	if !emailRegex.MatchString(email) {
		return fmt.Errorf("invalid email format")
	}
	return nil
}

// ValidateUsername requires 3-64 characters of letters, digits, dot, dash or underscore.
func ValidateUsername(username string) error {
	if len(strings.TrimSpace(username)) < 3 {
		return fmt.Errorf("username must be at least 3 characters")
	}
	if !usernameRegex.MatchString(username) {
		return fmt.Errorf("username contains invalid characters")
	}
	return nil
}

// ValidatePassword enforces the minimum password length.
func ValidatePassword(password string) error {
	if len(password) < 6 {
		return fmt.Errorf("password must be at least 6 characters")
	}
	return nil
}

// ValidateSecondFactorCode checks the shape of a one-time code.
func ValidateSecondFactorCode(code string) error {
	if !codeRegex.MatchString(code) {
		return fmt.Errorf("code must be 6 digits")
	}
	return nil
}

// ValidateLoginContext rejects malformed login context before scoring.
func ValidateLoginContext(lc LoginContext) error {
	if lc.IP == "" {
		return fmt.Errorf("ip is required")
	}
	if net.ParseIP(lc.IP) == nil {
		return fmt.Errorf("invalid ip address: %s", lc.IP)
	}
	if lc.DeviceID == "" {
		return fmt.Errorf("device id is required")
	}
	if lc.IPReputation != nil {
		if r := *lc.IPReputation; r < 0 || r > 1 {
			return fmt.Errorf("ip reputation must be within [0,1], got %v", r)
		}
	}
	if lat := lc.Location.Latitude; lat != nil && (*lat < -90 || *lat > 90) {
		return fmt.Errorf("latitude out of range: %v", *lat)
	}
	if lon := lc.Location.Longitude; lon != nil && (*lon < -180 || *lon > 180) {
		return fmt.Errorf("longitude out of range: %v", *lon)
	}
	return nil
}

// ValidateRequestContext checks the fields the activity monitor relies on.
func ValidateRequestContext(rc RequestContext) error {
	if rc.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if rc.Method == "" {
		return fmt.Errorf("method is required")
	}
	return nil
}
