package ifa

import (
	"strconv"
	"strings"
)

// Bounds of the operator inputs.
const (
	MinKeySize = 7
	MaxKeySize = 16
	MinCount   = 1
	MaxCount   = 199
)

// Settings are the process-wide downgrade toggles, applied by the stack on
// the next security elevation.
type Settings struct {
	KeySize     int
	SCDowngrade bool
}

// DefaultSettings returns full-size keys with secure connections allowed.
func DefaultSettings() Settings {
	return Settings{KeySize: MaxKeySize}
}

// ParseKeySize accepts "true" (7), "false" (16) or an integer in 7..16.
func ParseKeySize(s string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true":
		return MinKeySize, nil
	case "false":
		return MaxKeySize, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, &ValidationError{Field: "key size", Value: s, Reason: "want true, false or 7..16"}
	}
	if n < MinKeySize || n > MaxKeySize {
		return 0, &ValidationError{Field: "key size", Value: s, Reason: "out of range 7..16"}
	}
	return n, nil
}

// ParseCount parses a stage 2 iteration count.
func ParseCount(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, &ValidationError{Field: "count", Value: s, Reason: "not a number"}
	}
	if err := ValidateCount(n); err != nil {
		return 0, err
	}
	return n, nil
}

// ValidateCount checks 0 < n < 200.
func ValidateCount(n int) error {
	if n < MinCount || n > MaxCount {
		return &ValidationError{Field: "count", Value: strconv.Itoa(n), Reason: "want 0 < n < 200"}
	}
	return nil
}

// ParseBool parses the sc_downgrade toggle.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "on", "1":
		return true, nil
	case "false", "off", "0":
		return false, nil
	}
	return false, &ValidationError{Field: "flag", Value: s, Reason: "want true or false"}
}
