package identity

import (
	"fmt"
	"regexp"
	"strings"
)

var e164 = regexp.MustCompile(`^\+[1-9]\d{7,14}$`)

var phoneSeparators = strings.NewReplacer(" ", "", "-", "", ".", "", "(", "", ")", "")

// NormalizePhone reduces user input to E.164. Separators are dropped and a missing
// leading plus is added.
func NormalizePhone(raw string) (string, error) {
	phone := phoneSeparators.Replace(strings.TrimSpace(raw))
	if strings.HasPrefix(phone, "00") {
		phone = "+" + phone[2:]
	}
	if !strings.HasPrefix(phone, "+") {
		phone = "+" + phone
	}
	if !e164.MatchString(phone) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
	}
	return phone, nil
}

var pinPattern = regexp.MustCompile(`^\d{4,6}$`)

// ValidatePIN checks the PIN format only.
func ValidatePIN(pin string) error {
	if !pinPattern.MatchString(pin) {
		return ErrMalformedPIN
	}
	return nil
}
