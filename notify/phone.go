package notify

import (
	"regexp"
	"strings"
)

var phonePattern = regexp.MustCompile(`^(\+256|256|0)[17]\d{8}$`)

var phoneStripper = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "")

// FormatPhone converts a Ugandan number to +256 international format.
func FormatPhone(phone string) string {
	cleaned := phoneStripper.Replace(phone)
	if strings.HasPrefix(cleaned, "0") {
		cleaned = "+256" + cleaned[1:]
	}
	if cleaned != "" && !strings.HasPrefix(cleaned, "+") {
		cleaned = "+" + cleaned
	}
	return cleaned
}

// ValidPhone reports whether phone is a Ugandan mobile number.
func ValidPhone(phone string) bool {
	return phonePattern.MatchString(phoneStripper.Replace(phone))
}
