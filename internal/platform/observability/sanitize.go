package observability

import (
	"strconv"
	"strings"
	"unicode"
)

const defaultStringLimit = 256

// sanitizeString drops control characters and truncates to limit runes so request data cannot
// forge log lines.
func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = defaultStringLimit
	}
	cleaned := make([]rune, 0, len(value))
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		if len(cleaned) == limit {
			break
		}
		cleaned = append(cleaned, r)
	}
	return string(cleaned)
}

// SanitizeRoute cleans a route pattern for logging.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, 180)
}

// SanitizeMethod cleans an HTTP method for logging.
func SanitizeMethod(method string) string {
	return sanitizeString(method, 10)
}

// FormatUserID renders a user id for log fields; anonymous requests log an empty string.
func FormatUserID(userID int64) string {
	if userID <= 0 {
		return ""
	}
	return strconv.FormatInt(userID, 10)
}

// personalFields lists service log fields that carry customer contact data.
var personalFields = map[string]struct{}{
	"mobile": {},
	"phone":  {},
}

// MaskPhone keeps the last four digits of a phone number and masks the rest.
func MaskPhone(phone string) string {
	digits := make([]rune, 0, len(phone))
	for _, r := range phone {
		if unicode.IsDigit(r) {
			digits = append(digits, r)
		}
	}
	if len(digits) <= 4 {
		return strings.Repeat("*", len(digits))
	}
	return strings.Repeat("*", len(digits)-4) + string(digits[len(digits)-4:])
}

// redactField masks values of personal fields; other values pass through unchanged.
func redactField(key string, value any) any {
	if _, ok := personalFields[strings.ToLower(key)]; !ok {
		return value
	}
	if text, ok := value.(string); ok {
		return MaskPhone(text)
	}
	return value
}
