package logger

import "strings"

// RedactEmail masks an email address for safe logging.
// "john.doe@example.com" → "jo***@example.com"
// Short local parts (≤2 chars) are fully masked: "ab@example.com" → "***@example.com"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

// RedactAddressList masks every address in a comma-separated list,
// preserving order. Used when logging recipient sets on audit entries.
func RedactAddressList(list string) string {
	parts := strings.Split(list, ",")
	for i, p := range parts {
		parts[i] = RedactEmail(strings.TrimSpace(p))
	}
	return strings.Join(parts, ", ")
}
