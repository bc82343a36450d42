package logger

import "strings"

// RedactEmail masks a recipient address for safe logging.
// "john.doe@example.com" becomes "jo***@example.com". Local parts of two
// characters or fewer are fully masked.
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

// RedactSecret fully masks a signing secret, keeping only a short prefix so
// operators can tell which secret a log line refers to. Secrets shorter
// than eight characters are masked entirely.
func RedactSecret(secret string) string {
	if len(secret) < 8 {
		return "****"
	}
	return secret[:4] + "****"
}
