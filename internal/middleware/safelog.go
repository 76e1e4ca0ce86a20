package middleware

import "strings"

// MaskToken маскирует JWT в логах: виден только хвост подписи.
func MaskToken(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 8 {
		return "****"
	}
	return "***" + s[len(s)-6:]
}
