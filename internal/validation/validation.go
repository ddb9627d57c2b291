// Package validation holds request-level input checks shared by handlers.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// Metadata limits for caller-supplied ledger metadata.
const (
	MaxMetadataKeys  = 32
	MaxMetadataKey   = 64
	MaxMetadataValue = 512
)

// idRegex matches user, webhook and reservation ids.
var idRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID reports whether s is an acceptable identifier.
func IsValidID(s string) bool {
	return idRegex.MatchString(s)
}

// IDParamMiddleware rejects requests whose named URL params are present but
// malformed. Routes without the param pass through.
func IDParamMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, p := range params {
			v := c.Param(p)
			if v != "" && !IsValidID(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_" + p,
					"message": p + " must be 1-64 letters, digits, '_' or '-'",
				})
				return
			}
		}
		c.Next()
	}
}

// SanitizeString trims s, drops control characters and truncates it to at
// most maxLen bytes without splitting a rune.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
	if len(s) <= maxLen {
		return s
	}
	s = s[:maxLen]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// Metadata checks caller-supplied metadata against the size limits.
func Metadata(md map[string]string) error {
	if len(md) > MaxMetadataKeys {
		return fmt.Errorf("metadata has %d keys, at most %d allowed", len(md), MaxMetadataKeys)
	}
	for k, v := range md {
		if k == "" || len(k) > MaxMetadataKey {
			return fmt.Errorf("metadata key %q must be 1-%d bytes", k, MaxMetadataKey)
		}
		if len(v) > MaxMetadataValue {
			return fmt.Errorf("metadata value for %q exceeds %d bytes", k, MaxMetadataValue)
		}
	}
	return nil
}
