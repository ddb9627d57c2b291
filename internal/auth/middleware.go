// Package auth guards internal and operator endpoints with shared secrets.
//
// End users never call this service directly: the application backend and
// generation services authenticate with SERVICE_TOKEN, operators with
// ADMIN_SECRET. Payment provider webhooks authenticate by signature instead.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyCaller is set to the name of the credential that
	// authenticated the request.
	ContextKeyCaller = "authCaller"

	HeaderServiceToken = "X-Service-Token"
	HeaderAdminSecret  = "X-Admin-Secret"
)

// Credential is a named shared secret.
type Credential struct {
	Name   string
	Header string
	Secret string
}

// ServiceToken is the credential for internal callers.
func ServiceToken(secret string) Credential {
	return Credential{Name: "service", Header: HeaderServiceToken, Secret: secret}
}

// AdminSecret is the credential for operator endpoints.
func AdminSecret(secret string) Credential {
	return Credential{Name: "admin", Header: HeaderAdminSecret, Secret: secret}
}

// Require rejects requests that present none of the given credentials.
// Credentials with an empty secret are skipped; if every credential is
// empty the middleware lets all requests through, which is the
// development default.
func Require(creds ...Credential) gin.HandlerFunc {
	var active []Credential
	for _, c := range creds {
		if c.Secret != "" {
			active = append(active, c)
		}
	}

	return func(c *gin.Context) {
		if len(active) == 0 {
			c.Next()
			return
		}
		for _, cred := range active {
			if matches(presented(c, cred.Header), cred.Secret) {
				c.Set(ContextKeyCaller, cred.Name)
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Valid credentials required.",
		})
	}
}

// Caller returns the credential name that authenticated the request.
func Caller(c *gin.Context) string {
	return c.GetString(ContextKeyCaller)
}

func presented(c *gin.Context, header string) string {
	if v := c.GetHeader(header); v != "" {
		return v
	}
	if v, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
		return v
	}
	return ""
}

// matches compares digests so the comparison time does not depend on the
// secret's length.
func matches(got, want string) bool {
	if got == "" {
		return false
	}
	g := sha256.Sum256([]byte(got))
	w := sha256.Sum256([]byte(want))
	return subtle.ConstantTimeCompare(g[:], w[:]) == 1
}
