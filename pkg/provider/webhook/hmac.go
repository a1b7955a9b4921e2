package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// SignatureHeader carries the hex-encoded HMAC-SHA256 of the raw request
// body. An optional "sha256=" prefix is accepted.
const SignatureHeader = "X-Planbot-Signature"

// Sign computes the hex signature for a payload. Exposed for clients and
// tests.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// requireSignature verifies the body signature before any handler runs.
// When no secret is configured (explicit insecure mode) it passes through.
func requireSignature(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(secret) == 0 {
			c.Next()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
			return
		}
		// Binding needs the body again.
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		sig := strings.TrimPrefix(c.GetHeader(SignatureHeader), "sha256=")
		if sig == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing signature"})
			return
		}

		expected := Sign(secret, body)
		if !hmac.Equal([]byte(sig), []byte(expected)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
		c.Next()
	}
}
