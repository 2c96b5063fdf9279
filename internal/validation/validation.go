// Package validation provides input validation for the Guardian API.
package validation

import (
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// supportedNetworks are the chains the probe providers understand.
var supportedNetworks = map[string]bool{
	"ethereum": true,
	"base":     true,
	"polygon":  true,
	"arbitrum": true,
	"optimism": true,
}

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidAddress checks if a string is a valid hex-encoded chain address
func IsValidAddress(addr string) bool {
	return common.IsHexAddress(addr)
}

// IsSupportedNetwork checks if the network name is one Guardian can scan
func IsSupportedNetwork(network string) bool {
	return supportedNetworks[strings.ToLower(strings.TrimSpace(network))]
}

// SanitizeAddress normalizes a chain address to lowercase 0x-prefixed form
func SanitizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.ToLower(addr)

	// Ensure 0x prefix
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}

	return addr
}

// SanitizeNetwork normalizes a network name
func SanitizeNetwork(network string) string {
	return strings.ToLower(strings.TrimSpace(network))
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}
