package recording

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"callreel/internal/config"
	"callreel/pkg/logger"
)

const signatureHeader = "X-Twilio-Signature"

// RequireValidSignature rejects webhook deliveries whose X-Twilio-Signature
// does not match the request. Without an auth token configured the check is
// skipped with a warning so local tunnels keep working; production config
// validation requires the token.
func RequireValidSignature(cfg config.TwilioConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.AuthToken == "" {
			logger.FromGin(c).Warn("webhook signature validation disabled: no auth token configured")
			c.Next()
			return
		}

		got := strings.TrimSpace(c.GetHeader(signatureHeader))
		if got == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "missing signature"})
			return
		}
		if err := c.Request.ParseForm(); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
			return
		}

		want := computeSignature(cfg.AuthToken, requestURL(c.Request), c.Request.PostForm)
		if !hmac.Equal([]byte(got), []byte(want)) {
			logger.FromGin(c).Warn("webhook signature mismatch", "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
			return
		}

		c.Next()
	}
}

// computeSignature implements the provider scheme: HMAC-SHA1 over the full
// request URL followed by every POST parameter name and value in sorted
// key order, base64 encoded.
func computeSignature(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// requestURL rebuilds the URL the provider signed, honoring the proxy
// headers set by the ingress in front of the API.
func requestURL(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "https"
		if r.TLS == nil {
			scheme = "http"
		}
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return scheme + "://" + host + r.URL.RequestURI()
}
