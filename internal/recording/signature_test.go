package recording

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"callreel/internal/config"
)

func postSigned(t *testing.T, cfg config.TwilioConfig, form url.Values, sign func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/recording", RequireValidSignature(cfg), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "http://api.example.com/webhooks/recording", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if sign != nil {
		sign(req)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSignatureValidRequestPasses(t *testing.T) {
	const token = "twilio-auth-token"
	form := completedForm()

	w := postSigned(t, config.TwilioConfig{AuthToken: token}, form, func(req *http.Request) {
		req.Header.Set(signatureHeader, computeSignature(token, "http://api.example.com/webhooks/recording", form))
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestSignatureMismatchRejected(t *testing.T) {
	w := postSigned(t, config.TwilioConfig{AuthToken: "twilio-auth-token"}, completedForm(), func(req *http.Request) {
		req.Header.Set(signatureHeader, computeSignature("wrong-token", "http://api.example.com/webhooks/recording", completedForm()))
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestSignatureMissingHeaderRejected(t *testing.T) {
	w := postSigned(t, config.TwilioConfig{AuthToken: "twilio-auth-token"}, completedForm(), nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestSignatureSkippedWithoutToken(t *testing.T) {
	w := postSigned(t, config.TwilioConfig{}, completedForm(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 when validation is disabled", w.Code)
	}
}

func TestSignatureHonorsForwardedHeaders(t *testing.T) {
	const token = "twilio-auth-token"
	form := completedForm()

	w := postSigned(t, config.TwilioConfig{AuthToken: token}, form, func(req *http.Request) {
		req.Header.Set("X-Forwarded-Proto", "https")
		req.Header.Set("X-Forwarded-Host", "callreel.example.com")
		req.Header.Set(signatureHeader, computeSignature(token, "https://callreel.example.com/webhooks/recording", form))
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}
