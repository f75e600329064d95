package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	c := Config{}
	c.App.Env = "local"
	c.App.Port = 8080
	c.DB.Host = "localhost"
	c.DB.Port = 5432
	c.DB.User = "app"
	c.DB.Name = "callreel"
	c.Redis.Host = "localhost"
	c.Redis.Port = 6379
	c.Auth.JWTSecret = "secret"
	c.Speech.URL = "wss://example.test/realtime"
	c.Speech.APIKey = "sk"
	c.Render.BaseURL = "https://render.example.test"
	c.Render.APIKey = "rk"
	c.S3.Bucket = "callreel-media"
	c.S3.Region = "us-east-1"
	return c
}

func TestValidateAppliesDefaults(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected local sslmode default, got %q", c.DB.SSLMode)
	}
	if c.Speech.SampleRate != 24000 {
		t.Fatalf("expected speech sample rate default, got %d", c.Speech.SampleRate)
	}
	if c.Render.Workers != 4 || c.Render.MaxRetries != 2 {
		t.Fatalf("expected render defaults, got %d workers %d retries", c.Render.Workers, c.Render.MaxRetries)
	}
	if c.Render.CallTimeout != 10*time.Minute {
		t.Fatalf("expected render timeout default, got %v", c.Render.CallTimeout)
	}
	if c.Auth.AccessTokenTTL != 15*time.Minute {
		t.Fatalf("expected access ttl default, got %v", c.Auth.AccessTokenTTL)
	}
}

func TestValidateRejectsMissingRequired(t *testing.T) {
	c := validConfig()
	c.Speech.URL = ""
	c.Render.BaseURL = ""
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "SPEECH_REALTIME_URL") {
		t.Fatalf("expected speech url error, got %v", err)
	}
	if !strings.Contains(err.Error(), "RENDER_BASE_URL") {
		t.Fatalf("expected render url error, got %v", err)
	}
}

func TestProductionRequiresExplicitSSLMode(t *testing.T) {
	c := validConfig()
	c.App.Env = "production"
	c.Auth.JWTIssuer = "callreel"
	c.Auth.JWTAudience = "callreel-api"
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "DB_SSLMODE") {
		t.Fatalf("expected sslmode error, got %v", err)
	}
}

func TestProductionRequiresTwilioAuthToken(t *testing.T) {
	c := validConfig()
	c.App.Env = "production"
	c.Auth.JWTIssuer = "callreel"
	c.Auth.JWTAudience = "callreel-api"
	c.DB.SSLMode = "require"
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "TWILIO_AUTH_TOKEN") {
		t.Fatalf("expected twilio token error, got %v", err)
	}
	c.Twilio.AuthToken = "tok"
	if err := c.Validate(); err != nil {
		t.Fatalf("expected valid config with token, got %v", err)
	}
}

func TestHTTPAddrAndDSN(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.HTTPAddr() != ":8080" {
		t.Fatalf("unexpected addr %q", c.HTTPAddr())
	}
	if !strings.Contains(c.PostgresDSN(), "dbname=callreel") {
		t.Fatalf("unexpected dsn %q", c.PostgresDSN())
	}
	if c.RedisAddr() != "localhost:6379" {
		t.Fatalf("unexpected redis addr %q", c.RedisAddr())
	}
}
