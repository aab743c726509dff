package config

import (
	"fmt"
	"net/url"
	"time"
)

// Protocol families understood by the adapter layer.
const (
	FamilyTokenAPI     = "token_api"
	FamilyCaptchaToken = "captcha_token"
	FamilyPostback     = "postback"
	FamilySigned       = "signed"
)

type ProvidersConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
}

type ProviderConfig struct {
	Name     string `yaml:"name"`
	Family   string `yaml:"family"`
	Category string `yaml:"category"`
	BaseURL  string `yaml:"base_url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	SigningKey          string `yaml:"signing_key,omitempty"`
	CipherKeyPrefix     string `yaml:"cipher_key_prefix,omitempty"`
	CipherKeySuffix     string `yaml:"cipher_key_suffix,omitempty"`
	EncryptCredentials  *bool  `yaml:"encrypt_credentials,omitempty"`
	CloudflareChallenge bool   `yaml:"cloudflare_challenge,omitempty"`

	Captcha   CaptchaSettings   `yaml:"captcha,omitempty"`
	Markers   map[string]string `yaml:"markers,omitempty"`
	Endpoints map[string]string `yaml:"endpoints,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`

	Timeout         time.Duration  `yaml:"timeout"`
	MaxConcurrent   int            `yaml:"max_concurrent"`
	RateLimit       RateSettings   `yaml:"rate_limit,omitempty"`
	LoginAttempts   int            `yaml:"login_attempts"`
	LoginRetryDelay *time.Duration `yaml:"login_retry_delay,omitempty"`
	SessionTTL      time.Duration  `yaml:"session_ttl"`

	// DailyRechargeLimit caps recharge volume per UTC day, in whole currency units. Zero disables.
	DailyRechargeLimit float64 `yaml:"daily_recharge_limit"`
	MaxAmount          float64 `yaml:"max_amount"`
	Disabled           bool    `yaml:"disabled"`
}

type CaptchaSettings struct {
	ImagePath string `yaml:"image_path,omitempty"`
	SiteKey   string `yaml:"site_key,omitempty"`
}

type RateSettings struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Validate checks the fields every family relies on.
func (p ProviderConfig) Validate() error {
	switch p.Family {
	case FamilyTokenAPI, FamilyCaptchaToken, FamilyPostback:
	case FamilySigned:
		if p.SigningKey == "" {
			return fmt.Errorf("family %s requires signing_key", p.Family)
		}
	case "":
		return fmt.Errorf("family is required")
	default:
		return fmt.Errorf("unknown family %q", p.Family)
	}
	if p.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	u, err := url.Parse(p.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid base_url %q", p.BaseURL)
	}
	return nil
}

// Marker returns the configured success/failure marker for key, or def.
func (p ProviderConfig) Marker(key, def string) string {
	if v, ok := p.Markers[key]; ok && v != "" {
		return v
	}
	return def
}

// Endpoint returns the configured path for key, or def.
func (p ProviderConfig) Endpoint(key, def string) string {
	if v, ok := p.Endpoints[key]; ok && v != "" {
		return v
	}
	return def
}

func (p ProviderConfig) Attempts() int {
	if p.LoginAttempts <= 0 {
		return 3
	}
	return p.LoginAttempts
}

func (p ProviderConfig) RetryDelay() time.Duration {
	if p.LoginRetryDelay == nil {
		return 2 * time.Second
	}
	return *p.LoginRetryDelay
}

func (p ProviderConfig) Encrypts() bool {
	if p.EncryptCredentials == nil {
		return true
	}
	return *p.EncryptCredentials
}

// Merge overlays entries from other onto p. Entries in other win.
func (p *ProvidersConfig) Merge(other map[string]ProviderConfig) {
	if p.Providers == nil {
		p.Providers = make(map[string]ProviderConfig, len(other))
	}
	for id, pc := range other {
		p.Providers[id] = pc
	}
}
