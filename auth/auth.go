// Package auth maps a target's typed auth configuration to the request
// headers (or, for WebSocket upgrades, query parameters) that carry the
// credentials.
package auth

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
)

// Kind enumerates the supported auth schemes.
type Kind string

const (
	KindNone         Kind = "none"
	KindBearer       Kind = "bearer"
	KindAPIKey       Kind = "api_key"
	KindBasic        Kind = "basic"
	KindCustomHeader Kind = "custom_header"
	KindOAuth2       Kind = "oauth2"
)

// Config is the kind-specific credential material for a target. Values are
// decrypted by the persistence collaborator before they reach the runtime.
type Config struct {
	Kind Kind `json:"kind" yaml:"kind"`

	// Bearer and OAuth2. For OAuth2 the caller supplies the resulting
	// bearer token at connect time; the runtime treats it like Bearer.
	Token string `json:"token,omitempty" yaml:"token,omitempty"`

	// ApiKey.
	APIKey     string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	HeaderName string `json:"headerName,omitempty" yaml:"headerName,omitempty"`

	// BasicAuth.
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`

	// CustomHeader.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// ErrUnknownKind reports an auth kind outside the supported set.
type ErrUnknownKind struct {
	Kind Kind
}

// Error implements error.
func (e *ErrUnknownKind) Error() string {
	return fmt.Sprintf("unknown auth kind %q", e.Kind)
}

// Headers returns the header set for the configuration. The result depends
// only on the config; a scheme with missing required fields contributes no
// header at all rather than a partially formed one.
func Headers(cfg Config) (http.Header, error) {
	h := http.Header{}
	switch cfg.Kind {
	case KindNone, "":
	case KindBearer, KindOAuth2:
		if cfg.Token != "" {
			h.Set("Authorization", "Bearer "+cfg.Token)
		}
	case KindAPIKey:
		if cfg.HeaderName != "" && cfg.APIKey != "" {
			h.Set(cfg.HeaderName, cfg.APIKey)
		}
	case KindBasic:
		if cfg.Username != "" && cfg.Password != "" {
			creds := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
			h.Set("Authorization", "Basic "+creds)
		}
	case KindCustomHeader:
		for name, value := range cfg.Headers {
			h.Set(name, value)
		}
	default:
		return nil, &ErrUnknownKind{Kind: cfg.Kind}
	}
	return h, nil
}

// QueryParams returns the query-parameter fallback used by WebSocket
// connectors when the server rejects upgrade headers. Only Bearer and ApiKey
// credentials have a query form.
func QueryParams(cfg Config) (url.Values, bool) {
	switch cfg.Kind {
	case KindBearer, KindOAuth2:
		if cfg.Token == "" {
			return nil, false
		}
		return url.Values{"token": {cfg.Token}}, true
	case KindAPIKey:
		if cfg.APIKey == "" {
			return nil, false
		}
		return url.Values{"api_key": {cfg.APIKey}}, true
	default:
		return nil, false
	}
}
