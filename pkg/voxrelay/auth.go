package voxrelay

import (
	"net/http"
	"strings"

	"github.com/harunnryd/voxrelay/pkg/errorsx"
)

// DefaultKeyPrefix marks keys issued for the relay.
const DefaultKeyPrefix = "eb_"

// Authenticator validates relay callers before the websocket upgrade.
type Authenticator struct {
	disabled bool
	prefix   string
	keys     map[string]struct{}
}

func NewAuthenticator(cfg AuthConfig) *Authenticator {
	keys := make(map[string]struct{}, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys[k] = struct{}{}
		}
	}
	return &Authenticator{
		disabled: cfg.Disabled,
		prefix:   strings.TrimSpace(cfg.KeyPrefix),
		keys:     keys,
	}
}

// Authenticate returns the caller's key. The key comes from an
// Authorization bearer header or, for browsers that cannot set websocket
// headers, the api_key query parameter.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	key := credential(r)
	if a.disabled {
		return key, nil
	}
	if key == "" {
		return "", errorsx.New(errorsx.ReasonUnauthorized, "missing api key")
	}
	if a.prefix != "" && !strings.HasPrefix(key, a.prefix) {
		return "", errorsx.New(errorsx.ReasonUnauthorized, "invalid api key format")
	}
	if len(a.keys) > 0 {
		if _, ok := a.keys[key]; !ok {
			return "", errorsx.New(errorsx.ReasonUnauthorized, "unknown api key")
		}
	}
	return key, nil
}

func credential(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("api_key"))
}
