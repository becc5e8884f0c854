package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OIDCProvider holds the parts of an OpenID Connect discovery document the
// signaling server needs to validate access tokens.
type OIDCProvider struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// DiscoverOIDC fetches issuerURL/.well-known/openid-configuration and checks
// that the document was published for issuerURL. A nil client uses a 10s
// timeout.
func DiscoverOIDC(ctx context.Context, client *http.Client, issuerURL string) (*OIDCProvider, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	issuer := strings.TrimRight(issuerURL, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+"/.well-known/openid-configuration", nil)
	if err != nil {
		return nil, fmt.Errorf("build OIDC discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch OIDC discovery document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OIDC discovery for %s returned status %d", issuer, resp.StatusCode)
	}

	var provider OIDCProvider
	if err := json.NewDecoder(resp.Body).Decode(&provider); err != nil {
		return nil, fmt.Errorf("decode OIDC discovery document: %w", err)
	}
	if strings.TrimRight(provider.Issuer, "/") != issuer {
		return nil, fmt.Errorf("OIDC discovery issuer %q does not match %q", provider.Issuer, issuer)
	}
	if provider.JWKSURI == "" {
		return nil, fmt.Errorf("OIDC discovery document for %s has no jwks_uri", issuer)
	}
	return &provider, nil
}

// resolveJWKSURL prefers the discovered jwks_uri and falls back to the
// conventional path under the issuer.
func resolveJWKSURL(issuer string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if p, err := DiscoverOIDC(ctx, nil, issuer); err == nil {
		return p.JWKSURI
	}
	return strings.TrimRight(issuer, "/") + "/.well-known/jwks.json"
}
