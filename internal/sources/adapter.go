// Package sources manages external data-source adapters and the OAuth
// credential lifecycle of their connections.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/fentz26/pulse/internal/models"
)

// Capability tags what kind of data a source provides.
type Capability string

const (
	CapabilityHealth       Capability = "health"
	CapabilityMusic        Capability = "music"
	CapabilityProductivity Capability = "productivity"
	CapabilitySocial       Capability = "social"
	CapabilityLocation     Capability = "location"
)

// OAuthDescriptor holds a provider's authorization-code endpoints.
type OAuthDescriptor struct {
	AuthURL      string   `json:"auth_url"`
	TokenURL     string   `json:"token_url"`
	UserInfoURL  string   `json:"userinfo_url"`
	Scopes       []string `json:"scopes"`
	RedirectURL  string   `json:"redirect_url"`
	ClientID     string   `json:"-"`
	ClientSecret string   `json:"-"`
	// PKCE adds an S256 code challenge to the flow.
	PKCE bool `json:"pkce"`
}

// Descriptor declares what an adapter provides.
type Descriptor struct {
	ID            string           `json:"id"`
	DisplayName   string           `json:"display_name"`
	Capability    Capability       `json:"capability"`
	DataTypes     []string         `json:"data_types"`
	RequiresOAuth bool             `json:"requires_oauth"`
	OAuth         *OAuthDescriptor `json:"oauth,omitempty"`
}

// Supports reports whether dataType is declared.
func (d Descriptor) Supports(dataType string) bool {
	return slices.Contains(d.DataTypes, dataType)
}

// Validate checks the descriptor is usable.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("adapter id is required")
	}
	if len(d.DataTypes) == 0 {
		return fmt.Errorf("adapter %s declares no data types", d.ID)
	}
	if d.RequiresOAuth {
		if d.OAuth == nil {
			return fmt.Errorf("adapter %s requires oauth but has no descriptor", d.ID)
		}
		if d.OAuth.AuthURL == "" || d.OAuth.TokenURL == "" {
			return fmt.Errorf("adapter %s: auth and token urls are required", d.ID)
		}
	}
	return nil
}

// Profile is the normalized identity behind a connection.
type Profile struct {
	AccountID   string `json:"account_id"`
	DisplayName string `json:"display_name"`
}

// FetchRequest carries everything an adapter needs for one fetch.
type FetchRequest struct {
	SourceID   string
	DataType   string
	Params     url.Values
	Credential models.Credential
}

// Adapter is implemented once per external source.
type Adapter interface {
	Descriptor() Descriptor
	Fetch(ctx context.Context, req FetchRequest) (json.RawMessage, error)
	// Profile normalizes the provider's userinfo response.
	Profile(raw map[string]any) (Profile, error)
}

// AuthorizationRequired is returned by Connect when the user must visit URL.
type AuthorizationRequired struct {
	SourceID string
	URL      string
}

func (e *AuthorizationRequired) Error() string {
	return fmt.Sprintf("authorization required for %s: %s", e.SourceID, e.URL)
}

// lookup walks a dotted path through nested userinfo objects.
func lookup(raw map[string]any, path string) string {
	var cur any = raw
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[part]
	}
	switch v := cur.(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case json.Number:
		return v.String()
	}
	return ""
}

// firstOf returns the first non-empty lookup.
func firstOf(raw map[string]any, paths ...string) string {
	for _, p := range paths {
		if v := lookup(raw, p); v != "" {
			return v
		}
	}
	return ""
}
