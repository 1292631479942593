package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/fentz26/pulse/internal/config"
)

// DataFetcher pulls source data through the remote API.
type DataFetcher interface {
	FetchSourceData(ctx context.Context, sourceID, dataType, providerToken string, params url.Values) (json.RawMessage, error)
}

// profileFields names where a provider keeps the account id and display name.
type profileFields struct {
	id   []string
	name []string
}

// Source is a generic adapter backed by the remote API's data-source proxy.
type Source struct {
	desc    Descriptor
	fields  profileFields
	fetcher DataFetcher
}

// Descriptor implements Adapter.
func (s *Source) Descriptor() Descriptor {
	d := s.desc
	if d.OAuth != nil {
		o := *d.OAuth
		d.OAuth = &o
	}
	return d
}

// Fetch implements Adapter.
func (s *Source) Fetch(ctx context.Context, req FetchRequest) (json.RawMessage, error) {
	if s.fetcher == nil {
		return nil, fmt.Errorf("source %s has no fetcher", s.desc.ID)
	}
	return s.fetcher.FetchSourceData(ctx, req.SourceID, req.DataType, req.Credential.AccessToken, req.Params)
}

// Profile implements Adapter.
func (s *Source) Profile(raw map[string]any) (Profile, error) {
	if !s.desc.RequiresOAuth {
		return Profile{DisplayName: s.desc.DisplayName}, nil
	}
	p := Profile{
		AccountID:   firstOf(raw, s.fields.id...),
		DisplayName: firstOf(raw, s.fields.name...),
	}
	if p.AccountID == "" {
		return Profile{}, fmt.Errorf("%s userinfo has no account id", s.desc.ID)
	}
	if p.DisplayName == "" {
		p.DisplayName = p.AccountID
	}
	return p, nil
}

type builtin struct {
	desc   Descriptor
	fields profileFields
}

var builtins = []builtin{
	{
		desc: Descriptor{
			ID:            "spotify",
			DisplayName:   "Spotify",
			Capability:    CapabilityMusic,
			DataTypes:     []string{"recently_played", "top_tracks", "audio_features"},
			RequiresOAuth: true,
			OAuth: &OAuthDescriptor{
				AuthURL:     "https://accounts.spotify.com/authorize",
				TokenURL:    "https://accounts.spotify.com/api/token",
				UserInfoURL: "https://api.spotify.com/v1/me",
				Scopes:      []string{"user-read-recently-played", "user-top-read"},
			},
		},
		fields: profileFields{id: []string{"id"}, name: []string{"display_name", "email"}},
	},
	{
		desc: Descriptor{
			ID:            "google-calendar",
			DisplayName:   "Google Calendar",
			Capability:    CapabilityProductivity,
			DataTypes:     []string{"events", "free_busy"},
			RequiresOAuth: true,
			OAuth: &OAuthDescriptor{
				AuthURL:     "https://accounts.google.com/o/oauth2/v2/auth",
				TokenURL:    "https://oauth2.googleapis.com/token",
				UserInfoURL: "https://openidconnect.googleapis.com/v1/userinfo",
				Scopes:      []string{"openid", "email", "https://www.googleapis.com/auth/calendar.readonly"},
				PKCE:        true,
			},
		},
		fields: profileFields{id: []string{"sub", "id"}, name: []string{"name", "email"}},
	},
	{
		desc: Descriptor{
			ID:            "fitbit",
			DisplayName:   "Fitbit",
			Capability:    CapabilityHealth,
			DataTypes:     []string{"heart_rate", "sleep", "steps"},
			RequiresOAuth: true,
			OAuth: &OAuthDescriptor{
				AuthURL:     "https://www.fitbit.com/oauth2/authorize",
				TokenURL:    "https://api.fitbit.com/oauth2/token",
				UserInfoURL: "https://api.fitbit.com/1/user/-/profile.json",
				Scopes:      []string{"activity", "heartrate", "sleep", "profile"},
				PKCE:        true,
			},
		},
		fields: profileFields{id: []string{"user.encodedId"}, name: []string{"user.displayName", "user.fullName"}},
	},
	{
		desc: Descriptor{
			ID:            "twitter",
			DisplayName:   "X (Twitter)",
			Capability:    CapabilitySocial,
			DataTypes:     []string{"timeline", "mentions"},
			RequiresOAuth: true,
			OAuth: &OAuthDescriptor{
				AuthURL:     "https://twitter.com/i/oauth2/authorize",
				TokenURL:    "https://api.twitter.com/2/oauth2/token",
				UserInfoURL: "https://api.twitter.com/2/users/me",
				Scopes:      []string{"tweet.read", "users.read", "offline.access"},
				PKCE:        true,
			},
		},
		fields: profileFields{id: []string{"data.id"}, name: []string{"data.name", "data.username"}},
	},
	{
		desc: Descriptor{
			ID:          "device-health",
			DisplayName: "Device Health",
			Capability:  CapabilityHealth,
			DataTypes:   []string{"heart_rate", "steps", "sleep"},
		},
	},
	{
		desc: Descriptor{
			ID:          "device-location",
			DisplayName: "Device Location",
			Capability:  CapabilityLocation,
			DataTypes:   []string{"visits", "current"},
		},
	},
}

// NewSource builds an adapter from a descriptor. Profile id and name are
// read from the first non-empty of the given dotted userinfo paths.
func NewSource(desc Descriptor, fetcher DataFetcher, idPaths, namePaths []string) *Source {
	return &Source{desc: desc, fetcher: fetcher, fields: profileFields{id: idPaths, name: namePaths}}
}

// Builtins returns the bundled adapters with provider settings from cfg
// applied over their default endpoints.
func Builtins(cfg config.OAuthConfig, fetcher DataFetcher) []Adapter {
	out := make([]Adapter, 0, len(builtins))
	for _, b := range builtins {
		d := b.desc
		d.DataTypes = append([]string(nil), b.desc.DataTypes...)
		if b.desc.OAuth != nil {
			o := *b.desc.OAuth
			o.Scopes = append([]string(nil), o.Scopes...)
			o.RedirectURL = cfg.RedirectURL
			if p, ok := cfg.Providers[d.ID]; ok {
				o.ClientID = p.ClientID
				o.ClientSecret = p.ClientSecret
				if p.AuthURL != "" {
					o.AuthURL = p.AuthURL
				}
				if p.TokenURL != "" {
					o.TokenURL = p.TokenURL
				}
				if p.UserInfoURL != "" {
					o.UserInfoURL = p.UserInfoURL
				}
				if len(p.Scopes) > 0 {
					o.Scopes = append([]string(nil), p.Scopes...)
				}
			}
			d.OAuth = &o
		}
		out = append(out, &Source{desc: d, fields: b.fields, fetcher: fetcher})
	}
	return out
}
