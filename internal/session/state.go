package session

import (
	"maps"
	"net/http"
	"time"
)

// State is what a provider login leaves behind: cookies, extra headers, an
// optional bearer token and whatever family-specific values later calls need.
type State struct {
	Cookies   []*http.Cookie    `json:"cookies,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Token     string            `json:"token,omitempty"`
	Values    map[string]string `json:"values,omitempty"`
	IssuedAt  time.Time         `json:"issued_at"`
	ExpiresAt time.Time         `json:"expires_at,omitempty"`
}

// Valid reports whether the state still authorises calls at now.
// A zero ExpiresAt means the store TTL is the only bound.
func (s *State) Valid(now time.Time) bool {
	if s == nil {
		return false
	}
	if s.Token == "" && len(s.Cookies) == 0 {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// Clone returns a deep copy so adapters can mutate it without racing other callers.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.Headers = maps.Clone(s.Headers)
	c.Values = maps.Clone(s.Values)
	if s.Cookies != nil {
		c.Cookies = make([]*http.Cookie, len(s.Cookies))
		for i, ck := range s.Cookies {
			cp := *ck
			c.Cookies[i] = &cp
		}
	}
	return &c
}

// SetCookies merges cookies into the state, replacing any with the same name.
func (s *State) SetCookies(cookies []*http.Cookie) {
	for _, ck := range cookies {
		replaced := false
		for i, existing := range s.Cookies {
			if existing.Name == ck.Name {
				s.Cookies[i] = ck
				replaced = true
				break
			}
		}
		if !replaced {
			s.Cookies = append(s.Cookies, ck)
		}
	}
}

func (s *State) Value(key string) string {
	if s == nil {
		return ""
	}
	return s.Values[key]
}

func (s *State) SetValue(key, value string) {
	if s.Values == nil {
		s.Values = make(map[string]string)
	}
	s.Values[key] = value
}
