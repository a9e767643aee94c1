package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"idia-astro/go-toolvisor/pkg/httpHelpers"
)

var ErrUnauthorized = errors.New("unauthorized")

type Source string

const (
	SourceNone   Source = ""
	SourceBearer Source = "bearer"
)

type Client struct {
	Name   string
	Source Source
}

type Authenticator interface {
	AuthenticateHTTP(w http.ResponseWriter, r *http.Request) (*Client, error)
}

// NoopAuthenticator is used when no token is configured.
type NoopAuthenticator struct{}

func (NoopAuthenticator) AuthenticateHTTP(w http.ResponseWriter, r *http.Request) (*Client, error) {
	return &Client{Name: "anonymous", Source: SourceNone}, nil
}

// BearerAuthenticator accepts a single static token.
type BearerAuthenticator struct {
	token []byte
}

func (b BearerAuthenticator) AuthenticateHTTP(w http.ResponseWriter, r *http.Request) (*Client, error) {
	got := httpHelpers.BearerToken(r)
	if got == "" || subtle.ConstantTimeCompare([]byte(got), b.token) != 1 {
		return nil, ErrUnauthorized
	}
	return &Client{Name: "token", Source: SourceBearer}, nil
}

// ForToken picks the authenticator for an optional token.
func ForToken(token string) Authenticator {
	if token == "" {
		return NoopAuthenticator{}
	}
	return BearerAuthenticator{token: []byte(token)}
}

// Multi accepts a request if any backend does.
type MultiAuthenticator struct {
	backends []Authenticator
}

func Multi(backends ...Authenticator) MultiAuthenticator {
	return MultiAuthenticator{backends: backends}
}

func (m MultiAuthenticator) AuthenticateHTTP(w http.ResponseWriter, r *http.Request) (*Client, error) {
	lastErr := ErrUnauthorized
	for _, b := range m.backends {
		c, err := b.AuthenticateHTTP(w, r)
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// ForSurfaces builds the ingest and subscribe authenticators. An empty ingest
// token falls back to the subscribe token. When subscribing is protected the
// ingest token is accepted there as well.
func ForSurfaces(ingestToken, subscribeToken string) (ingest, subscribe Authenticator) {
	if ingestToken == "" {
		ingestToken = subscribeToken
	}
	ingest = ForToken(ingestToken)
	subscribe = ForToken(subscribeToken)
	if subscribeToken != "" && ingestToken != subscribeToken {
		subscribe = Multi(subscribe, ingest)
	}
	return ingest, subscribe
}
