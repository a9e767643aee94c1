package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"idia-astro/go-toolvisor/pkg/jsoncodec"
)

// Signer computes an HMAC-SHA256 over the event envelope {topic,id,ts}.
type Signer struct {
	secret []byte
}

// NewSigner returns nil when secret is empty.
func NewSigner(secret string) *Signer {
	if secret == "" {
		return nil
	}
	return &Signer{secret: []byte(secret)}
}

type envelope struct {
	Topic string `json:"topic"`
	ID    int64  `json:"id"`
	TS    int64  `json:"ts"`
}

func (s *Signer) Sign(e Event) string {
	if s == nil {
		return ""
	}
	payload, err := jsoncodec.Marshal(envelope{Topic: e.Topic, ID: e.ID, TS: e.TS})
	if err != nil {
		return ""
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig matches the event.
func (s *Signer) Verify(e Event, sig string) bool {
	if s == nil {
		return sig == ""
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	got, _ := hex.DecodeString(s.Sign(e))
	return hmac.Equal(got, want)
}
