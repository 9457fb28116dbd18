// Package auth implements the stateless signed bearer-token codec:
// issuance on login and the five-step verification contract
// verify(bearer-token) -> Principal | AuthError.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	gateway "github.com/portcullis-gw/portcullis/internal"
)

// algHS256 is the only signing algorithm this gateway accepts.
const algHS256 = "HS256"

type header struct {
	Alg string `json:"alg"`
}

type claims struct {
	Sub    string   `json:"sub"`
	Roles  []string `json:"roles,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
	Iat    int64    `json:"iat"`
	Exp    int64    `json:"exp"`
	Nbf    int64    `json:"nbf,omitempty"`
}

// Issuer mints signed tokens for successful logins.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an Issuer signing tokens with secret, valid for ttl.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue mints a signed token for subject carrying roles and scopes, and
// returns the token along with its remaining lifetime in seconds.
func (iss *Issuer) Issue(subject string, roles, scopes []string) (token string, expiresIn int64, err error) {
	now := iss.now()
	c := claims{
		Sub:    subject,
		Roles:  roles,
		Scopes: scopes,
		Iat:    now.Unix(),
		Exp:    now.Add(iss.ttl).Unix(),
	}
	token, err = encode(iss.secret, c)
	if err != nil {
		return "", 0, err
	}
	return token, int64(iss.ttl.Seconds()), nil
}

func encode(secret []byte, c claims) (string, error) {
	h, err := json.Marshal(header{Alg: algHS256})
	if err != nil {
		return "", err
	}
	p, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	headerSeg := base64.RawURLEncoding.EncodeToString(h)
	payloadSeg := base64.RawURLEncoding.EncodeToString(p)
	signingInput := headerSeg + "." + payloadSeg
	sig := sign(secret, signingInput)
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func sign(secret []byte, signingInput string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}

// Verifier validates bearer tokens against the configured signing secret.
type Verifier struct {
	secret    []byte
	clockSkew time.Duration
	now       func() time.Time
}

// NewVerifier creates a Verifier checking signatures with secret and
// tolerating clockSkew around exp/nbf boundaries.
func NewVerifier(secret string, clockSkew time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), clockSkew: clockSkew, now: time.Now}
}

// Verify runs the five ordered verification steps, each fatal on mismatch.
func (v *Verifier) Verify(token string) (*gateway.Principal, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, gateway.ErrMalformed
	}
	headerSeg, payloadSeg, sigSeg := parts[0], parts[1], parts[2]

	headerRaw, err := base64.RawURLEncoding.DecodeString(headerSeg)
	if err != nil {
		return nil, gateway.ErrMalformed
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(payloadSeg)
	if err != nil {
		return nil, gateway.ErrMalformed
	}
	sigGiven, err := base64.RawURLEncoding.DecodeString(sigSeg)
	if err != nil {
		return nil, gateway.ErrMalformed
	}

	var h header
	if err := json.Unmarshal(headerRaw, &h); err != nil {
		return nil, gateway.ErrMalformed
	}
	if h.Alg != algHS256 {
		return nil, fmt.Errorf("%w: unsupported alg %q", gateway.ErrMalformed, h.Alg)
	}

	want := sign(v.secret, headerSeg+"."+payloadSeg)
	if !hmac.Equal(want, sigGiven) {
		return nil, gateway.ErrUnauthorized
	}

	var c claims
	if err := json.Unmarshal(payloadRaw, &c); err != nil {
		return nil, gateway.ErrMalformed
	}
	if c.Sub == "" {
		return nil, gateway.ErrMalformed
	}

	now := v.now()
	if c.Exp == 0 || now.After(time.Unix(c.Exp, 0).Add(v.clockSkew)) {
		return nil, gateway.ErrTokenExpired
	}
	if c.Nbf != 0 && now.Before(time.Unix(c.Nbf, 0).Add(-v.clockSkew)) {
		return nil, gateway.ErrTokenNotYetValid
	}

	return &gateway.Principal{
		Subject: c.Sub,
		Roles:   c.Roles,
		Scopes:  c.Scopes,
		Expiry:  time.Unix(c.Exp, 0),
	}, nil
}
