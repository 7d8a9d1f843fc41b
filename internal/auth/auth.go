// Package auth implements the per-message authentication code the fleet
// carries in the x-syncml-hmac transport header.
//
// The construction is pinned against captured reference traffic from the
// original fleet:
//
//	key      = B64(MD5(username ":" password))
//	material = nonce || ":" || B64(MD5(body))
//	mac      = B64(HMAC-MD5(key, material))
//
// The nonce is mixed into the hashed material, not the key, and the MAC
// covers the full body bytes. MD5 is fixed by the device's decoder; it is
// not a choice this package gets to revisit.
package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

var (
	ErrMissingHeader  = errors.New("auth: missing hmac header")
	ErrBadHeader      = errors.New("auth: malformed hmac header")
	ErrUnknownUser    = errors.New("auth: unknown username")
	ErrBadAlgorithm   = errors.New("auth: unsupported algorithm")
	ErrBadCredentials = errors.New("auth: mac mismatch")
)

// Result classifies a verification outcome.
type Result int

const (
	// Accepted: the MAC verified against the session nonce.
	Accepted Result = iota
	// ChallengeRequired: no usable credential yet; issue a fresh nonce and
	// an authentication-required status instead of processing commands.
	ChallengeRequired
	// Rejected: the credential failed against a previously issued nonce.
	Rejected
)

// Header is the parsed authentication tuple from the transport header:
// algorithm=MD5, username=<user>, mac=<b64 digest>.
type Header struct {
	Algorithm string
	Username  string
	MAC       string
}

// Secrets resolves the shared secret for a claimed username.
type Secrets interface {
	Password(username string) (string, bool)
}

// StaticSecrets is a fixed username/password table, sufficient for a fleet
// that shares one provisioning credential.
type StaticSecrets map[string]string

func (s StaticSecrets) Password(username string) (string, bool) {
	pw, ok := s[username]
	return pw, ok
}

// ParseHeader parses the comma-separated key=value transport header.
func ParseHeader(raw string) (Header, error) {
	if strings.TrimSpace(raw) == "" {
		return Header{}, ErrMissingHeader
	}
	var h Header
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "algorithm":
			h.Algorithm = strings.TrimSpace(value)
		case "username":
			h.Username = strings.TrimSpace(value)
		case "mac":
			h.MAC = strings.TrimSpace(value)
		}
	}
	if h.MAC == "" || h.Username == "" {
		return Header{}, ErrBadHeader
	}
	return h, nil
}

// Format renders the header value for a response.
func (h Header) Format() string {
	return "algorithm=" + h.Algorithm + ", username=" + h.Username + ", mac=" + h.MAC
}

// Authenticator verifies inbound MACs and signs outbound bodies.
type Authenticator struct {
	secrets        Secrets
	serverUsername string
	serverPassword string
}

// New constructs an authenticator over the given secret store and the
// server-side identity used for signing responses.
func New(secrets Secrets, serverUsername, serverPassword string) *Authenticator {
	return &Authenticator{
		secrets:        secrets,
		serverUsername: serverUsername,
		serverPassword: serverPassword,
	}
}

// Compute derives the MAC for the given credentials, nonce, and body.
func Compute(username, password string, nonce, body []byte) string {
	credHash := md5.Sum([]byte(username + ":" + password))
	key := base64.StdEncoding.EncodeToString(credHash[:])

	bodyHash := md5.Sum(body)
	bodyB64 := base64.StdEncoding.EncodeToString(bodyHash[:])

	material := make([]byte, 0, len(nonce)+1+len(bodyB64))
	material = append(material, nonce...)
	material = append(material, ':')
	material = append(material, bodyB64...)

	mac := hmac.New(md5.New, []byte(key))
	mac.Write(material)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks the supplied header against the body and session nonce.
// nonceIssued reports whether the server already challenged this session;
// it decides between challenge and reject on failure.
func (a *Authenticator) Verify(h Header, body, nonce []byte, nonceIssued bool) (Result, error) {
	if h.Algorithm != "" && !strings.EqualFold(h.Algorithm, "MD5") {
		return Rejected, ErrBadAlgorithm
	}
	password, ok := a.secrets.Password(h.Username)
	if !ok {
		if nonceIssued {
			return Rejected, ErrUnknownUser
		}
		return ChallengeRequired, ErrUnknownUser
	}

	expected := Compute(h.Username, password, nonce, body)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(h.MAC)) == 1 {
		return Accepted, nil
	}
	if nonceIssued {
		return Rejected, ErrBadCredentials
	}
	return ChallengeRequired, ErrBadCredentials
}

// Sign produces the response header for the given body, keyed on the
// server identity and the client's nonce.
func (a *Authenticator) Sign(body, clientNonce []byte) Header {
	return Header{
		Algorithm: "MD5",
		Username:  a.serverUsername,
		MAC:       Compute(a.serverUsername, a.serverPassword, clientNonce, body),
	}
}

// NewNonce returns 16 bytes of fresh server nonce.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}
