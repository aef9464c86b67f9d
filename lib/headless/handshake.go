/*
Copyright 2025 Worldgate, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package headless runs browser-backed world sessions. A caller who has
// no world of their own hands the relay a destination URL and
// credentials; the relay logs a headless browser into the world and the
// world's own module opens a socket back, after which the caller uses
// the ordinary relay API against it.
//
// Credentials cross the wire under a short-lived RSA handshake: the
// relay mints a keypair, the caller encrypts the password against the
// public half, and only the replica holding the private half can open
// it. Handshakes are strictly one-shot.
package headless

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/worldgate/worldgate"
	"github.com/worldgate/worldgate/lib/backend"
	"github.com/worldgate/worldgate/lib/defaults"
	"github.com/worldgate/worldgate/lib/utils"
)

const (
	// rsaKeyBits sizes the per-handshake keypair.
	rsaKeyBits = 2048

	// tokenBytes and nonceBytes size the hex-encoded handshake token
	// and replay nonce.
	tokenBytes = 32
	nonceBytes = 16
)

// Handshake is one minted credential exchange. The private key never
// leaves the coordination store and is deleted on first redemption.
type Handshake struct {
	// Token identifies the handshake.
	Token string
	// Credential is the API key the handshake was minted for.
	Credential string
	// URL is the world's login address.
	URL string
	// WorldName optionally picks a world from the setup screen.
	WorldName string
	// Username is the world-side account to log in as.
	Username string
	// PublicPEM and PrivatePEM hold the keypair.
	PublicPEM  string
	PrivatePEM string
	// Nonce must round-trip inside the encrypted payload.
	Nonce string
	// ExpiresAt bounds the redemption window.
	ExpiresAt time.Time
	// Instance is the replica that minted the handshake and will run
	// the browser.
	Instance string
}

// HandshakesConfig holds handshake manager parameters.
type HandshakesConfig struct {
	// InstanceID identifies this replica.
	InstanceID string
	// Store persists handshakes across replicas.
	Store backend.Store
	// Clock is used to override time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *HandshakesConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.InstanceID == "" {
		c.InstanceID = worldgate.LocalInstanceID
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Handshakes mints and redeems session handshakes.
type Handshakes struct {
	cfg   HandshakesConfig
	log   *log.Entry
	clock clockwork.Clock
}

// NewHandshakes returns a handshake manager.
func NewHandshakes(cfg HandshakesConfig) (*Handshakes, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Handshakes{
		cfg: cfg,
		log: log.WithFields(log.Fields{
			trace.Component: worldgate.ComponentHeadless,
		}),
		clock: cfg.Clock,
	}, nil
}

// MintParams are the caller-supplied handshake inputs.
type MintParams struct {
	// Credential is the caller's API key.
	Credential string
	// URL is the world's login address.
	URL string
	// WorldName optionally picks a world from the setup screen.
	WorldName string
	// Username is the world-side account to log in as.
	Username string
}

// Check validates the mint parameters.
func (p *MintParams) Check() error {
	if p.Credential == "" {
		return trace.BadParameter("missing credential")
	}
	if p.URL == "" {
		return trace.BadParameter("missing destination URL")
	}
	if p.Username == "" {
		return trace.BadParameter("missing username")
	}
	return nil
}

// Minted is the public half of a handshake, returned to the caller.
type Minted struct {
	// Token identifies the handshake on redemption.
	Token string `json:"token"`
	// PublicKey is the PEM the caller encrypts the password against.
	PublicKey string `json:"publicKey"`
	// Nonce must be included inside the encrypted payload.
	Nonce string `json:"nonce"`
	// ExpiresAt is the redemption deadline, RFC 3339.
	ExpiresAt string `json:"expiresAt"`
}

// Mint creates a handshake: a fresh RSA-2048 keypair, a one-shot token
// and a replay nonce, valid for five minutes.
func (h *Handshakes) Mint(ctx context.Context, p MintParams) (*Minted, error) {
	if err := p.Check(); err != nil {
		return nil, trace.Wrap(err)
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	token, err := utils.CryptoRandomHex(tokenBytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	nonce, err := utils.CryptoRandomHex(nonceBytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	hs := &Handshake{
		Token:      token,
		Credential: p.Credential,
		URL:        p.URL,
		WorldName:  p.WorldName,
		Username:   p.Username,
		PublicPEM:  string(publicPEM),
		PrivatePEM: string(privatePEM),
		Nonce:      nonce,
		ExpiresAt:  h.clock.Now().UTC().Add(defaults.HandshakeTTL),
		Instance:   h.cfg.InstanceID,
	}
	if err := h.cfg.Store.HSet(ctx, backend.HandshakeKey(token), hs.fields(), defaults.HandshakeTTL); err != nil {
		return nil, trace.Wrap(err)
	}

	h.log.WithFields(log.Fields{
		"key":      utils.CredentialPrefix(p.Credential),
		"instance": hs.Instance,
	}).Info("Minted session handshake.")
	return &Minted{
		Token:     hs.Token,
		PublicKey: hs.PublicPEM,
		Nonce:     hs.Nonce,
		ExpiresAt: hs.ExpiresAt.Format(time.RFC3339),
	}, nil
}

// Load fetches a handshake without consuming it. Absent or expired
// handshakes surface as access denied so the caller cannot distinguish
// a guessed token from a stale one.
func (h *Handshakes) Load(ctx context.Context, token string) (*Handshake, error) {
	fields, err := h.cfg.Store.HGetAll(ctx, backend.HandshakeKey(token))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.AccessDenied("handshake not found or expired")
		}
		return nil, trace.Wrap(err)
	}
	hs, err := handshakeFromFields(token, fields)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if h.clock.Now().After(hs.ExpiresAt) {
		return nil, trace.AccessDenied("handshake not found or expired")
	}
	return hs, nil
}

// loginPayload is the cleartext the caller encrypted against the
// handshake's public key.
type loginPayload struct {
	Password string `json:"password"`
	Nonce    string `json:"nonce"`
}

// Redeem verifies and consumes a handshake, returning it together with
// the decrypted world password. The handshake record is deleted before
// the password is released, so a second redemption can never succeed.
func (h *Handshakes) Redeem(ctx context.Context, credential, token, encryptedPayload string) (*Handshake, string, error) {
	hs, err := h.Load(ctx, token)
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	if hs.Credential != credential {
		return nil, "", trace.AccessDenied("handshake credential mismatch")
	}

	block, _ := pem.Decode([]byte(hs.PrivatePEM))
	if block == nil {
		return nil, "", trace.BadParameter("stored handshake key is malformed")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, "", trace.Wrap(err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encryptedPayload)
	if err != nil {
		return nil, "", trace.BadParameter("encrypted payload is not valid base64")
	}
	cleartext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, key, ciphertext, nil)
	if err != nil {
		return nil, "", trace.BadParameter("encrypted payload could not be decrypted")
	}
	var payload loginPayload
	if err := json.Unmarshal(cleartext, &payload); err != nil {
		return nil, "", trace.BadParameter("decrypted payload is not valid JSON")
	}
	if payload.Nonce != hs.Nonce {
		return nil, "", trace.AccessDenied("handshake nonce mismatch")
	}

	// One shot: the record goes away before the password is handed out.
	if _, err := h.cfg.Store.Del(ctx, backend.HandshakeKey(token)); err != nil {
		return nil, "", trace.Wrap(err)
	}
	h.log.WithField("key", utils.CredentialPrefix(credential)).Info("Redeemed session handshake.")
	return hs, payload.Password, nil
}

func (hs *Handshake) fields() map[string]string {
	return map[string]string{
		"credential": hs.Credential,
		"url":        hs.URL,
		"worldName":  hs.WorldName,
		"username":   hs.Username,
		"publicKey":  hs.PublicPEM,
		"privateKey": hs.PrivatePEM,
		"nonce":      hs.Nonce,
		"expiresAt":  hs.ExpiresAt.Format(time.RFC3339),
		"instance":   hs.Instance,
	}
}

func handshakeFromFields(token string, fields map[string]string) (*Handshake, error) {
	expires, err := time.Parse(time.RFC3339, fields["expiresAt"])
	if err != nil {
		return nil, trace.BadParameter("stored handshake is malformed")
	}
	return &Handshake{
		Token:      token,
		Credential: fields["credential"],
		URL:        fields["url"],
		WorldName:  fields["worldName"],
		Username:   fields["username"],
		PublicPEM:  fields["publicKey"],
		PrivatePEM: fields["privateKey"],
		Nonce:      fields["nonce"],
		ExpiresAt:  expires,
		Instance:   fields["instance"],
	}, nil
}
