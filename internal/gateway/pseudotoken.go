package gateway

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// pseudoTokenPrefix marks bearer values minted by the autoconnect route, so
// they can be told apart from real OAuth access tokens.
const pseudoTokenPrefix = "uwp."

// pseudoTokenVersion is authenticated as additional data.
const pseudoTokenVersion byte = 0x01

var (
	errPseudoTokenInvalid = errors.New("session token is invalid")
	errPseudoTokenExpired = errors.New("session token has expired")
)

type sealedCredentials struct {
	Username string `json:"u"`
	Password string `json:"p"`
	Expiry   int64  `json:"exp"`
}

// sealCredentials encrypts a Basic-Auth pair with XChaCha20-Poly1305:
//
//	uwp. base64url( version | nonce(24) | ciphertext+tag )
func sealCredentials(key *[32]byte, username, password string, expiry time.Time) (string, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}

	plaintext, err := json.Marshal(sealedCredentials{Username: username, Password: password, Expiry: expiry.Unix()})
	if err != nil {
		return "", err
	}

	out := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(plaintext)+chacha20poly1305.Overhead)
	out[0] = pseudoTokenVersion
	if _, err := io.ReadFull(rand.Reader, out[1:]); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	out = aead.Seal(out, out[1:], plaintext, []byte{pseudoTokenVersion})
	return pseudoTokenPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// openCredentials reverses sealCredentials and rejects expired tokens.
func openCredentials(key *[32]byte, token string, now time.Time) (username, password string, err error) {
	raw, ok := strings.CutPrefix(token, pseudoTokenPrefix)
	if !ok {
		return "", "", errPseudoTokenInvalid
	}
	blob, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil || len(blob) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return "", "", errPseudoTokenInvalid
	}
	if blob[0] != pseudoTokenVersion {
		return "", "", errPseudoTokenInvalid
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return "", "", fmt.Errorf("creating cipher: %w", err)
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], []byte{pseudoTokenVersion})
	if err != nil {
		return "", "", errPseudoTokenInvalid
	}

	var creds sealedCredentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return "", "", errPseudoTokenInvalid
	}
	if !now.Before(time.Unix(creds.Expiry, 0)) {
		return "", "", errPseudoTokenExpired
	}
	return creds.Username, creds.Password, nil
}

func isPseudoToken(bearer string) bool {
	return strings.HasPrefix(bearer, pseudoTokenPrefix)
}
