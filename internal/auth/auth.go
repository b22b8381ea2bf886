// Package auth provides token sources for the connection manager, including
// tokens signed with RSA-PSS.
package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// Errors
var (
	ErrEmptyToken     = errors.New("token is empty")
	ErrMalformedToken = errors.New("malformed signed token")
	ErrTokenExpired   = errors.New("signed token expired")
	ErrBadSignature   = errors.New("invalid token signature")
)

// Provider fetches a token. It matches connection.TokenProvider.
type Provider = func(ctx context.Context) (string, error)

// Static returns a provider that always yields token.
func Static(token string) Provider {
	return func(context.Context) (string, error) {
		if token == "" {
			return "", ErrEmptyToken
		}
		return token, nil
	}
}

// File returns a provider that re-reads path on every call, so a rotated
// token is picked up on the next fetch. Surrounding whitespace is trimmed.
func File(path string) Provider {
	return func(context.Context) (string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		token := strings.TrimSpace(string(data))
		if token == "" {
			return "", ErrEmptyToken
		}
		return token, nil
	}
}

// Shared wraps p so concurrent callers share one in-flight fetch.
func Shared(p Provider) Provider {
	var group singleflight.Group
	return func(ctx context.Context) (string, error) {
		v, err, _ := group.Do("token", func() (any, error) {
			return p(ctx)
		})
		if err != nil {
			return "", err
		}
		return v.(string), nil
	}
}

// Credentials holds the key ID and private key for signing tokens.
type Credentials struct {
	KeyID      string          // Key ID the server uses to look up the public key
	PrivateKey *rsa.PrivateKey // RSA private key for signing
}

// LoadCredentials loads credentials from key ID and private key file path.
func LoadCredentials(keyID, privateKeyPath string) (*Credentials, error) {
	if keyID == "" {
		return nil, fmt.Errorf("key ID is required")
	}
	if privateKeyPath == "" {
		return nil, fmt.Errorf("private key path is required")
	}

	privateKey, err := LoadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}

	return &Credentials{
		KeyID:      keyID,
		PrivateKey: privateKey,
	}, nil
}

// LoadPrivateKey loads an RSA private key from a PEM file.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	// Try PKCS#8 first (newer format)
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not an RSA private key")
		}
		return rsaKey, nil
	}

	// Fall back to PKCS#1 (older format)
	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return rsaKey, nil
}

// SignToken returns "<keyID>.<unixMillis>.<signature>" where the signature
// is RSA-PSS over SHA-256 of "<keyID>.<unixMillis>", base64 encoded.
func (c *Credentials) SignToken(now time.Time) (string, error) {
	message := c.KeyID + "." + strconv.FormatInt(now.UnixMilli(), 10)

	signature, err := sign(c.PrivateKey, message)
	if err != nil {
		return "", err
	}
	return message + "." + signature, nil
}

// TokenProvider returns a provider that signs a fresh token on every call.
func (c *Credentials) TokenProvider() Provider {
	return func(context.Context) (string, error) {
		return c.SignToken(time.Now())
	}
}

func sign(key *rsa.PrivateKey, message string) (string, error) {
	hashed := sha256.Sum256([]byte(message))

	signature, err := rsa.SignPSS(
		rand.Reader,
		key,
		crypto.SHA256,
		hashed[:],
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash},
	)
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}

	return base64.StdEncoding.EncodeToString(signature), nil
}

// VerifyToken checks a token produced by SignToken against pub. Tokens older
// than maxAge at now are rejected; maxAge <= 0 disables the age check. It
// returns the key ID.
func VerifyToken(pub *rsa.PublicKey, token string, now time.Time, maxAge time.Duration) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", ErrMalformedToken
	}
	keyID, stamp, encoded := parts[0], parts[1], parts[2]

	ms, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return "", ErrMalformedToken
	}
	if maxAge > 0 && now.Sub(time.UnixMilli(ms)) > maxAge {
		return "", ErrTokenExpired
	}

	signature, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrMalformedToken
	}

	hashed := sha256.Sum256([]byte(keyID + "." + stamp))
	err = rsa.VerifyPSS(pub, crypto.SHA256, hashed[:], signature,
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	if err != nil {
		return "", ErrBadSignature
	}
	return keyID, nil
}

// LoadPublicKey loads an RSA public key from a PEM file in PKIX or PKCS#1
// form.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("key is not an RSA public key")
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return rsaKey, nil
}
