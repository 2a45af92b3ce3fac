// Package auth signs Kalshi API requests with RSA-PSS signatures.
package auth

import (
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
	"strings"
	"time"
)

// ErrInvalidKey indicates the configured private key could not be parsed
// or is not RSA. It is fatal at startup.
var ErrInvalidKey = errors.New("invalid signing key")

// WebSocketPath is the path signed for WebSocket handshakes.
const WebSocketPath = "/trade-api/ws/v2"

// Signer holds the API key id and private key and produces the
// KALSHI-ACCESS-* headers.
type Signer struct {
	KeyID      string
	PrivateKey *rsa.PrivateKey
}

// NewSigner loads the private key from a PEM file and returns a signer.
func NewSigner(keyID, privateKeyPath string) (*Signer, error) {
	if keyID == "" {
		return nil, fmt.Errorf("API key ID is required")
	}
	if privateKeyPath == "" {
		return nil, fmt.Errorf("private key path is required")
	}

	key, err := LoadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}

	return &Signer{KeyID: keyID, PrivateKey: key}, nil
}

// LoadPrivateKey loads an RSA private key from a PEM file, accepting
// PKCS#8 and falling back to PKCS#1.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in %s", ErrInvalidKey, path)
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: key is not RSA", ErrInvalidKey)
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	return rsaKey, nil
}

// SignRequest produces the auth headers for one REST request. The signed
// message is timestamp_ms + METHOD + path.
func (s *Signer) SignRequest(method, path string) (map[string]string, error) {
	timestampMs := time.Now().UnixMilli()

	signature, err := s.sign(timestampMs, strings.ToUpper(method), path)
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"KALSHI-ACCESS-KEY":       s.KeyID,
		"KALSHI-ACCESS-TIMESTAMP": fmt.Sprintf("%d", timestampMs),
		"KALSHI-ACCESS-SIGNATURE": signature,
	}, nil
}

// SignWebSocket produces the auth headers for the WebSocket handshake.
func (s *Signer) SignWebSocket() (map[string]string, error) {
	return s.SignRequest("GET", WebSocketPath)
}

func (s *Signer) sign(timestampMs int64, method, path string) (string, error) {
	message := fmt.Sprintf("%d%s%s", timestampMs, method, path)
	hashed := sha256.Sum256([]byte(message))

	signature, err := rsa.SignPSS(
		rand.Reader,
		s.PrivateKey,
		crypto.SHA256,
		hashed[:],
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash},
	)
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}

	return base64.StdEncoding.EncodeToString(signature), nil
}
