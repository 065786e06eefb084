package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims the gateway reads.
type Claims struct {
	Broker     string `json:"broker,omitempty"`
	MaxSymbols int    `json:"max_symbols,omitempty"`
	jwt.RegisteredClaims
}

// JWTValidator accepts HS256 tokens signed with a shared secret, or RS256
// tokens when a public key is configured.
type JWTValidator struct {
	secret    []byte
	publicKey *rsa.PublicKey
	parser    *jwt.Parser
}

// JWTOptions configures a JWTValidator. Exactly one of Secret and PublicKey
// must be set.
type JWTOptions struct {
	Secret    string
	PublicKey *rsa.PublicKey
	Issuer    string        // Required "iss" when set
	Leeway    time.Duration // Clock skew tolerance
}

// NewJWTValidator returns a validator for opts.
func NewJWTValidator(opts JWTOptions) (*JWTValidator, error) {
	if (opts.Secret == "") == (opts.PublicKey == nil) {
		return nil, fmt.Errorf("jwt: exactly one of secret and public key is required")
	}

	method := jwt.SigningMethodHS256.Alg()
	if opts.PublicKey != nil {
		method = jwt.SigningMethodRS256.Alg()
	}
	popts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{method}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(opts.Leeway),
	}
	if opts.Issuer != "" {
		popts = append(popts, jwt.WithIssuer(opts.Issuer))
	}

	return &JWTValidator{
		secret:    []byte(opts.Secret),
		publicKey: opts.PublicKey,
		parser:    jwt.NewParser(popts...),
	}, nil
}

func (v *JWTValidator) key(*jwt.Token) (any, error) {
	if v.publicKey != nil {
		return v.publicKey, nil
	}
	return v.secret, nil
}

// ValidateClientToken parses and verifies token. The subject becomes the
// client id.
func (v *JWTValidator) ValidateClientToken(ctx context.Context, token string) (Identity, error) {
	var claims Claims
	if _, err := v.parser.ParseWithClaims(token, &claims, v.key); err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrAuth, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrAuth)
	}
	if claims.MaxSymbols < 0 {
		return Identity{}, fmt.Errorf("%w: negative max_symbols", ErrAuth)
	}
	return Identity{ClientID: claims.Subject, Account: claims.Broker, MaxSymbols: claims.MaxSymbols}, nil
}

// LoadPublicKey loads an RSA public key from a PEM file holding either a
// PKIX public key or a certificate.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	if block.Type == "CERTIFICATE" {
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		key, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("certificate key is not RSA")
		}
		return key, nil
	}

	// Try PKIX first, then PKCS#1
	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("key is not an RSA public key")
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return key, nil
}
