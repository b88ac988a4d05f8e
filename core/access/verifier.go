package access

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v4"

	"github.com/harborside-tech/marina/core/logger"
)

// TokenVerifierBuilder is a helper builder for TokenVerifier
type TokenVerifierBuilder struct {
	// PublicKeyDownloadURL is the download url for the identity provider's
	// public keys. In case of google, this would be
	//  "https://www.googleapis.com/oauth2/v1/certs"
	PublicKeyDownloadURL string
	// Issuer is the accepted issuer for the token
	Issuer string
	// Audience is the accepted audience for the token, typically the
	// OAuth2 client id
	Audience string
}

// TokenVerifier validates RS256 ID tokens against the identity provider's
// published key set and returns the token's subject.
type TokenVerifier struct {
	issuer   string
	audience string
	keys     map[string]interface{}
}

// NewTokenVerifier downloads the well-known keys and returns a verifier.
func NewTokenVerifier(b *TokenVerifierBuilder) (*TokenVerifier, error) {
	res, err := http.Get(b.PublicKeyDownloadURL)
	if err != nil {
		return nil, fmt.Errorf("cannot download public keys: %w", err)
	}
	defer res.Body.Close()

	var wellKnownCertificates map[string]string
	decoder := json.NewDecoder(res.Body)
	if err = decoder.Decode(&wellKnownCertificates); err != nil {
		return nil, fmt.Errorf("cannot decode public keys: %w", err)
	}

	rlog := logger.Default()
	wellKnownKeys := map[string]interface{}{}
	for kid, cert := range wellKnownCertificates {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cert))
		if err != nil {
			rlog.WithError(err).Warningln("certificate error for kid", kid)
		} else {
			wellKnownKeys[kid] = key
		}
	}
	if len(wellKnownKeys) == 0 {
		return nil, errors.New("no usable public keys")
	}

	return &TokenVerifier{
		issuer:   b.Issuer,
		audience: b.Audience,
		keys:     wellKnownKeys,
	}, nil
}

func (v *TokenVerifier) keyLookup(token *jwt.Token) (interface{}, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errors.New("token has no kid")
	}
	key, ok := v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("have %d well known keys, but not this one", len(v.keys))
	}
	return key, nil
}

// Verify validates the ID token and returns its subject.
func (v *TokenVerifier) Verify(ctx context.Context, rawToken string) (string, error) {
	claims := jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(rawToken, &claims, v.keyLookup,
		jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Issuer != v.issuer {
		return "", fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}
	if v.audience != "" && !claims.VerifyAudience(v.audience, true) {
		return "", errors.New("unexpected audience")
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}
