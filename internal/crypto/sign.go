// Package crypto provides request signing and API-secret key management for
// the Kraken private API.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"net/url"
)

// APIAuth holds the credentials for HMAC-authenticated Kraken requests.
type APIAuth struct {
	Key    string // API key
	Secret string // API secret, base64-encoded
}

// Sign computes the API-Sign header value for a private endpoint request:
// HMAC-SHA512(base64-decoded secret, path + SHA256(nonce + postdata)),
// base64-encoded. The nonce must also appear inside postdata.
func (a *APIAuth) Sign(path, nonce string, postdata url.Values) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(a.Secret)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding api secret: %w", err)
	}

	inner := sha256.Sum256([]byte(nonce + postdata.Encode()))

	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(inner[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// String returns a redacted representation suitable for logging.
func (a *APIAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("APIAuth{key=%s, secret=%s}", redact(a.Key), redact(a.Secret))
}
