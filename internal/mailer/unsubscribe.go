package mailer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// UnsubscribeToken signs a recipient address for the one-click unsubscribe link.
func UnsubscribeToken(secret, email string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyUnsubscribeToken checks a token produced by UnsubscribeToken in constant time.
func VerifyUnsubscribeToken(secret, email, token string) bool {
	if secret == "" || token == "" {
		return false
	}
	want := UnsubscribeToken(secret, email)
	return hmac.Equal([]byte(want), []byte(strings.ToLower(token)))
}

// UnsubscribeURL returns the one-click link, or "" without a base URL or secret.
func UnsubscribeURL(baseURL, secret, email string) string {
	if baseURL == "" || secret == "" {
		return ""
	}
	q := url.Values{}
	q.Set("email", email)
	q.Set("token", UnsubscribeToken(secret, email))
	return strings.TrimRight(baseURL, "/") + "/unsubscribe?" + q.Encode()
}
