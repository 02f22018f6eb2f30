// Package totp implements RFC 6238 time-based one-time passwords
// (HMAC-SHA1, 6 digits, 30 second steps).
package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	Period = 30
	Digits = 6
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

var ErrInvalidSecret = errors.New("totp: invalid secret")

// GenerateSecret returns 20 random bytes as unpadded base32.
func GenerateSecret() (string, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return b32.EncodeToString(raw), nil
}

func DecodeSecret(secret string) ([]byte, error) {
	raw, err := b32.DecodeString(strings.ToUpper(strings.TrimSpace(secret)))
	if err != nil || len(raw) == 0 {
		return nil, ErrInvalidSecret
	}
	return raw, nil
}

// OTPAuthURL builds the otpauth:// URI rendered as a QR code by authenticator apps.
func OTPAuthURL(issuer, accountName, secret string) string {
	label := url.PathEscape(issuer + ":" + accountName)
	q := url.Values{}
	q.Set("secret", secret)
	q.Set("issuer", issuer)
	q.Set("algorithm", "SHA1")
	q.Set("digits", fmt.Sprint(Digits))
	q.Set("period", fmt.Sprint(Period))
	return "otpauth://totp/" + label + "?" + q.Encode()
}

func Step(t time.Time) int64 {
	return t.Unix() / Period
}

// Code returns the code for the step containing t.
func Code(secret []byte, t time.Time) string {
	return hotp(secret, Step(t))
}

// Verify accepts code if it matches any step within ±window of t. Steps at or
// before lastUsed are skipped so an accepted code cannot be replayed. The
// matching step is returned for the caller to persist as the new lastUsed.
func Verify(secret []byte, code string, t time.Time, window int, lastUsed int64) (bool, int64) {
	code = strings.TrimSpace(code)
	if len(code) != Digits {
		return false, 0
	}
	current := Step(t)
	for step := current - int64(window); step <= current+int64(window); step++ {
		if step <= lastUsed {
			continue
		}
		if hmac.Equal([]byte(hotp(secret, step)), []byte(code)) {
			return true, step
		}
	}
	return false, 0
}

func hotp(secret []byte, counter int64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%0*d", Digits, bin%1_000_000)
}
