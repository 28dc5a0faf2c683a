package user

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/classesnumeriques/platform/core"
)

// Password reset tokens have the form "<day>-<signature>", where day is the base 36 number of days
// since tokenEpoch. The signature covers the password hash & last login, so that a token stops working
// once the password is changed or the user logs in.

var (
	tokenSalt  = []byte("classesnumeriques.user.password-reset")
	tokenEpoch = time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)
	NowFunc    = time.Now // mockable

	// errors
	errInvalidToken = errors.New("invalid token")
	errTokenExpired = errors.New("token expired")
)

// EncodeUID base64 encodes the ID of `usr` for use in reset links.
func EncodeUID(usr User) string {
	return base64.RawURLEncoding.EncodeToString([]byte(usr.ID))
}

func decodeUID(uid string) (string, error) {
	id, err := base64.RawURLEncoding.DecodeString(uid)
	if err != nil {
		return "", err
	}
	return string(id), nil
}

// MakeToken generates a password reset token for `usr`.
func MakeToken(usr User) (string, error) {
	return tokenForDay(usr, daysSinceEpoch(NowFunc())), nil
}

func verifyToken(usr User, token string) error {
	dayStr, sig, ok := strings.Cut(token, "-")
	if !ok || dayStr == "" || sig == "" {
		return errInvalidToken
	}
	day, err := strconv.ParseInt(dayStr, 36, 32)
	if err != nil || day < 0 {
		return errInvalidToken
	}

	if !hmac.Equal([]byte(tokenForDay(usr, int(day))), []byte(token)) {
		return errInvalidToken
	}

	maxAge := int(core.Conf.PasswordResetTimeoutDelta / (24 * time.Hour))
	if daysSinceEpoch(NowFunc())-int(day) > maxAge {
		return errTokenExpired
	}
	return nil
}

func tokenForDay(usr User, day int) string {
	mac := hmac.New(sha256.New, signingKey())
	mac.Write([]byte(usr.ID))
	mac.Write(usr.PasswordHash)
	if !usr.LastLogin.IsZero() {
		var ts [8]byte
		binary.BigEndian.PutUint64(ts[:], uint64(usr.LastLogin.UTC().Unix()))
		mac.Write(ts[:])
	}
	mac.Write([]byte(strconv.Itoa(day)))
	return strconv.FormatInt(int64(day), 36) + "-" + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func signingKey() []byte {
	key := sha256.Sum256(append(append([]byte{}, tokenSalt...), core.Conf.SecretKey...))
	return key[:]
}

func daysSinceEpoch(t time.Time) int {
	return int(t.UTC().Sub(tokenEpoch) / (24 * time.Hour))
}
