package smtptest

import (
	"encoding/base64"
	"errors"
	"strings"
)

var errAuthFailed = errors.New("authentication failed")

// authenticator checks SMTP AUTH credentials against a single account.
type authenticator struct {
	username string
	password string
}

func newAuthenticator(username, password string) *authenticator {
	return &authenticator{username: username, password: password}
}

// enabled reports whether the server demands AUTH before MAIL.
func (a *authenticator) enabled() bool {
	return a.username != "" && a.password != ""
}

// verifyPlain decodes an AUTH PLAIN response: base64(authzid \0 authcid \0 password).
// It returns the authenticated user.
func (a *authenticator) verifyPlain(encoded string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.New("invalid base64 encoding")
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return "", errors.New("invalid AUTH PLAIN format")
	}

	user, pass := parts[1], parts[2]
	if user != a.username || pass != a.password {
		return "", errAuthFailed
	}
	return user, nil
}

// verifyLogin checks base64-encoded AUTH LOGIN answers.
func (a *authenticator) verifyLogin(encodedUser, encodedPass string) (string, error) {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return "", errors.New("invalid base64 username")
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return "", errors.New("invalid base64 password")
	}

	if string(user) != a.username || string(pass) != a.password {
		return "", errAuthFailed
	}
	return string(user), nil
}
