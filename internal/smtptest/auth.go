package smtptest

import (
	"encoding/base64"
	"errors"
	"slices"
	"strings"
)

var (
	errBadEncoding = errors.New("invalid base64 encoding")
	errBadFormat   = errors.New("invalid AUTH PLAIN format")
	errAuthFailed  = errors.New("authentication failed")
)

// authenticator checks SMTP AUTH exchanges against one account.
type authenticator struct {
	username   string
	password   string
	mechanisms []string
}

func newAuthenticator(username, password string, mechanisms []string) *authenticator {
	if len(mechanisms) == 0 {
		mechanisms = []string{"PLAIN", "LOGIN"}
	}
	upper := make([]string, len(mechanisms))
	for i, m := range mechanisms {
		upper[i] = strings.ToUpper(m)
	}
	return &authenticator{username: username, password: password, mechanisms: upper}
}

// enabled reports whether AUTH is advertised and required.
func (a *authenticator) enabled() bool {
	return a.username != "" && a.password != ""
}

func (a *authenticator) offers(mech string) bool {
	return slices.Contains(a.mechanisms, strings.ToUpper(mech))
}

// verifyPlain checks base64(authzid \0 authcid \0 password).
func (a *authenticator) verifyPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return errBadEncoding
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return errBadFormat
	}
	return a.check(parts[1], parts[2])
}

// verifyLogin checks the two base64 answers of the LOGIN exchange.
func (a *authenticator) verifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return errBadEncoding
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return errBadEncoding
	}
	return a.check(string(user), string(pass))
}

func (a *authenticator) check(user, pass string) error {
	if user != a.username || pass != a.password {
		return errAuthFailed
	}
	return nil
}
