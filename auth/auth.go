// Package auth authenticates IMAP and SMTP sessions against a
// configurable backend: a flat bcrypt password file or an LDAP
// directory. It also throttles repeated failures per remote address
// and per username, grounded on spilldb/db/auth.go's Authenticator.
package auth

import (
	"errors"
	"strings"

	"github.com/maildepot/maildepot/util/throttle"
)

// ErrBadCredentials is returned by Authenticate on a failed login,
// distinguished from a backend error so callers can choose a
// NO [AUTHENTICATIONFAILED] vs a NO [SERVERFAILURE] response.
var ErrBadCredentials = errors.New("auth: bad credentials")

// Backend verifies a username/password pair and reports the mailbox
// user directory name to operate on (usually the username itself).
type Backend interface {
	Authenticate(username, password string) (user string, err error)
}

// Authenticator wraps a Backend with failed-login throttling.
type Authenticator struct {
	Backend  Backend
	Throttle throttle.Throttle
}

// Authenticate verifies username/password, throttling repeated
// failures from the same remoteAddr or against the same username.
func (a *Authenticator) Authenticate(remoteAddr, username, password string) (user string, err error) {
	username = strings.TrimSpace(username)
	a.Throttle.Throttle(remoteAddr)
	a.Throttle.Throttle(username)

	user, err = a.Backend.Authenticate(username, password)
	if err != nil {
		a.Throttle.Add(remoteAddr)
		a.Throttle.Add(username)
		if errors.Is(err, ErrBadCredentials) {
			return "", ErrBadCredentials
		}
		return "", err
	}
	return user, nil
}
