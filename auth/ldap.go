package auth

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// LDAP authenticates by binding to a directory server with a DN
// built from a template, e.g. "uid=%s,ou=people,dc=example,dc=com".
// Binding (rather than a search-then-compare) lets the directory
// enforce its own password policy.
type LDAP struct {
	Addr       string // e.g. "ldaps://ldap.example.com:636"
	BindDNTmpl string // "%s" is replaced with the username
}

func (l *LDAP) Authenticate(username, password string) (user string, err error) {
	if password == "" {
		// An LDAP bind with an empty password succeeds anonymously on
		// many servers, which must never be treated as authentication.
		return "", ErrBadCredentials
	}
	conn, err := ldap.DialURL(l.Addr)
	if err != nil {
		return "", fmt.Errorf("auth: ldap dial: %w", err)
	}
	defer conn.Close()

	dn := strings.Replace(l.BindDNTmpl, "%s", ldap.EscapeFilter(username), 1)
	if err := conn.Bind(dn, password); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return "", ErrBadCredentials
		}
		return "", fmt.Errorf("auth: ldap bind: %w", err)
	}
	return username, nil
}
