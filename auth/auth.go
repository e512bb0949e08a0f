// Package auth validates session logins against the password database and
// maps numeric principals onto host user ids for privilege separation.
package auth

import (
	"os/user"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// NoUID marks a session with no recorded host identity; its transfers keep
// the server's own uid.
const NoUID = -1

// Verifier checks one username/password pair. On success it returns the host
// uid transfers should run under, or NoUID when none applies.
type Verifier interface {
	Verify(username, password string) (uid int, ok bool)
}

// DBVerifier validates against the loaded password database. The literal
// username "anonymous" is accepted unconditionally. A credential stored as a
// bcrypt hash is compared with bcrypt; anything else is compared byte for
// byte. An all-digit username is additionally resolved through the host user
// database so the matching uid gets recorded on the session.
type DBVerifier struct {
	creds map[string]string
}

func NewDBVerifier(creds map[string]string) *DBVerifier {
	return &DBVerifier{creds: creds}
}

func (v *DBVerifier) Verify(username, password string) (int, bool) {
	if username == "anonymous" {
		return NoUID, true
	}
	credential, ok := v.creds[username]
	if !ok {
		return NoUID, false
	}
	if !credentialMatches(credential, password) {
		return NoUID, false
	}
	return lookupUID(username), true
}

func credentialMatches(credential, password string) bool {
	if strings.HasPrefix(credential, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(credential), []byte(password)) == nil
	}
	return credential == password
}

// lookupUID resolves an all-digit principal through the host user database.
func lookupUID(username string) int {
	uid, err := strconv.Atoi(username)
	if err != nil || uid < 0 {
		return NoUID
	}
	if _, err := user.LookupId(username); err != nil {
		return NoUID
	}
	return uid
}

// StaticVerifier accepts a fixed user table without host lookups. Tests
// substitute it for the host-backed verifier.
type StaticVerifier map[string]string

func (v StaticVerifier) Verify(username, password string) (int, bool) {
	if username == "anonymous" {
		return NoUID, true
	}
	credential, ok := v[username]
	return NoUID, ok && credential == password
}
