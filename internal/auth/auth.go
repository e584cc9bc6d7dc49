// Package auth holds the credential and token checks used by the fake sync
// server. Comparisons run in constant time.
package auth

import (
	"crypto/subtle"
	"errors"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates a session token.
type Validator interface {
	Validate(token string) error
}

// StaticToken accepts a single shared token.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if !equal(s.Token, token) {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// PasswordChecker verifies a login.
type PasswordChecker interface {
	Check(username, password string) error
}

// StaticPassword accepts one username/password pair.
type StaticPassword struct {
	Username string
	Password string
}

func (s StaticPassword) Check(username, password string) error {
	if s.Username == "" || s.Password == "" {
		return ErrUnauthorized
	}
	// both compared so a wrong username costs the same as a wrong password
	userOK := equal(s.Username, username)
	passOK := equal(s.Password, password)
	if !userOK || !passOK {
		return ErrUnauthorized
	}
	return nil
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
