// Package auth binds a session to the user of a bearer token. Token
// acquisition and signature checking belong to the backend; the client only
// reads the identity claims to know which messages are its own.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/connectus/chat-session/internal/chat"
)

var (
	ErrNoSubject    = errors.New("auth: token has no user id claim")
	ErrTokenExpired = errors.New("auth: token expired")
)

// Claim names checked for the user ID, in order.
var subjectClaims = []string{"sub", "user_id", "uid", "id"}

// Claim names checked for the display name, in order.
var nameClaims = []string{"nickname", "username", "uname", "name"}

// IdentityFromToken extracts the user identity from a JWT without verifying
// its signature.
func IdentityFromToken(token string) (chat.Identity, error) {
	return identityAt(token, time.Now())
}

func identityAt(token string, now time.Time) (chat.Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return chat.Identity{}, fmt.Errorf("auth: parse token: %w", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return chat.Identity{}, fmt.Errorf("auth: exp claim: %w", err)
	}
	if exp != nil && now.After(exp.Time) {
		return chat.Identity{}, ErrTokenExpired
	}

	id := firstClaim(claims, subjectClaims)
	if id == "" {
		return chat.Identity{}, ErrNoSubject
	}
	return chat.Identity{
		ID:     id,
		Name:   firstClaim(claims, nameClaims),
		Avatar: firstClaim(claims, []string{"avatar"}),
	}, nil
}

func firstClaim(claims jwt.MapClaims, names []string) string {
	for _, name := range names {
		switch v := claims[name].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}
