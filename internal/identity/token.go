// Package identity derives the local session identity from access tokens.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chat-session/internal/models"
)

var (
	ErrMissingToken = errors.New("missing identity token")
	ErrExpiredToken = errors.New("identity token expired")
)

// Claims are the session claims read from a JWT access token.
type Claims struct {
	Name       string `json:"name,omitempty"`
	LoginID    string `json:"login_id,omitempty"`
	Role       string `json:"role,omitempty"`
	SubjectTag string `json:"subject_tag,omitempty"`
	jwt.RegisteredClaims
}

// StripBearer removes an optional "Bearer " prefix.
func StripBearer(token string) string {
	token = strings.TrimSpace(token)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		return strings.TrimSpace(token[7:])
	}
	return token
}

// CheckToken rejects empty tokens and JWTs whose exp has passed.
// Opaque tokens are accepted as-is; the broker validates them.
func CheckToken(token string) error {
	token = StripBearer(token)
	if token == "" {
		return ErrMissingToken
	}
	if strings.Count(token, ".") != 2 {
		return nil
	}
	claims, err := ParseClaims(token)
	if err != nil {
		return err
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return ErrExpiredToken
	}
	return nil
}

// ParseClaims decodes JWT claims without verifying the signature. The token is
// only used to label the local session; the broker and REST collaborators
// verify it.
func ParseClaims(token string) (Claims, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(StripBearer(token), &claims); err != nil {
		return Claims{}, fmt.Errorf("parse token: %w", err)
	}
	return claims, nil
}

// SessionFromToken builds a SessionContext from JWT claims. It is the fallback
// when no identity service address is configured.
func SessionFromToken(token string) (models.SessionContext, error) {
	if err := CheckToken(token); err != nil {
		return models.SessionContext{}, err
	}
	claims, err := ParseClaims(token)
	if err != nil {
		return models.SessionContext{}, err
	}
	if claims.Subject == "" {
		return models.SessionContext{}, errors.New("token has no subject")
	}
	return models.SessionContext{
		Self:  NewParticipant(claims.Subject, claims.LoginID, claims.Name, claims.Role, claims.SubjectTag),
		Token: StripBearer(token),
	}, nil
}

// NewParticipant normalizes raw identity fields into a Participant.
func NewParticipant(id, loginID, name, role, subject string) models.Participant {
	if name == "" {
		name = "user-" + id
	}
	p := models.Participant{
		ID:      id,
		LoginID: loginID,
		Name:    name,
		Subject: subject,
		Online:  true,
	}
	p.Avatar = string([]rune(name)[:1])
	switch strings.ToLower(role) {
	case "mentor", "responder":
		p.Role = models.RoleResponder
	default:
		p.Role = models.RoleSeeker
	}
	return p
}

// VerifyParticipant checks an HS256 token signed with secret and returns its
// participant. Unlike SessionFromToken the signature and expiry are enforced.
func VerifyParticipant(token string, secret []byte) (models.Participant, error) {
	token = StripBearer(token)
	if token == "" {
		return models.Participant{}, ErrMissingToken
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if errors.Is(err, jwt.ErrTokenExpired) {
		return models.Participant{}, ErrExpiredToken
	}
	if err != nil {
		return models.Participant{}, fmt.Errorf("verify token: %w", err)
	}
	if claims.Subject == "" {
		return models.Participant{}, errors.New("token has no subject")
	}
	return NewParticipant(claims.Subject, claims.LoginID, claims.Name, claims.Role, claims.SubjectTag), nil
}
