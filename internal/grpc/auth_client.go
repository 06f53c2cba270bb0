package grpc

import (
	"context"
	"errors"
	"fmt"

	grpc "google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"chat-session/internal/identity"
	"chat-session/internal/models"
)

const validateTokenMethod = "/auth.AuthService/ValidateToken"

var ErrInvalidToken = errors.New("invalid token")

// AuthClient validates session tokens against the auth service.
type AuthClient struct {
	conn  grpc.ClientConnInterface
	users *UserClient
}

// NewAuthClient constructs the client. users may be nil, in which case the
// participant is built from the validation response alone.
func NewAuthClient(conn grpc.ClientConnInterface, users *UserClient) *AuthClient {
	return &AuthClient{conn: conn, users: users}
}

// ValidateToken verifies the token and returns the authenticated user id.
func (a *AuthClient) ValidateToken(ctx context.Context, token string) (string, *structpb.Struct, error) {
	req, err := structpb.NewStruct(map[string]any{"token": identity.StripBearer(token)})
	if err != nil {
		return "", nil, err
	}
	resp := new(structpb.Struct)
	if err := a.conn.Invoke(ctx, validateTokenMethod, req, resp); err != nil {
		return "", nil, fmt.Errorf("validate token: %w", err)
	}
	userID := stringField(resp, "user_id")
	if !boolField(resp, "valid") || userID == "" || userID == "0" {
		return "", nil, ErrInvalidToken
	}
	return userID, resp, nil
}

// ResolveSession validates token and builds the session identity.
func (a *AuthClient) ResolveSession(ctx context.Context, token string) (models.SessionContext, error) {
	userID, resp, err := a.ValidateToken(ctx, token)
	if err != nil {
		return models.SessionContext{}, err
	}

	self := identity.NewParticipant(userID,
		stringField(resp, "login_id"),
		stringField(resp, "name"),
		stringField(resp, "role"),
		stringField(resp, "subject"))
	if a.users != nil {
		if p, err := a.users.GetParticipant(ctx, userID); err == nil {
			self = p
			self.Online = true
		}
	}
	return models.SessionContext{Self: self, Token: identity.StripBearer(token)}, nil
}

// Authenticate resolves a broker connection token to its participant.
func (a *AuthClient) Authenticate(ctx context.Context, token string) (models.Participant, error) {
	sc, err := a.ResolveSession(ctx, token)
	if err != nil {
		return models.Participant{}, err
	}
	return sc.Self, nil
}
