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

const getUserMethod = "/user.UserInternal/GetUser"

var ErrUserNotFound = errors.New("user not found")

// UserClient looks participants up in the user service.
type UserClient struct {
	conn grpc.ClientConnInterface
}

// NewUserClient constructs the client.
func NewUserClient(conn grpc.ClientConnInterface) *UserClient {
	return &UserClient{conn: conn}
}

// GetParticipant retrieves user details as a Participant.
func (u *UserClient) GetParticipant(ctx context.Context, userID string) (models.Participant, error) {
	req, err := structpb.NewStruct(map[string]any{"user_id": userID})
	if err != nil {
		return models.Participant{}, err
	}
	resp := new(structpb.Struct)
	if err := u.conn.Invoke(ctx, getUserMethod, req, resp); err != nil {
		return models.Participant{}, fmt.Errorf("get user %s: %w", userID, err)
	}
	id := stringField(resp, "id")
	if id == "" || id == "0" {
		return models.Participant{}, ErrUserNotFound
	}
	p := identity.NewParticipant(id,
		stringField(resp, "login_id"),
		stringField(resp, "username"),
		stringField(resp, "role"),
		stringField(resp, "subject"))
	p.Online = boolField(resp, "online")
	return p, nil
}

// Resolve satisfies requests.Resolver.
func (u *UserClient) Resolve(ctx context.Context, participantID string) (models.Participant, error) {
	return u.GetParticipant(ctx, participantID)
}
