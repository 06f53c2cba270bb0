package requests

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-session/internal/mocks"
	"chat-session/internal/models"
)

var (
	alice = models.Participant{ID: "a", Name: "Alice", Role: models.RoleSeeker}
	bob   = models.Participant{ID: "b", Name: "Bob", Role: models.RoleResponder}
)

type fixture struct {
	neg      *Negotiator
	resolver *mocks.ResolverMock
	rooms    *mocks.RoomOpenerMock
	outbox   *mocks.RequestOutboxMock
}

func newFixture(self models.Participant) fixture {
	f := fixture{
		resolver: new(mocks.ResolverMock),
		rooms:    new(mocks.RoomOpenerMock),
		outbox:   new(mocks.RequestOutboxMock),
	}
	f.neg = NewNegotiator(models.SessionContext{Self: self}, f.resolver, f.rooms, f.outbox)
	seq := 0
	f.neg.newID = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	f.neg.now = func() time.Time { return time.Unix(1700000000, 0) }
	return f
}

func pendingFromAlice(id string) models.ChatRequest {
	return models.ChatRequest{ID: id, From: alice, To: bob, Status: models.RequestPending}
}

func TestSendRequestPublishesToTarget(t *testing.T) {
	f := newFixture(alice)
	f.resolver.On("Resolve", mock.Anything, "b").Return(bob, nil).Once()
	f.outbox.On("SendRequest", mock.Anything, mock.MatchedBy(func(r models.ChatRequest) bool {
		return r.From.ID == "a" && r.To.ID == "b" && r.Status == models.RequestPending
	})).Return(nil).Once()

	req, err := f.neg.SendRequest(context.Background(), "b")
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, "id-1", req.ID)
	assert.Len(t, f.neg.Outgoing(), 1)
	assert.Empty(t, f.neg.Pending())
	f.outbox.AssertExpectations(t)
}

func TestSendRequestUnresolvableTargetIsNoop(t *testing.T) {
	f := newFixture(alice)
	f.resolver.On("Resolve", mock.Anything, "ghost").Return(nil, errors.New("unknown user")).Once()

	req, err := f.neg.SendRequest(context.Background(), "ghost")
	assert.NoError(t, err)
	assert.Nil(t, req)
	assert.Empty(t, f.neg.Outgoing())
	f.outbox.AssertNotCalled(t, "SendRequest", mock.Anything, mock.Anything)
}

func TestSendRequestPublishFailureForgetsRequest(t *testing.T) {
	f := newFixture(alice)
	f.resolver.On("Resolve", mock.Anything, "b").Return(bob, nil).Once()
	f.outbox.On("SendRequest", mock.Anything, mock.Anything).Return(assert.AnError).Once()

	req, err := f.neg.SendRequest(context.Background(), "b")
	require.ErrorIs(t, err, assert.AnError)
	assert.Nil(t, req)
	assert.Empty(t, f.neg.Outgoing())
}

func TestReceiveCollapsesDuplicates(t *testing.T) {
	f := newFixture(bob)

	assert.True(t, f.neg.Receive(pendingFromAlice("r1")))
	assert.False(t, f.neg.Receive(pendingFromAlice("r1")))
	assert.Len(t, f.neg.Pending(), 1)
}

func TestReceiveIgnoresRequestsForOthers(t *testing.T) {
	f := newFixture(alice)
	assert.False(t, f.neg.Receive(pendingFromAlice("r1")))
	assert.Empty(t, f.neg.Pending())
}

func TestAcceptOpensRoomAndNotifiesSender(t *testing.T) {
	f := newFixture(bob)
	f.neg.Receive(pendingFromAlice("r1"))

	f.rooms.On("Open", mock.Anything, mock.MatchedBy(func(r models.ChatRoom) bool {
		return r.Participants[0].ID == "a" && r.Participants[1].ID == "b" && len(r.Messages) == 0
	})).Return(models.ChatRoom{ID: "id-1", Participants: [2]models.Participant{alice, bob}}, true).Once()
	f.outbox.On("SendAccepted", mock.Anything, mock.MatchedBy(func(r models.ChatRequest) bool {
		return r.ID == "r1" && r.Status == models.RequestAccepted
	}), mock.Anything).Return(nil).Once()

	room, err := f.neg.Accept(context.Background(), "r1")
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.Equal(t, "id-1", room.ID)
	assert.Empty(t, f.neg.Pending())

	again, err := f.neg.Accept(context.Background(), "r1")
	assert.NoError(t, err)
	assert.Nil(t, again)

	f.rooms.AssertNumberOfCalls(t, "Open", 1)
	f.outbox.AssertNumberOfCalls(t, "SendAccepted", 1)
}

func TestAcceptPublishFailureRestoresPending(t *testing.T) {
	f := newFixture(bob)
	f.neg.Receive(pendingFromAlice("r1"))
	notConnected := errors.New("not connected")

	f.rooms.On("Open", mock.Anything, mock.MatchedBy(func(r models.ChatRoom) bool { return r.ID == "id-1" })).
		Return(models.ChatRoom{ID: "id-1", Participants: [2]models.Participant{alice, bob}}, true).Once()
	f.rooms.On("Close", mock.Anything, "id-1").Return(nil).Once()
	f.outbox.On("SendAccepted", mock.Anything, mock.Anything, mock.MatchedBy(func(r models.ChatRoom) bool { return r.ID == "id-1" })).
		Return(notConnected).Once()

	room, err := f.neg.Accept(context.Background(), "r1")
	require.ErrorIs(t, err, notConnected)
	assert.Nil(t, room)
	require.Len(t, f.neg.Pending(), 1)
	assert.Equal(t, models.RequestPending, f.neg.Pending()[0].Status)

	f.rooms.On("Open", mock.Anything, mock.MatchedBy(func(r models.ChatRoom) bool { return r.ID == "id-2" })).
		Return(models.ChatRoom{ID: "id-2", Participants: [2]models.Participant{alice, bob}}, true).Once()
	f.outbox.On("SendAccepted", mock.Anything, mock.Anything, mock.MatchedBy(func(r models.ChatRoom) bool { return r.ID == "id-2" })).
		Return(nil).Once()

	room, err = f.neg.Accept(context.Background(), "r1")
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.Equal(t, "id-2", room.ID)
	assert.Empty(t, f.neg.Pending())
	f.rooms.AssertExpectations(t)
	f.outbox.AssertExpectations(t)
}

func TestAcceptUnknownRequestIsNoop(t *testing.T) {
	f := newFixture(bob)

	room, err := f.neg.Accept(context.Background(), "nope")
	assert.NoError(t, err)
	assert.Nil(t, room)
	f.rooms.AssertNotCalled(t, "Open", mock.Anything, mock.Anything)
}

func TestRejectCreatesNoRoom(t *testing.T) {
	f := newFixture(bob)
	f.neg.Receive(pendingFromAlice("r1"))
	f.outbox.On("SendRejected", mock.Anything, mock.MatchedBy(func(r models.ChatRequest) bool {
		return r.ID == "r1" && r.Status == models.RequestRejected
	})).Return(nil).Once()

	changed, err := f.neg.Reject(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Empty(t, f.neg.Pending())

	room, err := f.neg.Accept(context.Background(), "r1")
	assert.NoError(t, err)
	assert.Nil(t, room)
	f.rooms.AssertNotCalled(t, "Open", mock.Anything, mock.Anything)
	f.outbox.AssertExpectations(t)
}

func TestResolveAcceptedOpensRoomOnSenderSide(t *testing.T) {
	f := newFixture(alice)
	f.resolver.On("Resolve", mock.Anything, "b").Return(bob, nil).Once()
	f.outbox.On("SendRequest", mock.Anything, mock.Anything).Return(nil).Once()
	req, err := f.neg.SendRequest(context.Background(), "b")
	require.NoError(t, err)

	room := models.ChatRoom{ID: "room-1", Participants: [2]models.Participant{alice, bob}}
	f.rooms.On("Open", mock.Anything, room).Return(room, true).Once()

	opened, ok := f.neg.ResolveAccepted(context.Background(), req.ID, room)
	assert.True(t, ok)
	assert.Equal(t, "room-1", opened.ID)
	assert.Empty(t, f.neg.Outgoing())
	f.rooms.AssertExpectations(t)
}

func TestResolveAcceptedIgnoresForeignRoom(t *testing.T) {
	f := newFixture(alice)
	room := models.ChatRoom{ID: "room-x", Participants: [2]models.Participant{bob, {ID: "c"}}}

	_, ok := f.neg.ResolveAccepted(context.Background(), "r1", room)
	assert.False(t, ok)
	f.rooms.AssertNotCalled(t, "Open", mock.Anything, mock.Anything)
}

func TestResolveRejectedDropsOutgoing(t *testing.T) {
	f := newFixture(alice)
	f.resolver.On("Resolve", mock.Anything, "b").Return(bob, nil).Once()
	f.outbox.On("SendRequest", mock.Anything, mock.Anything).Return(nil).Once()
	req, err := f.neg.SendRequest(context.Background(), "b")
	require.NoError(t, err)

	assert.True(t, f.neg.ResolveRejected(req.ID))
	assert.False(t, f.neg.ResolveRejected(req.ID))
	assert.Empty(t, f.neg.Outgoing())
}

func TestChainResolverFallsThrough(t *testing.T) {
	miss := ResolverFunc(func(context.Context, string) (models.Participant, error) {
		return models.Participant{}, errors.New("miss")
	})
	hit := ResolverFunc(func(_ context.Context, id string) (models.Participant, error) {
		return models.Participant{ID: id}, nil
	})

	p, err := ChainResolver{miss, nil, hit}.Resolve(context.Background(), "z")
	require.NoError(t, err)
	assert.Equal(t, "z", p.ID)

	_, err = ChainResolver{miss}.Resolve(context.Background(), "z")
	assert.Error(t, err)
}
