package service

import (
	"context"
	"testing"
	"time"

	"chatsync/internal/models"
	"chatsync/pkg/channel/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func directMessage() *models.Message {
	return &models.Message{
		ID:          "m1",
		SenderID:    "alice",
		RecipientID: "bob",
		Content:     "hello",
		Type:        models.TextMessage,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestDeliverMessage_OnlineRecipientGetsPush(t *testing.T) {
	buffers := &mockBufferStore{}
	pusher := &mockPusher{}
	d := NewDeliveryService(buffers, pusher, quietLogger())
	msg := directMessage()

	buffers.On("GetStatus", mock.Anything, "bob").Return(&models.PresenceRecord{UserID: "bob", IsOnline: true}, nil)
	pusher.On("PushToUser", "bob", types.EventMessage, msg).Return(true)

	d.DeliverMessage(context.Background(), msg)

	buffers.AssertNotCalled(t, "BufferForRecipient", mock.Anything, mock.Anything, mock.Anything)
	pusher.AssertExpectations(t)
}

func TestDeliverMessage_OfflineRecipientIsBuffered(t *testing.T) {
	buffers := &mockBufferStore{}
	pusher := &mockPusher{}
	d := NewDeliveryService(buffers, pusher, quietLogger())
	msg := directMessage()

	buffers.On("GetStatus", mock.Anything, "bob").Return(&models.PresenceRecord{UserID: "bob", IsOnline: false}, nil)
	buffers.On("BufferForRecipient", mock.Anything, "bob", msg).Return(nil)
	buffers.On("BufferNotification", mock.Anything, "bob", mock.MatchedBy(func(n *models.Notification) bool {
		return n.Kind == "message" && n.FromUserID == "alice" && n.MessageID == "m1"
	})).Return(nil)

	d.DeliverMessage(context.Background(), msg)

	pusher.AssertNotCalled(t, "PushToUser", mock.Anything, mock.Anything, mock.Anything)
	buffers.AssertExpectations(t)
}

func TestDeliverMessage_PushRefusedFallsBackToBuffer(t *testing.T) {
	// Presence says online but the session is gone or backed up; the
	// message must not be lost.
	buffers := &mockBufferStore{}
	pusher := &mockPusher{}
	d := NewDeliveryService(buffers, pusher, quietLogger())
	msg := directMessage()

	buffers.On("GetStatus", mock.Anything, "bob").Return(&models.PresenceRecord{UserID: "bob", IsOnline: true}, nil)
	pusher.On("PushToUser", "bob", types.EventMessage, msg).Return(false)
	buffers.On("BufferForRecipient", mock.Anything, "bob", msg).Return(nil)
	buffers.On("BufferNotification", mock.Anything, "bob", mock.Anything).Return(nil)

	d.DeliverMessage(context.Background(), msg)

	buffers.AssertExpectations(t)
}

func TestDeliverMessage_PresenceFailureBuffers(t *testing.T) {
	buffers := &mockBufferStore{}
	pusher := &mockPusher{}
	d := NewDeliveryService(buffers, pusher, quietLogger())
	msg := directMessage()

	buffers.On("GetStatus", mock.Anything, "bob").Return(nil, assert.AnError)
	buffers.On("BufferForRecipient", mock.Anything, "bob", msg).Return(nil)
	buffers.On("BufferNotification", mock.Anything, "bob", mock.Anything).Return(nil)

	d.DeliverMessage(context.Background(), msg)

	pusher.AssertNotCalled(t, "PushToUser", mock.Anything, mock.Anything, mock.Anything)
	buffers.AssertExpectations(t)
}

func TestDeliverMessage_BufferFailureIsSwallowed(t *testing.T) {
	buffers := &mockBufferStore{}
	pusher := &mockPusher{}
	d := NewDeliveryService(buffers, pusher, quietLogger())
	msg := directMessage()

	buffers.On("GetStatus", mock.Anything, "bob").Return(&models.PresenceRecord{UserID: "bob"}, nil)
	buffers.On("BufferForRecipient", mock.Anything, "bob", msg).Return(assert.AnError)

	// Must not panic or propagate; the create already succeeded.
	d.DeliverMessage(context.Background(), msg)

	buffers.AssertNotCalled(t, "BufferNotification", mock.Anything, mock.Anything, mock.Anything)
}

func TestDeliverMessage_GroupFansOutToSubscribers(t *testing.T) {
	buffers := &mockBufferStore{}
	pusher := &mockPusher{}
	d := NewDeliveryService(buffers, pusher, quietLogger())

	msg := &models.Message{ID: "m1", SenderID: "alice", GroupID: "g1", Content: "hi all", Type: models.TextMessage}
	pusher.On("PushToConversation", "g1", types.EventMessage, msg, "alice").Return(3)

	d.DeliverMessage(context.Background(), msg)

	buffers.AssertNotCalled(t, "GetStatus", mock.Anything, mock.Anything)
	pusher.AssertExpectations(t)
}

func TestDeliverReadReceipt_DirectGoesToSender(t *testing.T) {
	pusher := &mockPusher{}
	d := NewDeliveryService(&mockBufferStore{}, pusher, quietLogger())
	msg := directMessage()

	pusher.On("PushToUser", "alice", types.EventReadReceipt, types.ReadReceiptPayload{MessageID: "m1", UserID: "bob"}).Return(true)

	d.DeliverReadReceipt(context.Background(), msg, "bob")
	pusher.AssertExpectations(t)
}

func TestDeliverReadReceipt_GroupFansOut(t *testing.T) {
	pusher := &mockPusher{}
	d := NewDeliveryService(&mockBufferStore{}, pusher, quietLogger())

	msg := &models.Message{ID: "m1", SenderID: "alice", GroupID: "g1", Type: models.TextMessage}
	pusher.On("PushToConversation", "g1", types.EventReadReceipt, types.ReadReceiptPayload{MessageID: "m1", UserID: "bob"}, "bob").Return(2)

	d.DeliverReadReceipt(context.Background(), msg, "bob")
	pusher.AssertExpectations(t)
}

func TestBroadcastTyping(t *testing.T) {
	pusher := &mockPusher{}
	d := NewDeliveryService(&mockBufferStore{}, pusher, quietLogger())

	pusher.On("PushToConversation", "g1", types.EventTypingStart, types.TypingPayload{ConversationID: "g1", UserID: "alice"}, "alice").Return(1)
	pusher.On("PushToConversation", "g1", types.EventTypingStop, types.TypingPayload{ConversationID: "g1", UserID: "alice"}, "alice").Return(1)

	d.BroadcastTyping("g1", "alice", true)
	d.BroadcastTyping("g1", "alice", false)
	pusher.AssertExpectations(t)
}

func TestBroadcastPresence(t *testing.T) {
	pusher := &mockPusher{}
	d := NewDeliveryService(&mockBufferStore{}, pusher, quietLogger())

	record := &models.PresenceRecord{UserID: "alice", IsOnline: true, LastSeen: time.Now().UTC()}
	payload := types.PresencePayload{UserID: "alice", IsOnline: true, LastSeen: record.LastSeen}
	pusher.On("PushToConversation", "g1", types.EventPresence, payload, "alice").Return(1)
	pusher.On("PushToConversation", "g2", types.EventPresence, payload, "alice").Return(0)

	d.BroadcastPresence([]string{"g1", "g2"}, record)
	pusher.AssertExpectations(t)
}
