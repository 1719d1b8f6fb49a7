package service

import (
	"context"
	"time"

	"chatsync/internal/models"
	"chatsync/pkg/channel/types"

	"github.com/stretchr/testify/mock"
)

type mockMessageStore struct {
	mock.Mock
}

func (m *mockMessageStore) InsertMessage(ctx context.Context, msg *models.Message) (bool, error) {
	args := m.Called(ctx, msg)
	return args.Bool(0), args.Error(1)
}

func (m *mockMessageStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	args := m.Called(ctx, id)
	if msg := args.Get(0); msg != nil {
		return msg.(*models.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockMessageStore) UpdateReadBy(ctx context.Context, id string, readBy []string) error {
	args := m.Called(ctx, id, readBy)
	return args.Error(0)
}

func (m *mockMessageStore) EditMessage(ctx context.Context, id, senderID, content string, editedAt time.Time) (int64, error) {
	args := m.Called(ctx, id, senderID, content, editedAt)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockMessageStore) SoftDeleteMessage(ctx context.Context, id, senderID string) (int64, error) {
	args := m.Called(ctx, id, senderID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockMessageStore) ListDirect(ctx context.Context, userA, userB string, limit, offset int) ([]*models.Message, error) {
	args := m.Called(ctx, userA, userB, limit, offset)
	if msgs := args.Get(0); msgs != nil {
		return msgs.([]*models.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockMessageStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

type mockDeliverer struct {
	mock.Mock
}

func (m *mockDeliverer) DeliverMessage(ctx context.Context, msg *models.Message) {
	m.Called(ctx, msg)
}

func (m *mockDeliverer) DeliverReadReceipt(ctx context.Context, msg *models.Message, readerID string) {
	m.Called(ctx, msg, readerID)
}

func (m *mockDeliverer) DeliverConversationUpdate(ctx context.Context, msg *models.Message) {
	m.Called(ctx, msg)
}

type mockPusher struct {
	mock.Mock
}

func (m *mockPusher) PushToUser(userID string, event types.EventType, payload interface{}) bool {
	args := m.Called(userID, event, payload)
	return args.Bool(0)
}

func (m *mockPusher) PushToConversation(conversationID string, event types.EventType, payload interface{}, excludeUserID string) int {
	args := m.Called(conversationID, event, payload, excludeUserID)
	return args.Int(0)
}

type mockBufferStore struct {
	mock.Mock
}

func (m *mockBufferStore) BufferForRecipient(ctx context.Context, recipientID string, msg *models.Message) error {
	args := m.Called(ctx, recipientID, msg)
	return args.Error(0)
}

func (m *mockBufferStore) BufferNotification(ctx context.Context, recipientID string, n *models.Notification) error {
	args := m.Called(ctx, recipientID, n)
	return args.Error(0)
}

func (m *mockBufferStore) GetStatus(ctx context.Context, userID string) (*models.PresenceRecord, error) {
	args := m.Called(ctx, userID)
	if record := args.Get(0); record != nil {
		return record.(*models.PresenceRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockCleaner struct {
	mock.Mock
}

func (m *mockCleaner) CleanupSoftDeleted(ctx context.Context, retentionDays int) error {
	args := m.Called(ctx, retentionDays)
	return args.Error(0)
}
