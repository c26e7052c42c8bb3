package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"nexusvoice-server/internal/model"
	"nexusvoice-server/internal/repository"
)

// fakeStore 内存实现的对话和消息存储
// 与数据库一样强制 (conversation_id, sequence) 和幂等键唯一
type fakeStore struct {
	mu            sync.Mutex
	conversations map[int64]*model.Conversation
	messages      []*model.ConversationMessage
	nextConvID    int64
	nextMsgID     int64

	touchErr error         // TouchConversation 返回的错误
	saveErr  error         // SaveMessage 返回的错误
	seqDelay time.Duration // NextSequenceValue 读取后的延迟，用于放大竞争窗口
}

func newFakeStore() *fakeStore {
	return &fakeStore{conversations: make(map[int64]*model.Conversation)}
}

func (f *fakeStore) setTouchErr(err error) {
	f.mu.Lock()
	f.touchErr = err
	f.mu.Unlock()
}

func (f *fakeStore) setSaveErr(err error) {
	f.mu.Lock()
	f.saveErr = err
	f.mu.Unlock()
}

func (f *fakeStore) visible(id int64) (*model.Conversation, bool) {
	c, ok := f.conversations[id]
	if !ok || c.Status == model.ConversationStatusDeleted {
		return nil, false
	}
	return c, true
}

func (f *fakeStore) FindConversation(_ context.Context, id int64) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.visible(id)
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) SaveConversation(_ context.Context, c *model.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	if c.ID == 0 {
		f.nextConvID++
		c.ID = f.nextConvID
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	cp := *c
	f.conversations[c.ID] = &cp
	return nil
}

func (f *fakeStore) ExistsConversation(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.visible(id)
	return ok, nil
}

func (f *fakeStore) ExistsConversationForUser(_ context.Context, id, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.visible(id)
	return ok && c.UserID == userID, nil
}

func (f *fakeStore) TouchConversation(_ context.Context, id int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.touchErr != nil {
		return f.touchErr
	}
	if c, ok := f.visible(id); ok {
		c.LastActiveAt = at
		c.UpdatedAt = at
	}
	return nil
}

func (f *fakeStore) UpdateTitle(_ context.Context, id int64, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.visible(id); ok {
		c.Title = title
	}
	return nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, id int64, from, to model.ConversationStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[id]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status = to
	return true, nil
}

func (f *fakeStore) ListByUser(_ context.Context, userID int64, limit int) ([]model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []model.Conversation
	for id := range f.conversations {
		if c, ok := f.visible(id); ok && c.UserID == userID {
			result = append(result, *c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].LastActiveAt.Equal(result[j].LastActiveAt) {
			return result[i].LastActiveAt.After(result[j].LastActiveAt)
		}
		return result[i].ID > result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (f *fakeStore) SaveMessage(_ context.Context, m *model.ConversationMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	if m.ID != 0 {
		for i, existing := range f.messages {
			if existing.ID == m.ID {
				cp := *m
				f.messages[i] = &cp
				return nil
			}
		}
	}
	for _, existing := range f.messages {
		if existing.ConversationID != m.ConversationID {
			continue
		}
		if existing.Sequence == m.Sequence {
			return repository.ErrDuplicateKey
		}
		if m.ClientMessageID != nil && existing.ClientMessageID != nil && *existing.ClientMessageID == *m.ClientMessageID {
			return repository.ErrDuplicateKey
		}
	}
	f.nextMsgID++
	m.ID = f.nextMsgID
	m.CreatedAt = time.Now()
	m.UpdatedAt = m.CreatedAt
	cp := *m
	f.messages = append(f.messages, &cp)
	return nil
}

func (f *fakeStore) FindMessage(_ context.Context, id int64) (*model.ConversationMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.ID == id {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) byConversation(conversationID int64) []model.ConversationMessage {
	var result []model.ConversationMessage
	for _, m := range f.messages {
		if m.ConversationID == conversationID {
			result = append(result, *m)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Sequence < result[j].Sequence })
	return result
}

func (f *fakeStore) FindMessagesByConversationOrderedBySequence(_ context.Context, conversationID int64) ([]model.ConversationMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byConversation(conversationID), nil
}

func (f *fakeStore) FindByClientMessageID(_ context.Context, conversationID int64, clientMessageID string) (*model.ConversationMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.ConversationID == conversationID && m.ClientMessageID != nil && *m.ClientMessageID == clientMessageID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) FindLastMessage(_ context.Context, conversationID int64) (*model.ConversationMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	messages := f.byConversation(conversationID)
	if len(messages) == 0 {
		return nil, nil
	}
	last := messages[len(messages)-1]
	return &last, nil
}

func (f *fakeStore) NextSequenceValue(_ context.Context, conversationID int64) (int64, error) {
	f.mu.Lock()
	var highest int64
	for _, m := range f.messages {
		if m.ConversationID == conversationID && m.Sequence > highest {
			highest = m.Sequence
		}
	}
	delay := f.seqDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return highest + 1, nil
}

func (f *fakeStore) CountMessages(_ context.Context, conversationID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.byConversation(conversationID))), nil
}

func (f *fakeStore) SumTokenCount(_ context.Context, conversationID int64) (*int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	messages := f.byConversation(conversationID)
	if len(messages) == 0 {
		return nil, nil
	}
	var sum int64
	for _, m := range messages {
		sum += m.TokenCount
	}
	return &sum, nil
}

func (f *fakeStore) UpdateDeliveryStatus(_ context.Context, id int64, status string, errorMessage *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.ID == id {
			m.Status = status
			m.ErrorMessage = errorMessage
		}
	}
	return nil
}

// noopLocker 不加锁，只依赖存储的唯一约束
type noopLocker struct{}

func (noopLocker) Lock(context.Context, int64) (func(), error) {
	return func() {}, nil
}

// recordingNotifier 记录收到的事件
type recordingNotifier struct {
	messages      chan *model.ConversationMessage
	conversations chan *model.Conversation
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{
		messages:      make(chan *model.ConversationMessage, 16),
		conversations: make(chan *model.Conversation, 16),
	}
}

func (n *recordingNotifier) NotifyMessageAppended(_ int64, m *model.ConversationMessage) {
	n.messages <- m
}

func (n *recordingNotifier) NotifyConversationUpdated(_ int64, c *model.Conversation) {
	n.conversations <- c
}

// ownerBlindStore 访问校验总是放行，模拟缓存过期等导致的误判
type ownerBlindStore struct {
	*fakeStore
}

func (ownerBlindStore) ExistsConversationForUser(_ context.Context, _, _ int64) (bool, error) {
	return true, nil
}
