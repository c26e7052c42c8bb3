package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"nexusvoice-server/internal/model"
)

func newTestService(t *testing.T, opts Options) (*ConversationService, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	return NewConversationService(store, store, nil, opts), store
}

func mustCreate(t *testing.T, s *ConversationService, userID int64) *model.Conversation {
	t.Helper()
	c, err := s.CreateConversation(context.Background(), userID, "", "", "")
	if err != nil {
		t.Fatalf("CreateConversation() error: %v", err)
	}
	return c
}

func mustAdd(t *testing.T, s *ConversationService, conversationID int64, role model.MessageRole, content string, tokens int64) *model.ConversationMessage {
	t.Helper()
	m := &model.ConversationMessage{Role: role, Content: content, TokenCount: tokens}
	saved, err := s.AddMessageToConversation(context.Background(), conversationID, m)
	if err != nil {
		t.Fatalf("AddMessageToConversation() error: %v", err)
	}
	return saved
}

func TestCreateConversationDefaults(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, DefaultOptions())

	c := mustCreate(t, s, 1)
	if c.ID == 0 {
		t.Fatal("CreateConversation() did not assign an id")
	}
	if c.Status != model.ConversationStatusActive {
		t.Errorf("Status = %s, want ACTIVE", c.Status)
	}
	if c.Title != "新对话" || c.ModelName != "gpt-4o-mini" || c.SystemPrompt == "" {
		t.Errorf("CreateConversation() = title %q model %q prompt %q", c.Title, c.ModelName, c.SystemPrompt)
	}
	if c.LastActiveAt.IsZero() {
		t.Error("LastActiveAt not set")
	}
}

func TestCreateConversationValidation(t *testing.T) {
	t.Parallel()
	opts := DefaultOptions()
	opts.Models = []string{"gpt-4o-mini"}
	s, _ := newTestService(t, opts)
	ctx := context.Background()

	if _, err := s.CreateConversation(ctx, 0, "", "", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("CreateConversation(user 0) error = %v, want ErrValidation", err)
	}
	if _, err := s.CreateConversation(ctx, 1, "", "unknown-model", ""); !errors.Is(err, ErrUnsupportedModel) {
		t.Errorf("CreateConversation(unknown model) error = %v, want ErrUnsupportedModel", err)
	}
}

func TestCreateConversationWithGreeting(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, DefaultOptions())
	ctx := context.Background()

	c, err := s.CreateConversationWithOptions(ctx, 1, &CreateConversationRequest{
		Title:        "旅行计划",
		Greeting:     "你好，我是你的旅行助手",
		ConfigParams: model.Params{"temperature": model.Number(0.3)},
	})
	if err != nil {
		t.Fatalf("CreateConversationWithOptions() error: %v", err)
	}

	history, err := s.GetConversationHistory(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetConversationHistory() error: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history has %d messages, want 1", len(history))
	}
	if history[0].Sequence != 1 || history[0].Role != model.MessageRoleAssistant {
		t.Errorf("greeting = sequence %d role %s, want 1 ASSISTANT", history[0].Sequence, history[0].Role)
	}
	if history[0].TokenCount <= 0 {
		t.Errorf("greeting TokenCount = %d, want > 0", history[0].TokenCount)
	}
}

func TestCreateConversationGreetingFailureLeavesNoConversation(t *testing.T) {
	t.Parallel()
	s, store := newTestService(t, DefaultOptions())
	ctx := context.Background()
	store.setSaveErr(errors.New("disk full"))

	c, err := s.CreateConversationWithOptions(ctx, 1, &CreateConversationRequest{Greeting: "欢迎"})
	if err == nil {
		t.Fatal("CreateConversationWithOptions() error = nil, want disk full")
	}
	if c != nil {
		t.Errorf("CreateConversationWithOptions() returned conversation %d", c.ID)
	}

	list, err := s.ListConversations(ctx, 1, 0)
	if err != nil {
		t.Fatalf("ListConversations() error: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("ListConversations() = %d conversations, want 0", len(list))
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	for id, conversation := range store.conversations {
		if conversation.Status != model.ConversationStatusDeleted {
			t.Errorf("conversation %d status = %s, want DELETED", id, conversation.Status)
		}
	}
}

func TestSequenceMonotonicity(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, DefaultOptions())
	c := mustCreate(t, s, 1)

	for i := 1; i <= 5; i++ {
		m := mustAdd(t, s, c.ID, model.MessageRoleUser, fmt.Sprintf("message %d", i), 1)
		if m.Sequence != int64(i) {
			t.Errorf("message %d Sequence = %d, want %d", i, m.Sequence, i)
		}
		if m.ConversationID != c.ID {
			t.Errorf("message %d ConversationID = %d, want %d", i, m.ConversationID, c.ID)
		}
	}
}

func TestConcurrentAppendSafety(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		locker Locker
	}{
		{"keyed mutex", NewKeyedMutex()},
		{"unique constraint only", noopLocker{}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			const writers = 12

			store := newFakeStore()
			store.seqDelay = time.Millisecond
			opts := DefaultOptions()
			opts.AppendRetries = writers * 2
			s := NewConversationService(store, store, tt.locker, opts)
			c := mustCreate(t, s, 1)

			var wg sync.WaitGroup
			errs := make(chan error, writers)
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					m := model.NewUserMessage(fmt.Sprintf("writer %d", i))
					if _, err := s.AddMessageToConversation(context.Background(), c.ID, m); err != nil {
						errs <- err
					}
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Errorf("AddMessageToConversation() error: %v", err)
			}

			history, err := s.GetConversationHistory(context.Background(), c.ID)
			if err != nil {
				t.Fatalf("GetConversationHistory() error: %v", err)
			}
			if len(history) != writers {
				t.Fatalf("history has %d messages, want %d", len(history), writers)
			}
			for i, m := range history {
				if m.Sequence != int64(i+1) {
					t.Errorf("history[%d].Sequence = %d, want %d", i, m.Sequence, i+1)
				}
			}
		})
	}
}

func TestCheckMessageCountLimitBoundary(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, DefaultOptions())
	ctx := context.Background()
	c := mustCreate(t, s, 1)

	for i := 0; i < 4; i++ {
		mustAdd(t, s, c.ID, model.MessageRoleUser, "hi", 1)
	}
	if err := s.CheckMessageCountLimit(ctx, c.ID, 5); err != nil {
		t.Errorf("CheckMessageCountLimit(4 of 5) error: %v", err)
	}

	mustAdd(t, s, c.ID, model.MessageRoleUser, "hi", 1)
	err := s.CheckMessageCountLimit(ctx, c.ID, 5)
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("CheckMessageCountLimit(5 of 5) error = %v, want ErrLimitExceeded", err)
	}
	var limitErr *LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("error %T is not *LimitError", err)
	}
	if limitErr.Kind != LimitMessages || limitErr.Limit != 5 || limitErr.Current != 5 {
		t.Errorf("LimitError = %+v", limitErr)
	}
	if !strings.Contains(err.Error(), "5") {
		t.Errorf("error message %q does not mention the limit", err.Error())
	}
}

func TestCheckTokenLimitBoundary(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, DefaultOptions())
	ctx := context.Background()
	c := mustCreate(t, s, 1)

	total, err := s.CalculateTotalTokens(ctx, c.ID)
	if err != nil {
		t.Fatalf("CalculateTotalTokens() error: %v", err)
	}
	if total != 0 {
		t.Errorf("CalculateTotalTokens(empty) = %d, want 0", total)
	}

	mustAdd(t, s, c.ID, model.MessageRoleUser, "a", 60)
	mustAdd(t, s, c.ID, model.MessageRoleAssistant, "b", 40)
	if err := s.CheckTokenLimit(ctx, c.ID, 100); err != nil {
		t.Errorf("CheckTokenLimit(100 of 100) error: %v", err)
	}

	mustAdd(t, s, c.ID, model.MessageRoleUser, "c", 1)
	err = s.CheckTokenLimit(ctx, c.ID, 100)
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("CheckTokenLimit(101 of 100) error = %v, want ErrLimitExceeded", err)
	}
	if !strings.Contains(err.Error(), "100") {
		t.Errorf("error message %q does not mention the limit", err.Error())
	}
}

func TestSynthesizeTitle(t *testing.T) {
	t.Parallel()

	msg := func(role model.MessageRole, content string) model.ConversationMessage {
		return model.ConversationMessage{Role: role, Content: content}
	}
	twenty := strings.Repeat("一", 20)

	tests := []struct {
		name     string
		messages []model.ConversationMessage
		want     string
	}{
		{"no messages", nil, "新对话"},
		{"only assistant", []model.ConversationMessage{msg(model.MessageRoleAssistant, "你好")}, "新对话"},
		{"exactly twenty", []model.ConversationMessage{msg(model.MessageRoleUser, twenty)}, twenty},
		{"twenty one", []model.ConversationMessage{msg(model.MessageRoleUser, twenty + "二")}, twenty + "..."},
		{"trimmed", []model.ConversationMessage{msg(model.MessageRoleUser, "  今天天气怎么样  ")}, "今天天气怎么样"},
		{"skips blank user", []model.ConversationMessage{
			msg(model.MessageRoleAssistant, "欢迎"),
			msg(model.MessageRoleUser, "   "),
			msg(model.MessageRoleUser, "写一首诗"),
			msg(model.MessageRoleUser, "再写一首"),
		}, "写一首诗"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SynthesizeTitle(tt.messages, "新对话", 20); got != tt.want {
				t.Errorf("SynthesizeTitle() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGenerateConversationTitle(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, DefaultOptions())
	ctx := context.Background()
	c := mustCreate(t, s, 1)

	title, err := s.GenerateConversationTitle(ctx, c.ID)
	if err != nil {
		t.Fatalf("GenerateConversationTitle() error: %v", err)
	}
	if title != "新对话" {
		t.Errorf("GenerateConversationTitle(empty) = %q, want 新对话", title)
	}

	mustAdd(t, s, c.ID, model.MessageRoleUser, "abcdefghijklmnopqrstu", 1)
	title, err = s.GenerateConversationTitle(ctx, c.ID)
	if err != nil {
		t.Fatalf("GenerateConversationTitle() error: %v", err)
	}
	if title != "abcdefghijklmnopqrst..." {
		t.Errorf("GenerateConversationTitle() = %q, want abcdefghijklmnopqrst...", title)
	}
}

func TestAccessIsolation(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, DefaultOptions())
	ctx := context.Background()
	c := mustCreate(t, s, 1)

	if err := s.ValidateConversationAccess(ctx, c.ID, 1); err != nil {
		t.Errorf("ValidateConversationAccess(owner) error: %v", err)
	}
	if err := s.ValidateConversationAccess(ctx, c.ID, 2); !errors.Is(err, ErrNoPermission) {
		t.Errorf("ValidateConversationAccess(other) error = %v, want ErrNoPermission", err)
	}
	if err := s.ValidateConversationAccess(ctx, c.ID+100, 1); !errors.Is(err, ErrNoPermission) {
		t.Errorf("ValidateConversationAccess(missing) error = %v, want ErrNoPermission", err)
	}

	if _, err := s.GetHistory(ctx, 2, c.ID); !errors.Is(err, ErrNoPermission) {
		t.Errorf("GetHistory(other) error = %v, want ErrNoPermission", err)
	}
	if _, err := s.AppendMessage(ctx, 2, c.ID, &AppendMessageRequest{Content: "hi"}); !errors.Is(err, ErrNoPermission) {
		t.Errorf("AppendMessage(other) error = %v, want ErrNoPermission", err)
	}
	if err := s.DeleteConversation(ctx, 2, c.ID); !errors.Is(err, ErrNoPermission) {
		t.Errorf("DeleteConversation(other) error = %v, want ErrNoPermission", err)
	}
}

func TestGetConversationChecksOwner(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	s := NewConversationService(ownerBlindStore{store}, store, nil, DefaultOptions())
	ctx := context.Background()
	c := mustCreate(t, s, 1)

	if _, err := s.GetConversation(ctx, 1, c.ID); err != nil {
		t.Fatalf("GetConversation(owner) error: %v", err)
	}
	if _, err := s.GetConversation(ctx, 2, c.ID); !errors.Is(err, ErrNoPermission) {
		t.Errorf("GetConversation(other) error = %v, want ErrNoPermission", err)
	}
}

func TestHistoryRoundTrip(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, DefaultOptions())
	ctx := context.Background()
	c := mustCreate(t, s, 1)

	roles := []model.MessageRole{model.MessageRoleUser, model.MessageRoleAssistant, model.MessageRoleUser}
	for i, role := range roles {
		mustAdd(t, s, c.ID, role, fmt.Sprintf("turn %d", i), 1)
	}

	history, err := s.GetConversationHistory(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetConversationHistory() error: %v", err)
	}
	if len(history) != len(roles) {
		t.Fatalf("history has %d messages, want %d", len(history), len(roles))
	}
	for i, m := range history {
		if m.Sequence != int64(i+1) || m.Role != roles[i] {
			t.Errorf("history[%d] = sequence %d role %s, want %d %s", i, m.Sequence, m.Role, i+1, roles[i])
		}
	}
}

func TestMissingConversation(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, DefaultOptions())
	ctx := context.Background()

	if _, err := s.AddMessageToConversation(ctx, 42, model.NewUserMessage("hi")); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("AddMessageToConversation(missing) error = %v, want ErrConversationNotFound", err)
	}
	if _, err := s.GetConversationHistory(ctx, 42); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("GetConversationHistory(missing) error = %v, want ErrConversationNotFound", err)
	}
}

func TestAddMessageValidation(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, DefaultOptions())
	ctx := context.Background()
	c := mustCreate(t, s, 1)
	badKey := "not a key"

	tests := []struct {
		name    string
		message *model.ConversationMessage
		want    error
	}{
		{"empty user content", &model.ConversationMessage{Role: model.MessageRoleUser, Content: "  "}, ErrEmptyContent},
		{"unknown role", &model.ConversationMessage{Role: "BOT", Content: "hi"}, ErrInvalidRole},
		{"negative tokens", &model.ConversationMessage{Role: model.MessageRoleUser, Content: "hi", TokenCount: -1}, ErrInvalidTokenCount},
		{"bad client id", &model.ConversationMessage{Role: model.MessageRoleUser, Content: "hi", ClientMessageID: &badKey}, ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.AddMessageToConversation(ctx, c.ID, tt.message)
			if !errors.Is(err, tt.want) {
				t.Errorf("AddMessageToConversation() error = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, ErrValidation) {
				t.Errorf("error %v is not a validation error", err)
			}
		})
	}

	// 非用户消息允许空内容
	mustAdd(t, s, c.ID, model.MessageRoleTool, "", 0)
}

func TestAppendMessageEnforcesLimits(t *testing.T) {
	t.Parallel()
	opts := DefaultOptions()
	opts.MaxMessages = 2
	s, _ := newTestService(t, opts)
	ctx := context.Background()
	c := mustCreate(t, s, 1)

	for i := 0; i < 2; i++ {
		if _, err := s.AppendMessage(ctx, 1, c.ID, &AppendMessageRequest{Content: "hello"}); err != nil {
			t.Fatalf("AppendMessage() error: %v", err)
		}
	}
	_, err := s.AppendMessage(ctx, 1, c.ID, &AppendMessageRequest{Content: "hello"})
	if !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("AppendMessage(over limit) error = %v, want ErrLimitExceeded", err)
	}
}

func TestAppendMessageEstimatesTokens(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, DefaultOptions())
	ctx := context.Background()
	c := mustCreate(t, s, 1)

	m, err := s.AppendMessage(ctx, 1, c.ID, &AppendMessageRequest{Content: "你好世界"})
	if err != nil {
		t.Fatalf("AppendMessage() error: %v", err)
	}
	if m.Role != model.MessageRoleUser {
		t.Errorf("Role = %s, want USER", m.Role)
	}
	if m.TokenCount != 4 {
		t.Errorf("TokenCount = %d, want 4", m.TokenCount)
	}
}

func TestAppendMessageIdempotent(t *testing.T) {
	t.Parallel()
	s, store := newTestService(t, DefaultOptions())
	ctx := context.Background()
	c := mustCreate(t, s, 1)
	key := "0b6f4d0e-2a7c-4b8e-9a55-3c1f2d7e9a10"

	first, err := s.AppendMessage(ctx, 1, c.ID, &AppendMessageRequest{Content: "hello", ClientMessageID: &key})
	if err != nil {
		t.Fatalf("AppendMessage() error: %v", err)
	}
	second, err := s.AppendMessage(ctx, 1, c.ID, &AppendMessageRequest{Content: "hello", ClientMessageID: &key})
	if err != nil {
		t.Fatalf("AppendMessage(retry) error: %v", err)
	}
	if second.ID != first.ID || second.Sequence != first.Sequence {
		t.Errorf("retry returned message %d/%d, want %d/%d", second.ID, second.Sequence, first.ID, first.Sequence)
	}
	if n, _ := store.CountMessages(ctx, c.ID); n != 1 {
		t.Errorf("CountMessages() = %d, want 1", n)
	}
}

func TestAppendMessageReplayAfterArchive(t *testing.T) {
	t.Parallel()
	s, store := newTestService(t, DefaultOptions())
	ctx := context.Background()
	c := mustCreate(t, s, 1)
	key := "replay-after-archive"

	first, err := s.AppendMessage(ctx, 1, c.ID, &AppendMessageRequest{Content: "hello", ClientMessageID: &key})
	if err != nil {
		t.Fatalf("AppendMessage() error: %v", err)
	}
	if _, err := s.ArchiveConversation(ctx, 1, c.ID); err != nil {
		t.Fatalf("ArchiveConversation() error: %v", err)
	}

	replay, err := s.AppendMessage(ctx, 1, c.ID, &AppendMessageRequest{Content: "hello", ClientMessageID: &key})
	if err != nil {
		t.Fatalf("AppendMessage(replay) error: %v", err)
	}
	if replay.ID != first.ID {
		t.Errorf("replay returned message %d, want %d", replay.ID, first.ID)
	}

	other := "new-after-archive"
	if _, err := s.AppendMessage(ctx, 1, c.ID, &AppendMessageRequest{Content: "again", ClientMessageID: &other}); !errors.Is(err, ErrConversationArchived) {
		t.Errorf("AppendMessage(new key) error = %v, want ErrConversationArchived", err)
	}
	if n, _ := store.CountMessages(ctx, c.ID); n != 1 {
		t.Errorf("CountMessages() = %d, want 1", n)
	}
}

func TestLivenessTouchFailureIsRetrySafe(t *testing.T) {
	t.Parallel()
	s, store := newTestService(t, DefaultOptions())
	ctx := context.Background()
	c := mustCreate(t, s, 1)
	key := "retry-key-1"

	store.setTouchErr(errors.New("connection reset"))
	m := model.NewUserMessage("hello")
	m.ClientMessageID = &key
	saved, err := s.AddMessageToConversation(ctx, c.ID, m)
	if err == nil {
		t.Fatal("AddMessageToConversation() error = nil, want touch error")
	}
	if saved == nil || saved.Sequence != 1 {
		t.Fatalf("AddMessageToConversation() = %+v, want persisted message", saved)
	}

	store.setTouchErr(nil)
	retry := model.NewUserMessage("hello")
	retry.ClientMessageID = &key
	again, err := s.AddMessageToConversation(ctx, c.ID, retry)
	if err != nil {
		t.Fatalf("AddMessageToConversation(retry) error: %v", err)
	}
	if again.ID != saved.ID {
		t.Errorf("retry saved message %d, want %d", again.ID, saved.ID)
	}
	if n, _ := store.CountMessages(ctx, c.ID); n != 1 {
		t.Errorf("CountMessages() = %d, want 1", n)
	}
}

func TestStatusTransitions(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, DefaultOptions())
	ctx := context.Background()
	c := mustCreate(t, s, 1)

	archived, err := s.ArchiveConversation(ctx, 1, c.ID)
	if err != nil {
		t.Fatalf("ArchiveConversation() error: %v", err)
	}
	if archived.Status != model.ConversationStatusArchived {
		t.Errorf("Status = %s, want ARCHIVED", archived.Status)
	}

	if _, err := s.ArchiveConversation(ctx, 1, c.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("ArchiveConversation(archived) error = %v, want ErrInvalidTransition", err)
	}
	_, err = s.AppendMessage(ctx, 1, c.ID, &AppendMessageRequest{Content: "hi"})
	if !errors.Is(err, ErrConversationArchived) || !errors.Is(err, ErrValidation) {
		t.Errorf("AppendMessage(archived) error = %v, want ErrConversationArchived", err)
	}

	// 归档后仍可以读取历史
	if _, err := s.GetHistory(ctx, 1, c.ID); err != nil {
		t.Errorf("GetHistory(archived) error: %v", err)
	}

	if err := s.DeleteConversation(ctx, 1, c.ID); err != nil {
		t.Fatalf("DeleteConversation() error: %v", err)
	}
	if _, err := s.GetConversation(ctx, 1, c.ID); !errors.Is(err, ErrNoPermission) {
		t.Errorf("GetConversation(deleted) error = %v, want ErrNoPermission", err)
	}
	if _, err := s.GetConversationHistory(ctx, c.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("GetConversationHistory(deleted) error = %v, want ErrConversationNotFound", err)
	}
	if _, err := s.TransitionConversationStatus(ctx, c.ID, model.ConversationStatusActive); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("TransitionConversationStatus(deleted) error = %v, want ErrConversationNotFound", err)
	}
}

func TestRefreshTitle(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, DefaultOptions())
	ctx := context.Background()
	c := mustCreate(t, s, 1)
	notifier := newRecordingNotifier()
	s.SetNotifier(notifier)

	mustAdd(t, s, c.ID, model.MessageRoleUser, "帮我规划一次去云南的七天旅行路线", 10)
	<-notifier.messages

	updated, err := s.RefreshTitle(ctx, 1, c.ID)
	if err != nil {
		t.Fatalf("RefreshTitle() error: %v", err)
	}
	if updated.Title != "帮我规划一次去云南的七天旅行路线" {
		t.Errorf("Title = %q", updated.Title)
	}

	select {
	case got := <-notifier.conversations:
		if got.Title != updated.Title {
			t.Errorf("notified title = %q, want %q", got.Title, updated.Title)
		}
	case <-time.After(time.Second):
		t.Error("no conversation.updated notification")
	}

	stored, err := s.GetConversation(ctx, 1, c.ID)
	if err != nil {
		t.Fatalf("GetConversation() error: %v", err)
	}
	if stored.Title != updated.Title {
		t.Errorf("stored Title = %q, want %q", stored.Title, updated.Title)
	}
}

func TestListConversations(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, DefaultOptions())
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	var tick int
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	first := mustCreate(t, s, 1)
	second := mustCreate(t, s, 1)
	mustCreate(t, s, 2)

	long := strings.Repeat("长", 120)
	mustAdd(t, s, first.ID, model.MessageRoleUser, long, 1)

	list, err := s.ListConversations(ctx, 1, 0)
	if err != nil {
		t.Fatalf("ListConversations() error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListConversations() returned %d items, want 2", len(list))
	}
	if list[0].ID != first.ID || list[1].ID != second.ID {
		t.Errorf("order = [%d %d], want [%d %d]", list[0].ID, list[1].ID, first.ID, second.ID)
	}
	if list[0].MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1", list[0].MessageCount)
	}
	if list[0].LastMessage == nil || *list[0].LastMessage != strings.Repeat("长", 100)+"..." {
		t.Errorf("LastMessage = %v", list[0].LastMessage)
	}
	if list[1].LastMessage != nil {
		t.Errorf("empty conversation LastMessage = %q, want nil", *list[1].LastMessage)
	}
}

func TestMarkMessageStatus(t *testing.T) {
	t.Parallel()
	s, store := newTestService(t, DefaultOptions())
	ctx := context.Background()
	c := mustCreate(t, s, 1)
	m := mustAdd(t, s, c.ID, model.MessageRoleUser, "hi", 1)

	if err := s.MarkMessageFailed(ctx, m.ID, "timeout"); err != nil {
		t.Fatalf("MarkMessageFailed() error: %v", err)
	}
	got, _ := store.FindMessage(ctx, m.ID)
	if got.Status != model.MessageStatusFailed || got.ErrorMessage == nil || *got.ErrorMessage != "timeout" {
		t.Errorf("after MarkMessageFailed: status %s error %v", got.Status, got.ErrorMessage)
	}

	if err := s.MarkMessageSent(ctx, m.ID); err != nil {
		t.Fatalf("MarkMessageSent() error: %v", err)
	}
	got, _ = store.FindMessage(ctx, m.ID)
	if got.Status != model.MessageStatusSent || got.ErrorMessage != nil {
		t.Errorf("after MarkMessageSent: status %s error %v", got.Status, got.ErrorMessage)
	}

	if err := s.MarkMessageFailed(ctx, 999, "x"); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("MarkMessageFailed(missing) error = %v, want ErrMessageNotFound", err)
	}
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  int64
	}{
		{"", 0},
		{"a", 1},
		{"abcdefgh", 2},
		{"你好", 2},
		{"你好 world", 4},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.input); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}
