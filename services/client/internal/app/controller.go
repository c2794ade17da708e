package app

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"pingai/pkg/chatstore"
	"pingai/pkg/domain"
)

var (
	ErrEmptyMessage  = errors.New("message is empty")
	ErrNoCurrentChat = errors.New("no current chat")
	ErrChatNotFound  = errors.New("chat not found")
	ErrNotMounted    = errors.New("controller is not mounted")
)

// State of a chat screen.
type State string

const (
	StateIdle          State = "idle"
	StateAwaitingReply State = "awaiting-ai-reply"
)

// Alerter shows a user-visible alert.
type Alerter interface {
	Alert(title, message string)
}

// ReplyClient answers one chat turn.
type ReplyClient interface {
	Reply(ctx context.Context, sessionID, message string) (string, error)
}

// ChatController drives one chat screen. The reentrancy guard is per
// controller, so two controllers mounted on the same chat can each call the
// webhook for the same user message.
type ChatController struct {
	store   *chatstore.Store
	chatID  int64
	replies ReplyClient
	alerter Alerter
	logger  *slog.Logger

	fetching atomic.Bool
	loading  atomic.Bool

	mu          sync.Mutex
	mounted     bool
	seen        int
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	inflight    sync.WaitGroup
}

func NewChatController(store *chatstore.Store, chatID int64, replies ReplyClient, alerter Alerter) *ChatController {
	return &ChatController{
		store:   store,
		chatID:  chatID,
		replies: replies,
		alerter: alerter,
		logger:  slog.Default().With("chat_id", chatID),
	}
}

// Mount makes the chat current and starts watching it. A chat that already
// ends with a user message gets its reply requested right away.
func (c *ChatController) Mount(ctx context.Context) error {
	c.mu.Lock()
	if c.mounted {
		c.mu.Unlock()
		return nil
	}
	if !c.store.SetCurrentChat(c.chatID) {
		c.mu.Unlock()
		return ErrChatNotFound
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.seen = -1
	c.unsubscribe = c.store.Subscribe(c.onChange)
	c.mounted = true
	c.mu.Unlock()

	if chat, ok := c.store.Chat(c.chatID); ok {
		c.onChange(chat)
	}
	return nil
}

// Unmount stops watching and waits for an outstanding webhook call, which is
// cancelled without an alert.
func (c *ChatController) Unmount() {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return
	}
	c.mounted = false
	c.unsubscribe()
	c.cancel()
	c.mu.Unlock()
	c.inflight.Wait()
}

// State reports whether a reply is outstanding.
func (c *ChatController) State() State {
	if c.loading.Load() {
		return StateAwaitingReply
	}
	return StateIdle
}

// Wait blocks until no webhook call is outstanding.
func (c *ChatController) Wait() {
	c.inflight.Wait()
}

// Chat returns the chat shown by this screen.
func (c *ChatController) Chat() (domain.Chat, bool) {
	return c.store.Chat(c.chatID)
}

// HandleSend appends text as a user message to the current chat. The reply
// is requested by the store observer, so the controller must be mounted.
func (c *ChatController) HandleSend(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	c.mu.Lock()
	mounted := c.mounted
	c.mu.Unlock()
	if !mounted {
		return ErrNotMounted
	}
	current, ok := c.store.CurrentChat()
	if !ok || current.ID != c.chatID {
		return ErrNoCurrentChat
	}
	// set before appending: the observer may finish the reply before
	// AddMessage returns
	c.loading.Store(true)
	if !c.store.AddMessage(ctx, current.ID, c.store.NewMessage(domain.RoleUserMessage, text)) {
		c.loading.Store(false)
		c.alerter.Alert("Error", "Failed to send message")
		return ErrChatNotFound
	}
	return nil
}

// BeginTitleEdit returns the title to seed the edit field with.
func (c *ChatController) BeginTitleEdit() (string, bool) {
	chat, ok := c.store.CurrentChat()
	if !ok {
		return "", false
	}
	return chat.Title, true
}

// ConfirmTitleEdit renames the current chat when text is not blank.
func (c *ChatController) ConfirmTitleEdit(ctx context.Context, text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	chat, ok := c.store.CurrentChat()
	if !ok {
		return false
	}
	return c.store.UpdateChatTitle(ctx, chat.ID, text)
}

// onChange reacts only when the message list grew. Renames leave it as is,
// so a dropped turn is never sent again.
func (c *ChatController) onChange(chat domain.Chat) {
	if chat.ID != c.chatID {
		return
	}
	c.mu.Lock()
	grew := len(chat.Messages) > c.seen
	if grew {
		c.seen = len(chat.Messages)
	}
	c.mu.Unlock()
	if !grew {
		return
	}
	last, ok := chat.LastMessage()
	if !ok || last.Role != domain.RoleUserMessage {
		return
	}
	c.requestReply(chat.ID, last.Content)
}

func (c *ChatController) requestReply(chatID int64, message string) {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return
	}
	if !c.fetching.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.inflight.Add(1)
	c.mu.Unlock()

	c.loading.Store(true)
	go func() {
		defer c.inflight.Done()
		defer c.fetching.Store(false)
		defer c.loading.Store(false)

		reply, err := c.replies.Reply(ctx, strconv.FormatInt(chatID, 10), message)
		if ctx.Err() != nil {
			c.logger.Debug("AI response abandoned on unmount", "err", err)
			return
		}
		if err != nil {
			c.logger.Error("error generating AI response", "err", err)
			c.alerter.Alert("Error", "Failed to generate AI response")
			return
		}
		c.store.AddMessage(ctx, chatID, c.store.NewMessage(domain.RoleAssistantMessage, reply))
	}()
}
