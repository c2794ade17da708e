package chatstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"pingai/pkg/domain"
)

const (
	// StorageKey is the single key holding the serialized chat collection.
	StorageKey = "chats"

	DefaultTitle = "New Chat"
	Greeting     = "Hello! I'm your networking AI assistant. How can I help you today?"
)

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source used for ids and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger used for swallowed storage failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store keeps the ordered chat collection in memory and mirrors every
// mutation to Storage as a whole-collection overwrite. It assumes a single
// writer per storage key; concurrent processes race and the last write wins.
type Store struct {
	mu        sync.Mutex
	storage   Storage
	now       func() time.Time
	logger    *slog.Logger
	chats     []domain.Chat
	currentID int64
	lastID    int64

	obsMu     sync.Mutex
	observers map[int]func(domain.Chat)
	nextObs   int
}

// New builds a store and loads the persisted collection. When the collection
// is non-empty the first chat becomes current.
func New(ctx context.Context, storage Storage, opts ...Option) *Store {
	s := &Store{
		storage:   storage,
		now:       time.Now,
		logger:    slog.Default(),
		observers: make(map[int]func(domain.Chat)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.load(ctx)
	return s
}

func (s *Store) load(ctx context.Context) {
	if s.storage == nil {
		return
	}
	raw, ok, err := s.storage.Get(ctx, StorageKey)
	if err != nil {
		s.logger.Error("error loading chats", "err", err)
		return
	}
	if !ok || len(raw) == 0 {
		return
	}
	var chats []domain.Chat
	if err := json.Unmarshal(raw, &chats); err != nil {
		s.logger.Error("error loading chats", "err", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats = chats
	for _, c := range chats {
		if c.ID > s.lastID {
			s.lastID = c.ID
		}
	}
	if len(chats) > 0 {
		s.currentID = chats[0].ID
	}
}

// CreateChat appends a new chat seeded with the assistant greeting, makes it
// current and persists the collection.
func (s *Store) CreateChat(ctx context.Context) domain.Chat {
	s.mu.Lock()
	now := s.now().UTC()
	id := now.UnixMilli()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	s.lastID = id
	chat := domain.Chat{
		ID:    id,
		Title: DefaultTitle,
		Messages: []domain.Message{{
			ID:        now.UnixMilli(),
			Role:      domain.RoleAssistantMessage,
			Content:   Greeting,
			Timestamp: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.chats = append(s.chats, chat)
	s.currentID = chat.ID
	s.saveLocked(ctx)
	out := chat.Clone()
	s.mu.Unlock()

	s.notify(out)
	return out
}

// UpdateChatTitle renames the matching chat. It reports false and leaves the
// collection untouched when no chat has that id.
func (s *Store) UpdateChatTitle(ctx context.Context, chatID int64, title string) bool {
	s.mu.Lock()
	idx := s.indexLocked(chatID)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.chats[idx].Title = title
	s.chats[idx].UpdatedAt = s.now().UTC()
	s.saveLocked(ctx)
	out := s.chats[idx].Clone()
	s.mu.Unlock()

	s.notify(out)
	return true
}

// AddMessage appends msg to the matching chat. Appended messages are never
// modified afterwards.
func (s *Store) AddMessage(ctx context.Context, chatID int64, msg domain.Message) bool {
	s.mu.Lock()
	idx := s.indexLocked(chatID)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now().UTC()
	}
	chat := s.chats[idx]
	messages := make([]domain.Message, len(chat.Messages), len(chat.Messages)+1)
	copy(messages, chat.Messages)
	chat.Messages = append(messages, msg.Clone())
	chat.UpdatedAt = s.now().UTC()
	s.chats[idx] = chat
	s.saveLocked(ctx)
	out := chat.Clone()
	s.mu.Unlock()

	s.notify(out)
	return true
}

// SetCurrentChat marks the chat with the given id as active.
func (s *Store) SetCurrentChat(chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexLocked(chatID) < 0 {
		return false
	}
	s.currentID = chatID
	return true
}

// CurrentChat returns a copy of the active chat.
func (s *Store) CurrentChat() (domain.Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(s.currentID)
	if idx < 0 {
		return domain.Chat{}, false
	}
	return s.chats[idx].Clone(), true
}

// Chat returns a copy of the chat with the given id.
func (s *Store) Chat(chatID int64) (domain.Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexLocked(chatID)
	if idx < 0 {
		return domain.Chat{}, false
	}
	return s.chats[idx].Clone(), true
}

// Chats returns a copy of the whole collection in order.
func (s *Store) Chats() []domain.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Chat, len(s.chats))
	for i, c := range s.chats {
		out[i] = c.Clone()
	}
	return out
}

// NewMessage builds a message stamped with the store clock.
func (s *Store) NewMessage(role domain.MessageRole, content string) domain.Message {
	now := s.now().UTC()
	return domain.Message{
		ID:        now.UnixMilli(),
		Role:      role,
		Content:   content,
		Timestamp: now,
	}
}

// Subscribe registers fn to run after every mutation with a copy of the
// mutated chat. The returned func removes the observer.
func (s *Store) Subscribe(fn func(domain.Chat)) func() {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.obsMu.Lock()
			delete(s.observers, id)
			s.obsMu.Unlock()
		})
	}
}

func (s *Store) notify(chat domain.Chat) {
	s.obsMu.Lock()
	fns := make([]func(domain.Chat), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()
	for _, fn := range fns {
		fn(chat.Clone())
	}
}

func (s *Store) indexLocked(chatID int64) int {
	for i := range s.chats {
		if s.chats[i].ID == chatID {
			return i
		}
	}
	return -1
}

func (s *Store) saveLocked(ctx context.Context) {
	if s.storage == nil {
		return
	}
	raw, err := json.Marshal(s.chats)
	if err != nil {
		s.logger.Error("error saving chats", "err", err)
		return
	}
	if err := s.storage.Set(ctx, StorageKey, raw); err != nil {
		s.logger.Error("error saving chats", "err", err)
	}
}
