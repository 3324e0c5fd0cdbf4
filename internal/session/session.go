package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/c-pro/geche"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"doverie/internal/identity"
	"doverie/internal/models"
	"doverie/internal/notify"
	"doverie/internal/wire"
)

// Page is one slice of dialog history. An empty NextCursor means there is
// no older history to fetch.
type Page struct {
	Items      []wire.Raw
	NextCursor string
}

type Upload struct {
	Name string
	Path string
}

type SendRequest struct {
	ClientID         string
	Text             string
	Files            []Upload
	ReplyToMessageID string
	ReplyToClientID  string
}

// MessageAPI is the REST messages collaborator. Responses come back as raw
// payloads: the session runs them through the normalizers, the transport
// layer stays shape-agnostic.
type MessageAPI interface {
	List(ctx context.Context, dialogID string, limit int, cursor string) (Page, error)
	Send(ctx context.Context, dialogID string, req SendRequest) (wire.Raw, error)
	MarkRead(ctx context.Context, dialogID string, ids []string) error
	React(ctx context.Context, messageID, emoji string, add *bool) (any, error)
	Edit(ctx context.Context, dialogID, messageID, text string) error
	Delete(ctx context.Context, dialogID, messageID string) error
}

// DialogAPI is the REST dialogs collaborator. Details and Members are
// optional endpoints: a StatusError is an acceptable answer.
type DialogAPI interface {
	List(ctx context.Context) ([]wire.Raw, error)
	Details(ctx context.Context, dialogID string) (wire.Raw, error)
	Members(ctx context.Context, dialogID string) ([]wire.Raw, error)
}

// Transport is the realtime capability the session publishes through.
// Publish returns false when the socket is down or the write failed; the
// caller decides whether a REST fallback exists.
type Transport interface {
	Connected() bool
	Publish(destination string, body any) bool
	Subscribe(topic string, fn func(body []byte)) (func(), error)
}

// Store is the optional warm-start cache. All calls are best-effort.
type Store interface {
	SaveDialogs(dialogs []models.Dialog) error
	SaveMessages(dialogID string, msgs []models.Message) error
	LoadDialogs() ([]models.Dialog, error)
	LoadMessages(dialogID string) ([]models.Message, error)
}

// Destinations are the outbound publish targets. The literal strings are
// deployment configuration, never protocol.
type Destinations struct {
	Send   string
	Typing string
	Edit   string
	Delete string
	React  string
	Read   string
}

type Config struct {
	PageSize            int
	PreviewLength       int
	TypingThrottle      time.Duration
	TypingStopAfter     time.Duration
	TypingExpiry        time.Duration
	DetailRefreshWindow time.Duration
	// MutationFallback enables a REST fallback for edit/delete when the
	// socket is down. The platform contract historically had none; keep it
	// switchable instead of hard-coding either answer.
	MutationFallback bool
	Destinations     Destinations
}

func (c *Config) withDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = 30
	}
	if c.PreviewLength <= 0 {
		c.PreviewLength = 120
	}
	if c.TypingThrottle <= 0 {
		c.TypingThrottle = 900 * time.Millisecond
	}
	if c.TypingStopAfter <= 0 {
		c.TypingStopAfter = 1200 * time.Millisecond
	}
	if c.TypingExpiry <= 0 {
		c.TypingExpiry = 2600 * time.Millisecond
	}
	if c.DetailRefreshWindow <= 0 {
		c.DetailRefreshWindow = 15 * time.Second
	}
}

type Deps struct {
	Messages  MessageAPI
	Dialogs   DialogAPI
	Transport Transport
	Viewer    identity.Identity
	Notifier  notify.Notifier
	Store     Store
	Log       zerolog.Logger
}

// Session owns the client-side view of every dialog: message arrays,
// dialog metadata, cursors, typing state. All mutation funnels through its
// methods; callers only ever see copies.
type Session struct {
	cfg      Config
	viewer   identity.Identity
	msgAPI   MessageAPI
	dlgAPI   DialogAPI
	tr       Transport
	notifier notify.Notifier
	store    Store
	log      zerolog.Logger
	now      func() time.Time

	mu            sync.Mutex
	dialogs       map[string]*models.Dialog
	messages      map[string][]models.Message
	cursors       map[string]string
	historyLoaded map[string]bool
	loading       map[string]bool
	active        string

	typingUsers  map[string]map[int64]*time.Timer
	dialogTyping map[string]*time.Timer
	typingLimits map[string]*rate.Limiter
	typingStop   map[string]*time.Timer

	detailsFresh geche.Geche[string, bool]

	onActive  []func(dialogID string)
	onMessage []func(models.Message)
	closed    bool
}

func New(ctx context.Context, deps Deps, cfg Config) *Session {
	cfg.withDefaults()
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	return &Session{
		cfg:      cfg,
		viewer:   deps.Viewer,
		msgAPI:   deps.Messages,
		dlgAPI:   deps.Dialogs,
		tr:       deps.Transport,
		notifier: deps.Notifier,
		store:    deps.Store,
		log:      deps.Log.With().Str("component", "session").Logger(),
		now:      time.Now,

		dialogs:       make(map[string]*models.Dialog),
		messages:      make(map[string][]models.Message),
		cursors:       make(map[string]string),
		historyLoaded: make(map[string]bool),
		loading:       make(map[string]bool),
		typingUsers:   make(map[string]map[int64]*time.Timer),
		dialogTyping:  make(map[string]*time.Timer),
		typingLimits:  make(map[string]*rate.Limiter),
		typingStop:    make(map[string]*time.Timer),
		detailsFresh:  geche.NewMapTTLCache[string, bool](ctx, cfg.DetailRefreshWindow, time.Second),
	}
}

// Viewer returns the authenticated identity the session acts as.
func (s *Session) Viewer() identity.Identity { return s.viewer }

// Dialogs returns a snapshot of the dialog list, most recently updated
// first.
func (s *Session) Dialogs() []models.Dialog {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Dialog, 0, len(s.dialogs))
	for _, d := range s.dialogs {
		out = append(out, *d)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i].UpdatedAt, out[j].UpdatedAt
		switch {
		case ti == nil:
			return false
		case tj == nil:
			return true
		default:
			return ti.After(*tj)
		}
	})
	return out
}

// Dialog returns one dialog snapshot by id.
func (s *Session) Dialog(id string) (models.Dialog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dialogs[id]
	if !ok {
		return models.Dialog{}, false
	}
	return *d, true
}

// MessagesFor returns a copy of the dialog's message array, createdAt
// ascending.
func (s *Session) MessagesFor(dialogID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages[dialogID]...)
}

func (s *Session) ActiveDialog() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) HistoryLoaded(dialogID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyLoaded[dialogID]
}

// TypingUsers returns the ids currently typing in a dialog.
func (s *Session) TypingUsers(dialogID string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.typingUsers[dialogID]
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// OnActiveChange registers a hook fired whenever the active dialog
// changes. Used by the router to force a viewing heartbeat.
func (s *Session) OnActiveChange(fn func(dialogID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onActive = append(s.onActive, fn)
}

// OnMessage registers a hook fired for every message upsert.
func (s *Session) OnMessage(fn func(models.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = append(s.onMessage, fn)
}

// Prime loads the cached dialog list and recent messages so a restarted
// client has something to show before the first sync completes.
func (s *Session) Prime() {
	if s.store == nil {
		return
	}
	dialogs, err := s.store.LoadDialogs()
	if err != nil {
		s.log.Debug().Err(err).Msg("cache prime skipped")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range dialogs {
		d := dialogs[i]
		s.dialogs[d.ID] = &d
		if msgs, err := s.store.LoadMessages(d.ID); err == nil && len(msgs) > 0 {
			s.messages[d.ID] = msgs
		}
	}
}

// Close tears down every timer the session owns. In-flight requests are
// not cancelled; their completions land on a closed session and are
// discarded.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, set := range s.typingUsers {
		for _, t := range set {
			t.Stop()
		}
	}
	for _, t := range s.dialogTyping {
		t.Stop()
	}
	for _, t := range s.typingStop {
		t.Stop()
	}
}

func (s *Session) ensureDialogLocked(id string) *models.Dialog {
	d, ok := s.dialogs[id]
	if !ok {
		d = &models.Dialog{ID: id}
		s.dialogs[id] = d
	}
	return d
}

func (s *Session) persistDialogs() {
	if s.store == nil {
		return
	}
	snapshot := s.Dialogs()
	if err := s.store.SaveDialogs(snapshot); err != nil {
		s.log.Debug().Err(err).Msg("dialog cache write failed")
	}
}

func (s *Session) persistMessages(dialogID string) {
	if s.store == nil {
		return
	}
	msgs := s.MessagesFor(dialogID)
	if err := s.store.SaveMessages(dialogID, msgs); err != nil {
		s.log.Debug().Err(err).Msg("message cache write failed")
	}
}
