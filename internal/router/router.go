package router

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"doverie/internal/session"
	"doverie/internal/wire"
)

// Topics are the inbound subscriptions. The literal strings are deployment
// configuration, injected at construction.
type Topics struct {
	Inbox    string
	Typing   string
	Dialogs  string
	Presence string
}

// Destinations are the outbound publish targets owned by the router.
type Destinations struct {
	View  string
	Join  string
	Leave string
}

type Config struct {
	Topics       Topics
	Destinations Destinations
	// DialogsDebounce coalesces bursts of change notifications into one
	// list refetch.
	DialogsDebounce time.Duration
	// HeartbeatInterval is the steady viewing-heartbeat period while a
	// dialog is open.
	HeartbeatInterval time.Duration
	// HeartbeatMinGap rate-limits unforced heartbeats.
	HeartbeatMinGap time.Duration
}

func (c *Config) withDefaults() {
	if c.DialogsDebounce <= 0 {
		c.DialogsDebounce = 300 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.HeartbeatMinGap <= 0 {
		c.HeartbeatMinGap = 2 * time.Second
	}
}

// Router subscribes to the inbound topics and dispatches every frame to
// the session by inferred type. It also owns the dialogs-refresh debounce
// and the viewing heartbeat.
type Router struct {
	session *session.Session
	tr      session.Transport
	cfg     Config
	log     zerolog.Logger

	// instanceID identifies this client instance in viewing heartbeats.
	instanceID  string
	viewLimiter *rate.Limiter

	mu           sync.Mutex
	unsubs       []func()
	dialogsTimer *time.Timer
	visible      bool
	closed       bool
}

func New(s *session.Session, tr session.Transport, cfg Config, log zerolog.Logger) *Router {
	cfg.withDefaults()
	return &Router{
		session:     s,
		tr:          tr,
		cfg:         cfg,
		log:         log.With().Str("component", "router").Logger(),
		instanceID:  uuid.NewString(),
		viewLimiter: rate.NewLimiter(rate.Every(cfg.HeartbeatMinGap), 1),
		visible:     true,
	}
}

// Start subscribes to all configured topics and launches the heartbeat
// loop. The returned error is the first subscription failure.
func (r *Router) Start(ctx context.Context) error {
	subs := []struct {
		topic string
		fn    func([]byte)
	}{
		{r.cfg.Topics.Inbox, r.handleInbox},
		{r.cfg.Topics.Typing, r.handleTypingFrame},
		{r.cfg.Topics.Dialogs, r.handleDialogsFrame},
		{r.cfg.Topics.Presence, r.handlePresenceFrame},
	}
	for _, s := range subs {
		if s.topic == "" {
			continue
		}
		unsub, err := r.tr.Subscribe(s.topic, s.fn)
		if err != nil {
			r.Close()
			return err
		}
		r.mu.Lock()
		r.unsubs = append(r.unsubs, unsub)
		r.mu.Unlock()
	}

	r.session.OnActiveChange(func(dialogID string) {
		r.publishView(dialogID, dialogID != "", true)
	})

	if r.cfg.Destinations.Join != "" && r.tr.Connected() {
		r.tr.Publish(r.cfg.Destinations.Join, map[string]any{
			"clientId": r.instanceID,
		})
	}

	go r.heartbeatLoop(ctx)
	return nil
}

// Close unsubscribes everything, stops the debounce timer and announces
// departure.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	unsubs := r.unsubs
	r.unsubs = nil
	if r.dialogsTimer != nil {
		r.dialogsTimer.Stop()
		r.dialogsTimer = nil
	}
	r.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if active := r.session.ActiveDialog(); active != "" {
		r.publishView(active, false, true)
	}
	if r.cfg.Destinations.Leave != "" && r.tr.Connected() {
		r.tr.Publish(r.cfg.Destinations.Leave, map[string]any{
			"clientId": r.instanceID,
		})
	}
}

// SetVisible mirrors the tab-visibility signal of the original client.
// Embedders toggle it when their surface is hidden; each change forces a
// heartbeat.
func (r *Router) SetVisible(visible bool) {
	r.mu.Lock()
	r.visible = visible
	r.mu.Unlock()
	if active := r.session.ActiveDialog(); active != "" {
		r.publishView(active, true, true)
	}
}

func (r *Router) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if active := r.session.ActiveDialog(); active != "" {
				r.publishView(active, true, false)
			}
		}
	}
}

func (r *Router) publishView(dialogID string, active, force bool) {
	if dialogID == "" || r.cfg.Destinations.View == "" || !r.tr.Connected() {
		return
	}
	if !force && !r.viewLimiter.Allow() {
		return
	}
	r.mu.Lock()
	visible := r.visible
	r.mu.Unlock()
	r.tr.Publish(r.cfg.Destinations.View, map[string]any{
		"chatId":   dialogID,
		"clientId": r.instanceID,
		"active":   active,
		"visible":  visible && active,
	})
}

// handleInbox dispatches a personal-inbox frame by inferred type, in fixed
// priority order. Anything unrecognized is tried as a new message, then as
// a raw dialog upsert, then dropped.
func (r *Router) handleInbox(body []byte) {
	raw := wire.Unwrap(body)
	if raw == nil {
		r.log.Debug().Msg("undecodable inbox frame dropped")
		return
	}
	t := wire.EventType(raw)
	switch {
	case strings.Contains(t, "PRESENCE"):
		// Presence is handled on its dedicated channel.
	case strings.Contains(t, "DIALOG"):
		r.scheduleDialogsRefresh()
	case strings.Contains(t, "READ"):
		r.applyRead(raw)
	case wire.Has(raw, "typing", "isTyping", "is_typing") || strings.Contains(t, "TYP"):
		r.applyTyping(raw)
	case strings.Contains(t, "REACT"):
		r.session.ApplyReactionEvent(raw)
	case strings.Contains(t, "DELETE") || strings.Contains(t, "REMOVE"):
		r.session.ApplyDeleteEvent(raw)
	case strings.Contains(t, "EDIT") || strings.Contains(t, "UPDATE"):
		r.session.ApplyEditEvent(raw)
	default:
		if r.session.HandleIncomingMessage(raw) {
			return
		}
		if !r.session.UpsertDialog(raw) {
			r.log.Debug().Str("type", t).Msg("unrecognized inbox frame dropped")
		}
	}
}

func (r *Router) handleTypingFrame(body []byte) {
	if raw := wire.Unwrap(body); raw != nil {
		r.applyTyping(raw)
	}
}

func (r *Router) applyTyping(raw wire.Raw) {
	dialogID := wire.DialogID(raw)
	if dialogID == "" {
		return
	}
	typing := true
	if v, ok := wire.Bool(raw, "typing", "isTyping", "is_typing", "status"); ok {
		typing = v
	}
	if from, ok := wire.SenderID(raw); ok {
		r.session.SetTypingUser(dialogID, from, typing)
		return
	}
	// Legacy shape: dialog-wide flag without a user id.
	r.session.SetDialogTyping(dialogID, typing)
}

func (r *Router) applyRead(raw wire.Raw) {
	dialogID := wire.DialogID(raw)
	if dialogID == "" {
		return
	}
	reader, _ := wire.I64(raw, "readerId", "reader_id", "readByUserId",
		"fromUserId", "from_user_id", "userId", "user_id")
	ids := idList(wire.List(raw, "messageIds", "message_ids", "ids"))
	upTo := wire.ID(raw, "upToMessageId", "up_to_message_id",
		"lastReadMessageId", "last_read_message_id", "upToId")
	if len(ids) == 0 && upTo == "" {
		return
	}
	r.session.ApplyReadEvent(dialogID, reader, ids, upTo)
}

func idList(items []any) []string {
	var out []string
	for _, v := range items {
		if id := wire.ID(wire.Raw{"id": v}, "id"); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func (r *Router) handleDialogsFrame(body []byte) {
	// Whatever the change notification says in detail, the authoritative
	// answer is a fresh list; bursts collapse into one refetch.
	r.scheduleDialogsRefresh()
	_ = body
}

func (r *Router) scheduleDialogsRefresh() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.dialogsTimer != nil {
		r.dialogsTimer.Stop()
	}
	r.dialogsTimer = time.AfterFunc(r.cfg.DialogsDebounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := r.session.RefreshDialogs(ctx); err != nil {
			r.log.Debug().Err(err).Msg("debounced dialog refresh failed")
		}
	})
}

func (r *Router) handlePresenceFrame(body []byte) {
	if raw := wire.Unwrap(body); raw != nil {
		r.session.ApplyPresence(raw)
	}
}
