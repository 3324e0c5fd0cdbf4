package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doverie/internal/identity"
	"doverie/internal/models"
	"doverie/internal/notify"
	"doverie/internal/wire"
)

type fakeMessages struct {
	mu        sync.Mutex
	listCalls int
	pages     map[string]Page
	listErr   error
	sendResp  wire.Raw
	sendErr   error
	reactResp any
	reactErr  error
	markRead  [][]string
}

func (f *fakeMessages) List(ctx context.Context, dialogID string, limit int, cursor string) (Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return Page{}, f.listErr
	}
	return f.pages[cursor], nil
}

func (f *fakeMessages) Send(ctx context.Context, dialogID string, req SendRequest) (wire.Raw, error) {
	return f.sendResp, f.sendErr
}

func (f *fakeMessages) MarkRead(ctx context.Context, dialogID string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markRead = append(f.markRead, ids)
	return nil
}

func (f *fakeMessages) React(ctx context.Context, messageID, emoji string, add *bool) (any, error) {
	return f.reactResp, f.reactErr
}

func (f *fakeMessages) Edit(ctx context.Context, dialogID, messageID, text string) error {
	return nil
}

func (f *fakeMessages) Delete(ctx context.Context, dialogID, messageID string) error {
	return nil
}

type fakeDialogs struct {
	list    []wire.Raw
	details wire.Raw
}

func (f *fakeDialogs) List(ctx context.Context) ([]wire.Raw, error) { return f.list, nil }
func (f *fakeDialogs) Details(ctx context.Context, dialogID string) (wire.Raw, error) {
	if f.details == nil {
		return nil, errors.New("no details")
	}
	return f.details, nil
}
func (f *fakeDialogs) Members(ctx context.Context, dialogID string) ([]wire.Raw, error) {
	return nil, errors.New("no members endpoint")
}

type publish struct {
	dest string
	body map[string]any
}

type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	published []publish
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Publish(destination string, body any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return false
	}
	m, _ := body.(map[string]any)
	f.published = append(f.published, publish{dest: destination, body: m})
	return true
}

func (f *fakeTransport) Subscribe(topic string, fn func(body []byte)) (func(), error) {
	return func() {}, nil
}

func (f *fakeTransport) sent(dest string) []publish {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publish
	for _, p := range f.published {
		if p.dest == dest {
			out = append(out, p)
		}
	}
	return out
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) Notify(kind notify.Kind, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
}

func (f *fakeNotifier) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

type env struct {
	session  *Session
	messages *fakeMessages
	dialogs  *fakeDialogs
	tr       *fakeTransport
	notifier *fakeNotifier
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	e := &env{
		messages: &fakeMessages{pages: map[string]Page{}},
		dialogs:  &fakeDialogs{},
		tr:       &fakeTransport{},
		notifier: &fakeNotifier{},
	}
	cfg.Destinations = Destinations{
		Send:   "/app/send",
		Typing: "/app/typing",
		Edit:   "/app/edit",
		Delete: "/app/delete",
		React:  "/app/react",
		Read:   "/app/read",
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	e.session = New(ctx, Deps{
		Messages:  e.messages,
		Dialogs:   e.dialogs,
		Transport: e.tr,
		Viewer:    identity.Identity{UserID: 1, Role: models.RoleClient},
		Notifier:  e.notifier,
		Log:       zerolog.Nop(),
	}, cfg)
	t.Cleanup(e.session.Close)
	return e
}

func TestSendMessageCollapsesWithRESTEcho(t *testing.T) {
	e := newEnv(t, Config{})
	e.messages.sendResp = wire.Raw{
		"id":         "42",
		"chatId":     "d1",
		"fromUserId": float64(1),
		"text":       "hello",
		"createdAt":  "2026-01-01T10:00:00Z",
	}

	clientID, err := e.session.SendMessage(context.Background(), SendInput{DialogID: "d1", Text: "hello"})
	require.NoError(t, err)
	require.NotEmpty(t, clientID)

	msgs := e.session.MessagesFor("d1")
	require.Len(t, msgs, 1, "optimistic entry and echo must collapse")
	assert.Equal(t, "42", msgs[0].ID)
	assert.Equal(t, clientID, msgs[0].ClientID)
	assert.Equal(t, models.StatusSent, msgs[0].Status)

	d, ok := e.session.Dialog("d1")
	require.True(t, ok)
	require.NotNil(t, d.LastMessage)
	assert.Equal(t, "hello", *d.LastMessage)
}

func TestSendMessagePrefersSocket(t *testing.T) {
	e := newEnv(t, Config{})
	e.tr.connected = true

	clientID, err := e.session.SendMessage(context.Background(), SendInput{DialogID: "d1", Text: "hi"})
	require.NoError(t, err)

	sends := e.tr.sent("/app/send")
	require.Len(t, sends, 1)
	assert.Equal(t, clientID, sends[0].body["clientId"])
	assert.Equal(t, "d1", sends[0].body["chatId"])

	// No REST confirmation yet: the message stays pending until the echo.
	msgs := e.session.MessagesFor("d1")
	require.Len(t, msgs, 1)
	assert.Equal(t, models.StatusPending, msgs[0].Status)

	// The socket echo confirms and unifies identities.
	e.session.HandleIncomingMessage(wire.Raw{
		"id": "42", "chatId": "d1", "clientId": clientID,
		"fromUserId": float64(1), "text": "hi",
	})
	msgs = e.session.MessagesFor("d1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "42", msgs[0].ID)
	assert.Equal(t, models.StatusSent, msgs[0].Status)
}

func TestSendMessageFailureKeepsFailedEntry(t *testing.T) {
	e := newEnv(t, Config{})
	e.messages.sendErr = errors.New("boom")

	clientID, err := e.session.SendMessage(context.Background(), SendInput{DialogID: "d1", Text: "hi"})
	require.Error(t, err)

	msgs := e.session.MessagesFor("d1")
	require.Len(t, msgs, 1)
	assert.Equal(t, clientID, msgs[0].ClientID)
	assert.Equal(t, models.StatusFailed, msgs[0].Status)
	assert.Contains(t, e.notifier.all(), "Failed to send message")
}

func TestSendWithFilesAlwaysUsesREST(t *testing.T) {
	e := newEnv(t, Config{})
	e.tr.connected = true
	e.messages.sendResp = wire.Raw{"id": "42", "chatId": "d1"}

	_, err := e.session.SendMessage(context.Background(), SendInput{
		DialogID: "d1",
		Files:    []Upload{{Name: "a.png", Path: "/nonexistent/a.png"}},
	})
	require.NoError(t, err)
	assert.Empty(t, e.tr.sent("/app/send"), "uploads must not go over the socket")
}

func TestLoadMessagesOncePerDialog(t *testing.T) {
	e := newEnv(t, Config{})
	e.messages.pages[""] = Page{Items: []wire.Raw{
		{"id": "m1", "text": "old", "createdAt": "2026-01-01T10:00:00Z"},
	}}

	e.session.OpenDialog(context.Background(), "d1")
	require.Len(t, e.session.MessagesFor("d1"), 1)

	e.session.CloseDialog()
	e.session.OpenDialog(context.Background(), "d1")

	e.messages.mu.Lock()
	calls := e.messages.listCalls
	e.messages.mu.Unlock()
	assert.Equal(t, 1, calls, "reopening must not refetch history")
}

func TestLoadMessagesFailureKeepsState(t *testing.T) {
	e := newEnv(t, Config{})
	e.session.applyMessage(models.Message{ID: "m1", DialogID: "d1", Text: "kept", FromUserID: 1})
	e.messages.listErr = errors.New("boom")

	err := e.session.LoadMessages(context.Background(), "d1", false)
	require.Error(t, err)

	assert.Len(t, e.session.MessagesFor("d1"), 1, "failed load must not clear messages")
	assert.Contains(t, e.notifier.all(), "Failed to load messages")
	assert.True(t, e.session.HistoryLoaded("d1"), "attempt counts even on failure")
}

func TestLoadMessagesAppendUsesCursor(t *testing.T) {
	e := newEnv(t, Config{})
	e.messages.pages[""] = Page{
		Items:      []wire.Raw{{"id": "m2", "createdAt": "2026-01-01T11:00:00Z"}},
		NextCursor: "older",
	}
	e.messages.pages["older"] = Page{
		Items: []wire.Raw{{"id": "m1", "createdAt": "2026-01-01T10:00:00Z"}},
	}

	require.NoError(t, e.session.LoadMessages(context.Background(), "d1", false))
	require.NoError(t, e.session.LoadMessages(context.Background(), "d1", true))

	msgs := e.session.MessagesFor("d1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID, "older page must sort before the first page")

	// Cursor exhausted: further appends are no-ops.
	require.NoError(t, e.session.LoadMessages(context.Background(), "d1", true))
	e.messages.mu.Lock()
	calls := e.messages.listCalls
	e.messages.mu.Unlock()
	assert.Equal(t, 2, calls)
}

func TestUnreadIncrementsOnlyForCounterpartMessages(t *testing.T) {
	e := newEnv(t, Config{})

	e.session.HandleIncomingMessage(wire.Raw{"id": "m1", "chatId": "d1", "fromUserId": float64(7), "text": "a"})
	e.session.HandleIncomingMessage(wire.Raw{"id": "m2", "chatId": "d1", "fromUserId": float64(1), "text": "own"})
	// A repeated push of a known message must not double-count.
	e.session.HandleIncomingMessage(wire.Raw{"id": "m1", "chatId": "d1", "fromUserId": float64(7), "text": "a"})

	d, _ := e.session.Dialog("d1")
	assert.Equal(t, 1, d.Unread())

	// Opening the dialog must not reset the counter.
	e.session.OpenDialog(context.Background(), "d1")
	d, _ = e.session.Dialog("d1")
	assert.Equal(t, 1, d.Unread())
}

func TestMarkMessagesReadExactDecrement(t *testing.T) {
	e := newEnv(t, Config{})
	e.tr.connected = true
	e.session.UpsertDialog(wire.Raw{"id": "d1", "unreadCount": float64(5)})

	e.session.applyMessage(models.Message{ID: "own", DialogID: "d1", FromUserID: 1})
	e.session.applyMessage(models.Message{ID: "unread", DialogID: "d1", FromUserID: 7})
	e.session.applyMessage(models.Message{
		ID: "seen", DialogID: "d1", FromUserID: 7,
		ReadByClient: models.Ptr(true),
	})

	// Two counterpart pushes bumped unread to 7.
	d, _ := e.session.Dialog("d1")
	require.Equal(t, 7, d.Unread())

	e.session.MarkMessagesRead(context.Background(), "d1", []string{"own", "unread", "seen", "ghost"})

	// Only "unread" qualifies: not ours, not already read, actually known.
	d, _ = e.session.Dialog("d1")
	assert.Equal(t, 6, d.Unread())

	reads := e.tr.sent("/app/read")
	require.Len(t, reads, 1)
	assert.Equal(t, []string{"unread"}, reads[0].body["messageIds"])

	// Own messages never get the viewer flag.
	for _, m := range e.session.MessagesFor("d1") {
		if m.ID == "own" {
			assert.False(t, m.IsReadBy(models.RoleClient))
		}
	}

	// Marking again is a no-op: nothing unread matches, nothing published.
	e.session.MarkMessagesRead(context.Background(), "d1", []string{"unread"})
	assert.Len(t, e.tr.sent("/app/read"), 1)
}

func TestApplyReadEventMarksOwnMessages(t *testing.T) {
	e := newEnv(t, Config{})
	e.session.applyMessage(models.Message{ID: "m1", DialogID: "d1", FromUserID: 1})
	e.session.applyMessage(models.Message{ID: "m2", DialogID: "d1", FromUserID: 7})

	// Echo of our own read receipt: ignored.
	e.session.ApplyReadEvent("d1", 1, []string{"m1"}, "")
	for _, m := range e.session.MessagesFor("d1") {
		assert.False(t, m.IsReadBy(models.RolePsychologist), "echo must not flag anything")
	}

	e.session.ApplyReadEvent("d1", 7, []string{"m1", "m2"}, "")
	for _, m := range e.session.MessagesFor("d1") {
		switch m.ID {
		case "m1":
			assert.True(t, m.IsReadBy(models.RolePsychologist))
		case "m2":
			// The counterpart reading their own message is not our flag.
			assert.False(t, m.IsReadBy(models.RolePsychologist))
		}
	}
}

func TestApplyReadEventUpToCursor(t *testing.T) {
	e := newEnv(t, Config{})
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"m1", "m2", "m3"} {
		e.session.applyMessage(models.Message{
			ID: id, DialogID: "d1", FromUserID: 1,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	e.session.ApplyReadEvent("d1", 7, nil, "m2")

	want := map[string]bool{"m1": true, "m2": true, "m3": false}
	for _, m := range e.session.MessagesFor("d1") {
		assert.Equal(t, want[m.ID], m.IsReadBy(models.RolePsychologist), m.ID)
	}
}

func TestReactionRollbackOnRESTFailure(t *testing.T) {
	e := newEnv(t, Config{})
	e.messages.reactErr = errors.New("boom")
	e.session.applyMessage(models.Message{
		ID: "m1", DialogID: "d1", FromUserID: 7,
		Reactions: []models.Reaction{{Emoji: "+1", Count: 2}},
	})

	err := e.session.ReactToMessage(context.Background(), ReactInput{
		DialogID: "d1", MessageID: "m1", Emoji: "+1",
	})
	require.Error(t, err)

	msgs := e.session.MessagesFor("d1")
	require.Len(t, msgs[0].Reactions, 1)
	assert.Equal(t, 2, msgs[0].Reactions[0].Count, "failed reaction must roll back")
	assert.False(t, msgs[0].Reactions[0].Me)
	assert.Contains(t, e.notifier.all(), "Failed to update reaction")
}

func TestReactionToggle(t *testing.T) {
	e := newEnv(t, Config{})
	e.tr.connected = true
	e.session.applyMessage(models.Message{
		ID: "m1", DialogID: "d1", FromUserID: 7,
		Reactions: []models.Reaction{{Emoji: "+1", Count: 1, Me: true}},
	})

	// Already mine: the toggle removes it.
	require.NoError(t, e.session.ReactToMessage(context.Background(), ReactInput{
		DialogID: "d1", MessageID: "m1", Emoji: "+1",
	}))
	assert.Empty(t, e.session.MessagesFor("d1")[0].Reactions)

	reacts := e.tr.sent("/app/react")
	require.Len(t, reacts, 1)
	assert.Equal(t, false, reacts[0].body["add"])
}

func TestReactionEventFromOthers(t *testing.T) {
	e := newEnv(t, Config{})
	e.session.applyMessage(models.Message{ID: "m1", DialogID: "d1", FromUserID: 7})

	e.session.ApplyReactionEvent(wire.Raw{
		"chatId": "d1", "messageId": "m1", "emoji": "+1", "add": true, "fromUserId": float64(7),
	})
	got := e.session.MessagesFor("d1")[0].Reactions
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Count)
	assert.False(t, got[0].Me)

	// Authoritative summary, including an empty one, replaces the set.
	e.session.ApplyReactionEvent(wire.Raw{
		"chatId": "d1", "messageId": "m1", "reactions": []any{},
	})
	assert.Empty(t, e.session.MessagesFor("d1")[0].Reactions)
}

func TestDeleteEventIsTerminal(t *testing.T) {
	e := newEnv(t, Config{})
	e.session.applyMessage(models.Message{
		ID: "m1", DialogID: "d1", FromUserID: 7, Text: "secret",
		Reactions: []models.Reaction{{Emoji: "+1", Count: 1}},
	})

	// Frame without a dialog id still finds the message.
	e.session.ApplyDeleteEvent(wire.Raw{"messageId": "m1"})

	m := e.session.MessagesFor("d1")[0]
	assert.True(t, m.Deleted)
	assert.Equal(t, models.DeletedText, m.Text)
	assert.Empty(t, m.Reactions)

	// A later edit push cannot resurrect it.
	e.session.ApplyEditEvent(wire.Raw{"id": "m1", "chatId": "d1", "text": "resurrected"})
	m = e.session.MessagesFor("d1")[0]
	assert.Equal(t, models.DeletedText, m.Text)
}

func TestEditMessageLocalAndPublish(t *testing.T) {
	e := newEnv(t, Config{})
	e.tr.connected = true
	e.session.applyMessage(models.Message{ID: "m1", DialogID: "d1", FromUserID: 1, Text: "old"})

	require.NoError(t, e.session.EditMessage(context.Background(), "d1", "m1", "new"))

	m := e.session.MessagesFor("d1")[0]
	assert.Equal(t, "new", m.Text)
	assert.True(t, m.Edited)
	require.Len(t, e.tr.sent("/app/edit"), 1)

	assert.ErrorIs(t, e.session.EditMessage(context.Background(), "d1", "ghost", "x"), models.ErrNotFound)
}

func TestTypingThrottleAndAutoStop(t *testing.T) {
	e := newEnv(t, Config{
		TypingThrottle:  40 * time.Millisecond,
		TypingStopAfter: 60 * time.Millisecond,
	})
	e.tr.connected = true

	for i := 0; i < 5; i++ {
		e.session.NotifyTyping("d1")
		time.Sleep(2 * time.Millisecond)
	}

	sends := e.tr.sent("/app/typing")
	require.Len(t, sends, 1, "rapid keystrokes must collapse to one typing:true")
	assert.Equal(t, true, sends[0].body["typing"])

	// After the keystrokes stop, the auto-stop fires typing:false.
	assert.Eventually(t, func() bool {
		sends := e.tr.sent("/app/typing")
		return len(sends) == 2 && sends[1].body["typing"] == false
	}, time.Second, 10*time.Millisecond)
}

func TestIncomingTypingExpires(t *testing.T) {
	e := newEnv(t, Config{TypingExpiry: 50 * time.Millisecond})

	e.session.SetTypingUser("d1", 7, true)
	d, _ := e.session.Dialog("d1")
	assert.True(t, d.IsTyping())
	assert.Equal(t, []int64{7}, e.session.TypingUsers("d1"))

	// Own echoed typing is never shown.
	e.session.SetTypingUser("d1", 1, true)
	assert.Equal(t, []int64{7}, e.session.TypingUsers("d1"))

	assert.Eventually(t, func() bool {
		d, _ := e.session.Dialog("d1")
		return !d.IsTyping()
	}, time.Second, 10*time.Millisecond)
}

func TestTypingClearedByPartnerMessage(t *testing.T) {
	e := newEnv(t, Config{TypingExpiry: 10 * time.Second})
	e.session.SetTypingUser("d1", 7, true)

	e.session.HandleIncomingMessage(wire.Raw{"id": "m1", "chatId": "d1", "fromUserId": float64(7), "text": "done"})

	d, _ := e.session.Dialog("d1")
	assert.False(t, d.IsTyping(), "a delivered message ends the typing run")
}

func TestRefreshDialogsMergesOverKnownState(t *testing.T) {
	e := newEnv(t, Config{})
	e.session.UpsertDialog(wire.Raw{"id": "d1", "title": "Anna", "online": true})
	e.session.SetTypingUser("d1", 7, true)

	e.dialogs.list = []wire.Raw{
		{"id": "d1", "lastMessage": "bye", "typing": false},
		{"id": "d2", "title": "Group"},
	}
	require.NoError(t, e.session.RefreshDialogs(context.Background()))

	d, _ := e.session.Dialog("d1")
	require.NotNil(t, d.Title)
	assert.Equal(t, "Anna", *d.Title, "refresh must not drop known fields")
	assert.True(t, d.IsTyping(), "stale typing=false must not cancel the live flag")

	_, ok := e.session.Dialog("d2")
	assert.True(t, ok)
}

func TestPresenceDeltaUpdatesDirectDialog(t *testing.T) {
	e := newEnv(t, Config{})
	e.session.UpsertDialog(wire.Raw{"id": "d1", "type": "DIRECT", "partnerUserId": float64(7)})

	e.session.ApplyPresence(wire.Raw{"userId": float64(7), "isOnline": true})

	d, _ := e.session.Dialog("d1")
	require.NotNil(t, d.Online)
	assert.True(t, *d.Online)
}
