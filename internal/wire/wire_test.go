package wire

import (
	"testing"
	"time"

	"doverie/internal/models"
)

func TestUnwrap(t *testing.T) {
	if raw := Unwrap([]byte(`{"id": 1}`)); raw == nil || ID(raw, "id") != "1" {
		t.Fatalf("plain object: %v", raw)
	}
	// Some relays wrap the JSON payload in a JSON string.
	if raw := Unwrap([]byte(`"{\"id\": 1}"`)); raw == nil || ID(raw, "id") != "1" {
		t.Fatalf("double-encoded object: %v", raw)
	}
	if raw := Unwrap([]byte(`[1,2]`)); raw != nil {
		t.Fatalf("array should yield nil, got %v", raw)
	}
	if raw := Unwrap([]byte(`not json`)); raw != nil {
		t.Fatalf("garbage should yield nil, got %v", raw)
	}
}

func TestIDCoercesNumbers(t *testing.T) {
	raw := Raw{"a": float64(123456789), "b": "abc", "c": ""}
	if got := ID(raw, "a"); got != "123456789" {
		t.Errorf("numeric id = %q", got)
	}
	if got := ID(raw, "c", "b"); got != "abc" {
		t.Errorf("empty string should be skipped, got %q", got)
	}
	if got := ID(raw, "missing"); got != "" {
		t.Errorf("missing id = %q", got)
	}
}

func TestBoolCoercions(t *testing.T) {
	raw := Raw{"a": true, "b": "true", "c": float64(1), "d": "no"}
	for _, key := range []string{"a", "b", "c"} {
		if v, ok := Bool(raw, key); !ok || !v {
			t.Errorf("Bool(%q) = %v, %v", key, v, ok)
		}
	}
	if v, ok := Bool(raw, "d"); !ok || v {
		t.Errorf("Bool(d) = %v, %v", v, ok)
	}
	if _, ok := Bool(raw, "missing"); ok {
		t.Error("missing key reported present")
	}
}

func TestTimeByMagnitude(t *testing.T) {
	sec := float64(1767225600)      // 2026-01-01 in unix seconds
	ms := float64(1767225600000)    // the same in milliseconds
	raw := Raw{"sec": sec, "ms": ms, "str": "2026-01-01T00:00:00Z"}

	want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, key := range []string{"sec", "ms", "str"} {
		got, ok := Time(raw, key)
		if !ok || !got.Equal(want) {
			t.Errorf("Time(%q) = %v, %v; want %v", key, got, ok, want)
		}
	}
}

func TestDotPathLookup(t *testing.T) {
	raw := Raw{"message": map[string]any{"id": "m1", "from": map[string]any{"id": float64(7)}}}
	if got := ID(raw, "message.id"); got != "m1" {
		t.Errorf("nested id = %q", got)
	}
	if got, ok := I64(raw, "message.from.id"); !ok || got != 7 {
		t.Errorf("nested numeric = %d, %v", got, ok)
	}
}

func TestNormalizeMessageFieldVariants(t *testing.T) {
	variants := []Raw{
		{"id": "m1", "chatId": "d1", "fromUserId": float64(7), "text": "hello", "createdAt": "2026-01-01T10:00:00Z"},
		{"messageId": "m1", "dialog_id": "d1", "sender_id": "7", "content": "hello", "created_at": "2026-01-01T10:00:00Z"},
		{"message_id": "m1", "conversationId": float64(0xd1), "author": map[string]any{"id": float64(7)}, "body": "hello", "timestamp": float64(1767261600)},
	}
	for i, raw := range variants {
		m := NormalizeMessage(raw, "", 1)
		if m == nil {
			t.Fatalf("variant %d: normalized to nil", i)
		}
		if m.ID != "m1" || m.FromUserID != 7 || m.Text != "hello" {
			t.Errorf("variant %d: %+v", i, m)
		}
		if m.CreatedAt.IsZero() {
			t.Errorf("variant %d: createdAt not parsed", i)
		}
	}
}

func TestNormalizeMessageRequiresDialogAndIdentity(t *testing.T) {
	if m := NormalizeMessage(Raw{"id": "m1", "text": "x"}, "", 1); m != nil {
		t.Error("message without dialog id should be nil")
	}
	if m := NormalizeMessage(Raw{"chatId": "d1", "text": "x"}, "", 1); m != nil {
		t.Error("message without any identity should be nil")
	}
	// The per-dialog override substitutes for a missing dialog field.
	if m := NormalizeMessage(Raw{"id": "m1", "text": "x"}, "d1", 1); m == nil || m.DialogID != "d1" {
		t.Errorf("override not applied: %+v", m)
	}
}

func TestNormalizeMessageEditedSkewTolerance(t *testing.T) {
	created := "2026-01-01T10:00:00Z"

	// lastModified a hair after createdAt is an insert artifact, not an edit.
	m := NormalizeMessage(Raw{
		"id": "m1", "chatId": "d1",
		"createdAt": created, "lastModified": "2026-01-01T10:00:01Z",
	}, "", 1)
	if m.Edited {
		t.Error("1s skew flagged as edit")
	}

	m = NormalizeMessage(Raw{
		"id": "m1", "chatId": "d1",
		"createdAt": created, "lastModified": "2026-01-01T10:00:05Z",
	}, "", 1)
	if !m.Edited {
		t.Error("5s gap not flagged as edit")
	}

	// An explicit flag always wins over the heuristic.
	m = NormalizeMessage(Raw{
		"id": "m1", "chatId": "d1",
		"createdAt": created, "lastModified": "2026-01-01T10:00:05Z", "isEdited": false,
	}, "", 1)
	if m.Edited {
		t.Error("explicit isEdited=false overridden by heuristic")
	}
}

func TestNormalizeMessageDeleted(t *testing.T) {
	m := NormalizeMessage(Raw{
		"id": "m1", "chatId": "d1",
		"text":    "secret",
		"deleted": true,
		"files":   []any{map[string]any{"fileId": "f1"}},
	}, "", 1)
	if !m.Deleted {
		t.Fatal("deleted flag lost")
	}
	if m.Text != models.DeletedText {
		t.Errorf("text = %q, want placeholder", m.Text)
	}
	if len(m.Attachments) != 0 {
		t.Error("deleted message kept attachments")
	}
}

func TestNormalizeMessageSanitizesText(t *testing.T) {
	m := NormalizeMessage(Raw{
		"id": "m1", "chatId": "d1",
		"text": `hello <script>alert(1)</script>world`,
	}, "", 1)
	if m.Text != "hello world" {
		t.Errorf("text = %q", m.Text)
	}
}

func TestNormalizeReactionsGroups(t *testing.T) {
	got := NormalizeReactions([]any{
		map[string]any{"emoji": "+1", "count": float64(2), "users": []any{float64(1), float64(7)}},
		map[string]any{"emoji": "-1", "count": float64(0)},
		map[string]any{"emoji": "eyes", "users": []any{float64(3)}},
	}, 7)

	if len(got) != 2 {
		t.Fatalf("expected zero-count group dropped, got %v", got)
	}
	if got[0].Emoji != "+1" || got[0].Count != 2 || !got[0].Me {
		t.Errorf("group 0: %+v", got[0])
	}
	if got[1].Emoji != "eyes" || got[1].Count != 1 || got[1].Me {
		t.Errorf("group 1 (count from users): %+v", got[1])
	}
}

func TestNormalizeReactionsMap(t *testing.T) {
	got := NormalizeReactions(map[string]any{"+1": float64(3), "-1": float64(0)}, 7)
	if len(got) != 1 || got[0].Emoji != "+1" || got[0].Count != 3 {
		t.Fatalf("map shape: %+v", got)
	}
}

func TestNormalizeDialogPresentOrNil(t *testing.T) {
	d := NormalizeDialog(Raw{
		"id":          float64(5),
		"title":       "Anna",
		"unreadCount": float64(2),
		"online":      false,
	})
	if d == nil {
		t.Fatal("normalized to nil")
	}
	if d.ID != "5" {
		t.Errorf("id = %q", d.ID)
	}
	if d.Online == nil || *d.Online {
		t.Error("explicit online=false should be present and false")
	}
	// Omitted attributes stay nil so the merge can tell them apart.
	if d.Locked != nil || d.Typing != nil || d.LastSeenAt != nil {
		t.Errorf("omitted fields materialized: %+v", d)
	}

	if NormalizeDialog(Raw{"title": "no id"}) != nil {
		t.Error("dialog without id should be nil")
	}
}

func TestNormalizeDialogNestedLastMessage(t *testing.T) {
	d := NormalizeDialog(Raw{
		"id": "d1",
		"lastMessage": map[string]any{
			"text":      "**bold** and <i>markup</i>",
			"createdAt": "2026-01-01T10:00:00Z",
		},
	})
	if d.LastMessage == nil || *d.LastMessage != "bold and markup" {
		t.Errorf("nested last message preview: %v", d.LastMessage)
	}
	if d.UpdatedAt == nil {
		t.Error("updatedAt not taken from nested message")
	}
}

func TestNormalizeDialogType(t *testing.T) {
	d := NormalizeDialog(Raw{"id": "d1", "type": "GROUP_CHAT"})
	if d.Type == nil || *d.Type != models.DialogGroup {
		t.Errorf("type = %v", d.Type)
	}
	d = NormalizeDialog(Raw{"id": "d1", "type": "private"})
	if d.Type == nil || *d.Type != models.DialogDirect {
		t.Errorf("type = %v", d.Type)
	}
}

func TestNormalizeMember(t *testing.T) {
	m := NormalizeMember(Raw{"userId": "42", "name": "Vera", "isOnline": true})
	if m == nil || m.UserID != 42 {
		t.Fatalf("member: %+v", m)
	}
	if m.Name == nil || *m.Name != "Vera" || m.Online == nil || !*m.Online {
		t.Errorf("member fields: %+v", m)
	}
	if NormalizeMember(Raw{"name": "ghost"}) != nil {
		t.Error("member without numeric id should be nil")
	}
}
