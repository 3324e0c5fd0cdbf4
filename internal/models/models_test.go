package models

import (
	"testing"
	"time"
)

func TestMessageKey(t *testing.T) {
	if got := (&Message{ID: "42", ClientID: "c1"}).Key(); got != "42" {
		t.Errorf("Key = %q, want server id", got)
	}
	if got := (&Message{ClientID: "c1"}).Key(); got != "c1" {
		t.Errorf("Key = %q, want client id", got)
	}
	if got := (&Message{}).Key(); got != "" {
		t.Errorf("Key = %q, want empty", got)
	}
}

func TestMarkReadByIsMonotonic(t *testing.T) {
	m := &Message{}
	first := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	m.MarkReadBy(RoleClient, first)
	if !m.IsReadBy(RoleClient) {
		t.Fatal("flag not set")
	}
	if m.ReadAt == nil || !m.ReadAt.Equal(first) {
		t.Fatalf("ReadAt = %v", m.ReadAt)
	}

	// A later mark never rewinds the first timestamp.
	m.MarkReadBy(RoleClient, first.Add(time.Hour))
	if !m.ReadAt.Equal(first) {
		t.Errorf("ReadAt moved to %v", m.ReadAt)
	}

	if m.IsReadBy(RolePsychologist) {
		t.Error("other role flagged")
	}
}

func TestClearDeleted(t *testing.T) {
	at := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	m := &Message{
		Text:             "secret",
		Attachments:      []Attachment{{FileID: "f1"}},
		Reactions:        []Reaction{{Emoji: "+1", Count: 1}},
		ReplyTo:          &ReplyRef{ID: "r1"},
		ReplyToMessageID: "r1",
	}
	m.ClearDeleted(&at)

	if !m.Deleted || m.Text != DeletedText {
		t.Errorf("message = %+v", m)
	}
	if m.Attachments != nil || m.Reactions != nil || m.ReplyTo != nil || m.ReplyToMessageID != "" {
		t.Error("deleted message kept content")
	}
	if m.DeletedAt == nil || !m.DeletedAt.Equal(at) {
		t.Errorf("DeletedAt = %v", m.DeletedAt)
	}
}

func TestRoleCounterpart(t *testing.T) {
	if RoleClient.Counterpart() != RolePsychologist || RolePsychologist.Counterpart() != RoleClient {
		t.Error("counterpart mapping wrong")
	}
}

func TestDialogHelpers(t *testing.T) {
	d := Dialog{ID: "d1"}
	if d.DisplayTitle() != "d1" {
		t.Errorf("DisplayTitle fallback = %q", d.DisplayTitle())
	}
	d.Title = Ptr("Anna")
	if d.DisplayTitle() != "Anna" {
		t.Errorf("DisplayTitle = %q", d.DisplayTitle())
	}
	if d.Unread() != 0 || d.IsTyping() {
		t.Error("nil soft fields must read as zero values")
	}
}
