package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// DeletedText is the fixed placeholder shown instead of the content of a
// deleted message. Once a deletion is seen the original content is gone for
// good, no matter what later (stale) payloads claim.
const DeletedText = "Message deleted"

type Role string

const (
	RoleClient       Role = "CLIENT"
	RolePsychologist Role = "PSYCHOLOGIST"
)

// Counterpart returns the other party of a direct dialog.
func (r Role) Counterpart() Role {
	if r == RolePsychologist {
		return RoleClient
	}
	return RolePsychologist
}

type DialogType string

const (
	DialogDirect DialogType = "DIRECT"
	DialogGroup  DialogType = "GROUP"
)

// Dialog represents a conversation thread. All "soft" attributes are
// pointers: nil means "the server never mentioned this field", which the
// merge layer must distinguish from an explicit false/empty value.
type Dialog struct {
	ID            string
	Title         *string
	AvatarURL     *string
	LastMessage   *string
	UpdatedAt     *time.Time
	UnreadCount   *int
	Online        *bool
	LastSeenAt    *time.Time
	Locked        *bool
	Typing        *bool
	Type          *DialogType
	Members       []Member
	MembersCount  *int
	OnlineCount   *int
	PartnerUserID *int64
}

func (d *Dialog) DisplayTitle() string {
	if d.Title != nil && *d.Title != "" {
		return *d.Title
	}
	return d.ID
}

func (d *Dialog) Unread() int {
	if d.UnreadCount == nil {
		return 0
	}
	return *d.UnreadCount
}

func (d *Dialog) IsTyping() bool {
	return d.Typing != nil && *d.Typing
}

func (d *Dialog) IsDirect() bool {
	return d.Type == nil || *d.Type == DialogDirect
}

// Member is a participant snapshot. Nil fields are "unknown" and never
// overwrite known values from an earlier snapshot.
type Member struct {
	UserID     int64
	Name       *string
	AvatarURL  *string
	Online     *bool
	LastSeenAt *time.Time
}

type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

type AttachmentType string

const (
	AttachmentTypeImage AttachmentType = "image"
	AttachmentTypeFile  AttachmentType = "file"
)

type Attachment struct {
	Type     AttachmentType
	Name     string
	MimeType string
	FileID   string
	URL      string
	Size     int64
	// LocalPath points at the local file while an optimistic send is still
	// pending, so the caller can render a preview before the upload finishes.
	LocalPath string
}

// ReplyRef is a denormalized snapshot of the message being replied to.
type ReplyRef struct {
	ID         string
	FromUserID int64
	FromName   string
	Text       string
	CreatedAt  *time.Time
}

type Reaction struct {
	Emoji string
	Count int
	Me    bool
}

// Message is a single chat message. Identity is ID when the server has
// assigned one, ClientID before that; both may be set after the server echo
// collapses the optimistic entry.
type Message struct {
	ID         string
	ClientID   string
	DialogID   string
	FromUserID int64
	Text       string
	CreatedAt  time.Time
	Status     MessageStatus

	Attachments []Attachment

	ReplyTo          *ReplyRef
	ReplyToMessageID string
	ReplyToClientID  string

	Reactions []Reaction

	ReadByClient       *bool
	ReadByPsychologist *bool
	ReadAt             *time.Time

	Edited       bool
	EditedAt     *time.Time
	LastModified *time.Time

	Deleted   bool
	DeletedAt *time.Time
}

// Key returns the identity used for merging: server id first, client id
// before the server has acknowledged the message.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.ClientID
}

// ReplyKey is the first known reference to the replied-to message, used for
// lookups when rendering the reply snippet.
func (m *Message) ReplyKey() string {
	if m.ReplyTo != nil && m.ReplyTo.ID != "" {
		return m.ReplyTo.ID
	}
	if m.ReplyToMessageID != "" {
		return m.ReplyToMessageID
	}
	return m.ReplyToClientID
}

// IsReadBy reports whether the given party has read the message.
func (m *Message) IsReadBy(role Role) bool {
	f := m.readFlag(role)
	return f != nil && *f
}

// MarkReadBy flips the read flag for the given party. Read state is
// monotonic: there is no way to unset it.
func (m *Message) MarkReadBy(role Role, at time.Time) {
	t := true
	if role == RolePsychologist {
		m.ReadByPsychologist = &t
	} else {
		m.ReadByClient = &t
	}
	if m.ReadAt == nil {
		m.ReadAt = &at
	}
}

func (m *Message) readFlag(role Role) *bool {
	if role == RolePsychologist {
		return m.ReadByPsychologist
	}
	return m.ReadByClient
}

// ClearDeleted wipes the content of a deleted message down to the fixed
// placeholder. Later merges must never repopulate these fields.
func (m *Message) ClearDeleted(at *time.Time) {
	m.Deleted = true
	if m.DeletedAt == nil {
		m.DeletedAt = at
	}
	m.Text = DeletedText
	m.Attachments = nil
	m.Reactions = nil
	m.ReplyTo = nil
	m.ReplyToMessageID = ""
	m.ReplyToClientID = ""
}

// Ptr is a small helper for building optional fields in literals.
func Ptr[T any](v T) *T { return &v }
