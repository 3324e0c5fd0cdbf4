package cache

import (
	"encoding"
	"encoding/binary"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"doverie/internal/models"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// DBDialog is the persisted shape of a dialog. Typing state is transient
// and never stored.
type DBDialog struct {
	ID            string       `msgpack:"id"`
	Title         *string      `msgpack:"title"`
	AvatarURL     *string      `msgpack:"avatarUrl"`
	LastMessage   *string      `msgpack:"lastMessage"`
	UpdatedAt     *time.Time   `msgpack:"updatedAt"`
	UnreadCount   *int         `msgpack:"unreadCount"`
	Online        *bool        `msgpack:"online"`
	LastSeenAt    *time.Time   `msgpack:"lastSeenAt"`
	Locked        *bool        `msgpack:"locked"`
	Type          *string      `msgpack:"type"`
	Members       []DBMember   `msgpack:"members"`
	MembersCount  *int         `msgpack:"membersCount"`
	OnlineCount   *int         `msgpack:"onlineCount"`
	PartnerUserID *int64       `msgpack:"partnerUserId"`
}

type DBMember struct {
	UserID     int64      `msgpack:"userId"`
	Name       *string    `msgpack:"name"`
	AvatarURL  *string    `msgpack:"avatarUrl"`
	Online     *bool      `msgpack:"online"`
	LastSeenAt *time.Time `msgpack:"lastSeenAt"`
}

func (d *DBDialog) Key() []byte {
	return []byte(d.ID)
}

func (d *DBDialog) MarshalBinary() (data []byte, err error) {
	type alias DBDialog
	return msgpack.Marshal((*alias)(d))
}

func (d *DBDialog) UnmarshalBinary(data []byte) error {
	type alias DBDialog
	return msgpack.Unmarshal(data, (*alias)(d))
}

func toDBDialog(d models.Dialog) DBDialog {
	db := DBDialog{
		ID:            d.ID,
		Title:         d.Title,
		AvatarURL:     d.AvatarURL,
		LastMessage:   d.LastMessage,
		UpdatedAt:     d.UpdatedAt,
		UnreadCount:   d.UnreadCount,
		Online:        d.Online,
		LastSeenAt:    d.LastSeenAt,
		Locked:        d.Locked,
		MembersCount:  d.MembersCount,
		OnlineCount:   d.OnlineCount,
		PartnerUserID: d.PartnerUserID,
	}
	if d.Type != nil {
		t := string(*d.Type)
		db.Type = &t
	}
	for _, m := range d.Members {
		db.Members = append(db.Members, DBMember{
			UserID:     m.UserID,
			Name:       m.Name,
			AvatarURL:  m.AvatarURL,
			Online:     m.Online,
			LastSeenAt: m.LastSeenAt,
		})
	}
	return db
}

func (d *DBDialog) toModel() models.Dialog {
	out := models.Dialog{
		ID:            d.ID,
		Title:         d.Title,
		AvatarURL:     d.AvatarURL,
		LastMessage:   d.LastMessage,
		UpdatedAt:     d.UpdatedAt,
		UnreadCount:   d.UnreadCount,
		Online:        d.Online,
		LastSeenAt:    d.LastSeenAt,
		Locked:        d.Locked,
		MembersCount:  d.MembersCount,
		OnlineCount:   d.OnlineCount,
		PartnerUserID: d.PartnerUserID,
	}
	if d.Type != nil {
		t := models.DialogType(*d.Type)
		out.Type = &t
	}
	for _, m := range d.Members {
		out.Members = append(out.Members, models.Member{
			UserID:     m.UserID,
			Name:       m.Name,
			AvatarURL:  m.AvatarURL,
			Online:     m.Online,
			LastSeenAt: m.LastSeenAt,
		})
	}
	return out
}

type DBMessage struct {
	ID               string         `msgpack:"id"`
	ClientID         string         `msgpack:"clientId"`
	DialogID         string         `msgpack:"dialogId"`
	FromUserID       int64          `msgpack:"fromUserId"`
	Text             string         `msgpack:"text"`
	CreatedAt        time.Time      `msgpack:"createdAt"`
	Status           string         `msgpack:"status"`
	Attachments      []DBAttachment `msgpack:"attachments"`
	ReplyTo          *DBReplyRef    `msgpack:"replyTo"`
	ReplyToMessageID string         `msgpack:"replyToMessageId"`
	ReplyToClientID  string         `msgpack:"replyToClientId"`
	Reactions        []DBReaction   `msgpack:"reactions"`
	ReadByClient     *bool          `msgpack:"readByClient"`
	ReadByPsych      *bool          `msgpack:"readByPsychologist"`
	ReadAt           *time.Time     `msgpack:"readAt"`
	Edited           bool           `msgpack:"edited"`
	EditedAt         *time.Time     `msgpack:"editedAt"`
	LastModified     *time.Time     `msgpack:"lastModified"`
	Deleted          bool           `msgpack:"deleted"`
	DeletedAt        *time.Time     `msgpack:"deletedAt"`
}

type DBAttachment struct {
	Type     string `msgpack:"type"`
	Name     string `msgpack:"name"`
	MimeType string `msgpack:"mimeType"`
	FileID   string `msgpack:"fileId"`
	URL      string `msgpack:"url"`
	Size     int64  `msgpack:"size"`
}

type DBReplyRef struct {
	ID         string     `msgpack:"id"`
	FromUserID int64      `msgpack:"fromUserId"`
	FromName   string     `msgpack:"fromName"`
	Text       string     `msgpack:"text"`
	CreatedAt  *time.Time `msgpack:"createdAt"`
}

type DBReaction struct {
	Emoji string `msgpack:"emoji"`
	Count int    `msgpack:"count"`
	Me    bool   `msgpack:"me"`
}

// Key orders messages by creation time; the identity suffix keeps two
// messages created in the same nanosecond apart.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.ID)+len(m.ClientID))
	binary.BigEndian.PutUint64(key, uint64(m.CreatedAt.UnixNano()))
	if m.ID != "" {
		return append(key, m.ID...)
	}
	return append(key, m.ClientID...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func toDBMessage(m models.Message) DBMessage {
	db := DBMessage{
		ID:               m.ID,
		ClientID:         m.ClientID,
		DialogID:         m.DialogID,
		FromUserID:       m.FromUserID,
		Text:             m.Text,
		CreatedAt:        m.CreatedAt,
		Status:           string(m.Status),
		ReplyToMessageID: m.ReplyToMessageID,
		ReplyToClientID:  m.ReplyToClientID,
		ReadByClient:     m.ReadByClient,
		ReadByPsych:      m.ReadByPsychologist,
		ReadAt:           m.ReadAt,
		Edited:           m.Edited,
		EditedAt:         m.EditedAt,
		LastModified:     m.LastModified,
		Deleted:          m.Deleted,
		DeletedAt:        m.DeletedAt,
	}
	for _, a := range m.Attachments {
		db.Attachments = append(db.Attachments, DBAttachment{
			Type:     string(a.Type),
			Name:     a.Name,
			MimeType: a.MimeType,
			FileID:   a.FileID,
			URL:      a.URL,
			Size:     a.Size,
		})
	}
	if m.ReplyTo != nil {
		db.ReplyTo = &DBReplyRef{
			ID:         m.ReplyTo.ID,
			FromUserID: m.ReplyTo.FromUserID,
			FromName:   m.ReplyTo.FromName,
			Text:       m.ReplyTo.Text,
			CreatedAt:  m.ReplyTo.CreatedAt,
		}
	}
	for _, r := range m.Reactions {
		db.Reactions = append(db.Reactions, DBReaction{Emoji: r.Emoji, Count: r.Count, Me: r.Me})
	}
	return db
}

func (m *DBMessage) toModel() models.Message {
	out := models.Message{
		ID:                 m.ID,
		ClientID:           m.ClientID,
		DialogID:           m.DialogID,
		FromUserID:         m.FromUserID,
		Text:               m.Text,
		CreatedAt:          m.CreatedAt,
		Status:             models.MessageStatus(m.Status),
		ReplyToMessageID:   m.ReplyToMessageID,
		ReplyToClientID:    m.ReplyToClientID,
		ReadByClient:       m.ReadByClient,
		ReadByPsychologist: m.ReadByPsych,
		ReadAt:             m.ReadAt,
		Edited:             m.Edited,
		EditedAt:           m.EditedAt,
		LastModified:       m.LastModified,
		Deleted:            m.Deleted,
		DeletedAt:          m.DeletedAt,
	}
	// A send that never got an answer cannot still be in flight after a
	// restart.
	if out.Status == models.StatusPending {
		out.Status = models.StatusFailed
	}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, models.Attachment{
			Type:     models.AttachmentType(a.Type),
			Name:     a.Name,
			MimeType: a.MimeType,
			FileID:   a.FileID,
			URL:      a.URL,
			Size:     a.Size,
		})
	}
	if m.ReplyTo != nil {
		out.ReplyTo = &models.ReplyRef{
			ID:         m.ReplyTo.ID,
			FromUserID: m.ReplyTo.FromUserID,
			FromName:   m.ReplyTo.FromName,
			Text:       m.ReplyTo.Text,
			CreatedAt:  m.ReplyTo.CreatedAt,
		}
	}
	for _, r := range m.Reactions {
		out.Reactions = append(out.Reactions, models.Reaction{Emoji: r.Emoji, Count: r.Count, Me: r.Me})
	}
	return out
}
