package wire

import (
	"strings"
	"time"

	"doverie/internal/content"
	"doverie/internal/models"
)

// EditSkewTolerance guards against marking a message edited just because
// the backend wrote lastModified a moment after createdAt on the initial
// insert. Only a gap larger than this counts as a real edit.
const EditSkewTolerance = 1500 * time.Millisecond

// Candidate field names per attribute. The backend schema has drifted
// through several generations of snake_case, camelCase and nested shapes;
// normalization checks candidates in order and takes the first present.
var (
	msgDialogIDKeys = []string{
		"dialogId", "dialog_id", "chatId", "chat_id",
		"conversationId", "conversation_id", "roomId", "room_id",
		"dialog.id", "chat.id", "message.dialogId", "message.chatId",
	}
	msgIDKeys = []string{
		"id", "messageId", "message_id", "msgId", "msg_id", "message.id",
	}
	msgClientIDKeys = []string{
		"clientId", "client_id", "clientMessageId", "client_message_id",
		"tempId", "temp_id", "localId", "local_id", "message.clientId",
	}
	msgSenderKeys = []string{
		"fromUserId", "from_user_id", "senderId", "sender_id",
		"authorId", "author_id", "userId", "user_id",
		"from.id", "sender.id", "author.id", "user.id",
		"message.fromUserId", "message.senderId",
	}
	msgCreatedAtKeys = []string{
		"createdAt", "created_at", "sentAt", "sent_at",
		"timestamp", "time", "date", "createdDate", "created",
		"message.createdAt",
	}
	msgTextKeys = []string{
		"text", "content", "body", "messageText", "message_text",
		"message.text", "message.content", "message",
	}
	msgEditedFlagKeys   = []string{"isEdited", "is_edited", "edited"}
	msgEditedAtKeys     = []string{"editedAt", "edited_at"}
	msgModifiedKeys     = []string{"lastModified", "last_modified", "updatedAt", "updated_at"}
	msgDeletedKeys      = []string{"deleted", "isDeleted", "is_deleted", "removed"}
	msgDeletedAtKeys    = []string{"deletedAt", "deleted_at", "removedAt"}
	msgReadClientKeys   = []string{"isReadByClient", "is_read_by_client", "readByClient", "read_by_client"}
	msgReadPsychKeys    = []string{"isReadByPsychologist", "is_read_by_psychologist", "readByPsychologist", "read_by_psychologist"}
	msgReadAtKeys       = []string{"readAt", "read_at"}
	msgAttachmentsKeys  = []string{"attachments", "files", "media", "message.attachments"}
	msgReactionsKeys    = []string{"reactions", "reactionGroups", "reaction_groups", "message.reactions"}
	msgReplyKeys        = []string{"replyTo", "reply_to", "repliedMessage", "replied_message", "inReplyTo"}
	msgReplyMsgIDKeys   = []string{"replyToMessageId", "reply_to_message_id", "replyToId", "reply_to_id"}
	msgReplyClientKeys  = []string{"replyToClientId", "reply_to_client_id"}
	msgStatusKeys       = []string{"status", "state"}

	dlgIDKeys = []string{
		"id", "dialogId", "dialog_id", "chatId", "chat_id",
		"conversationId", "conversation_id",
	}
	dlgTitleKeys       = []string{"title", "name", "dialogName", "displayName", "display_name"}
	dlgAvatarKeys      = []string{"avatarUrl", "avatar_url", "avatar", "photoUrl", "photo_url", "image"}
	dlgLastMessageKeys = []string{"lastMessage", "last_message", "lastMessageText", "last_message_text", "preview"}
	dlgUpdatedAtKeys   = []string{"updatedAt", "updated_at", "lastMessageAt", "last_message_at", "lastActivityAt", "timestamp"}
	dlgUnreadKeys      = []string{"unreadCount", "unread_count", "unread", "newMessagesCount", "new_messages_count"}
	dlgOnlineKeys      = []string{"online", "isOnline", "is_online", "partnerOnline", "partner_online"}
	dlgLastSeenKeys    = []string{"lastSeenAt", "last_seen_at", "lastSeen", "last_seen"}
	dlgLockedKeys      = []string{"locked", "isLocked", "is_locked", "blocked"}
	dlgTypingKeys      = []string{"typing", "isTyping", "is_typing"}
	dlgTypeKeys        = []string{"type", "dialogType", "dialog_type", "kind"}
	dlgMembersKeys     = []string{"members", "participants", "users"}
	dlgMembersCntKeys  = []string{"membersCount", "members_count", "participantsCount", "participants_count"}
	dlgOnlineCntKeys   = []string{"onlineCount", "online_count", "onlineMembersCount"}
	dlgPartnerKeys     = []string{"partnerUserId", "partner_user_id", "partnerId", "partner_id", "companionId", "interlocutorId"}

	memberIDKeys       = []string{"userId", "user_id", "id", "memberId", "member_id"}
	memberNameKeys     = []string{"name", "userName", "user_name", "displayName", "display_name", "fullName", "full_name", "firstName"}
	memberAvatarKeys   = []string{"avatarUrl", "avatar_url", "avatar", "photoUrl"}
	memberOnlineKeys   = []string{"isOnline", "is_online", "online"}
	memberLastSeenKeys = []string{"lastSeenAt", "last_seen_at", "lastSeen", "last_seen"}
)

// DialogID extracts the dialog identity from any message-shaped payload.
func DialogID(raw Raw) string { return ID(raw, msgDialogIDKeys...) }

// MessageID extracts the server-assigned message id, if any.
func MessageID(raw Raw) string { return ID(raw, msgIDKeys...) }

// ClientMessageID extracts the client-generated message id, if any.
func ClientMessageID(raw Raw) string { return ID(raw, msgClientIDKeys...) }

// SenderID extracts the acting user of the payload.
func SenderID(raw Raw) (int64, bool) { return I64(raw, msgSenderKeys...) }

// NormalizeMessage converts a raw message payload to canonical form.
// dialogOverride supplies the dialog when the payload itself carries none
// (history pages are fetched per dialog and often omit it). Returns nil when
// no dialog or no identity can be derived; malformed input never panics.
func NormalizeMessage(raw Raw, dialogOverride string, viewerID int64) *models.Message {
	if raw == nil {
		return nil
	}

	dialogID := ID(raw, msgDialogIDKeys...)
	if dialogID == "" {
		dialogID = dialogOverride
	}
	if dialogID == "" {
		return nil
	}

	id := ID(raw, msgIDKeys...)
	clientID := ID(raw, msgClientIDKeys...)
	if id == "" && clientID == "" {
		return nil
	}

	created, ok := Time(raw, msgCreatedAtKeys...)
	if !ok {
		created = time.Now()
	}

	from, _ := I64(raw, msgSenderKeys...)

	text, _ := Str(raw, msgTextKeys...)

	m := &models.Message{
		ID:         id,
		ClientID:   clientID,
		DialogID:   dialogID,
		FromUserID: from,
		Text:       content.Sanitize(text),
		CreatedAt:  created,
		Status:     models.StatusSent,
	}

	if status, ok := Str(raw, msgStatusKeys...); ok {
		switch strings.ToLower(status) {
		case "pending":
			m.Status = models.StatusPending
		case "failed", "error":
			m.Status = models.StatusFailed
		}
	}

	for _, item := range List(raw, msgAttachmentsKeys...) {
		if a := NormalizeAttachment(AsRaw(item)); a != nil {
			m.Attachments = append(m.Attachments, *a)
		}
	}

	if v, ok := First(raw, msgReactionsKeys...); ok {
		m.Reactions = NormalizeReactions(v, viewerID)
	}

	if ref := Sub(raw, msgReplyKeys...); ref != nil {
		m.ReplyTo = normalizeReplyRef(ref)
	}
	m.ReplyToMessageID = ID(raw, msgReplyMsgIDKeys...)
	m.ReplyToClientID = ID(raw, msgReplyClientKeys...)

	m.ReadByClient = TriBool(raw, msgReadClientKeys...)
	m.ReadByPsychologist = TriBool(raw, msgReadPsychKeys...)
	m.ReadAt = TimePtr(raw, msgReadAtKeys...)

	m.EditedAt = TimePtr(raw, msgEditedAtKeys...)
	m.LastModified = TimePtr(raw, msgModifiedKeys...)
	if edited, ok := Bool(raw, msgEditedFlagKeys...); ok {
		m.Edited = edited
	} else if ts := firstTime(m.EditedAt, m.LastModified); ts != nil {
		m.Edited = ts.Sub(created) > EditSkewTolerance
	}

	if deleted, _ := Bool(raw, msgDeletedKeys...); deleted {
		m.ClearDeleted(TimePtr(raw, msgDeletedAtKeys...))
	}

	return m
}

func firstTime(ts ...*time.Time) *time.Time {
	for _, t := range ts {
		if t != nil {
			return t
		}
	}
	return nil
}

func normalizeReplyRef(raw Raw) *models.ReplyRef {
	ref := &models.ReplyRef{
		ID:        ID(raw, msgIDKeys...),
		Text:      content.Sanitize(firstString(raw, msgTextKeys...)),
		CreatedAt: TimePtr(raw, msgCreatedAtKeys...),
	}
	ref.FromUserID, _ = I64(raw, msgSenderKeys...)
	ref.FromName = firstString(raw, "fromName", "from_name", "senderName", "sender_name", "authorName", "name")
	if ref.ID == "" && ref.Text == "" {
		return nil
	}
	return ref
}

func firstString(raw Raw, keys ...string) string {
	s, _ := Str(raw, keys...)
	return s
}

// NormalizeAttachment converts one raw attachment entry. Returns nil when
// the entry carries neither a file reference nor a URL.
func NormalizeAttachment(raw Raw) *models.Attachment {
	if raw == nil {
		return nil
	}
	a := &models.Attachment{
		Name:     firstString(raw, "name", "fileName", "file_name", "originalName"),
		MimeType: firstString(raw, "mimeType", "mime_type", "contentType", "content_type", "mime"),
		FileID:   ID(raw, "fileId", "file_id", "id", "uuid"),
		URL:      firstString(raw, "url", "fileUrl", "file_url", "downloadUrl", "download_url", "href"),
	}
	a.Size, _ = I64(raw, "size", "fileSize", "file_size", "length")
	if a.FileID == "" && a.URL == "" {
		return nil
	}
	kind := strings.ToLower(firstString(raw, "type", "kind"))
	switch {
	case kind == "image" || strings.HasPrefix(a.MimeType, "image/"):
		a.Type = models.AttachmentTypeImage
	default:
		a.Type = models.AttachmentTypeFile
	}
	return a
}

// NormalizeReactions accepts either a list of reaction groups
// ({emoji, count, users[]|me}) or a plain {emoji: count} map. "me" is
// computed from the users list when not explicit. Non-positive counts are
// dropped.
func NormalizeReactions(v any, viewerID int64) []models.Reaction {
	var out []models.Reaction
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			raw := AsRaw(item)
			if raw == nil {
				continue
			}
			emoji := firstString(raw, "emoji", "code", "reaction", "reactionCode", "reaction_code")
			if emoji == "" {
				continue
			}
			r := models.Reaction{Emoji: emoji}
			users := List(raw, "users", "userIds", "user_ids")
			if count, ok := Int(raw, "count", "total"); ok {
				r.Count = count
			} else {
				r.Count = len(users)
			}
			if me, ok := Bool(raw, "me", "isMine", "is_mine", "reacted", "byMe"); ok {
				r.Me = me
			} else {
				for _, u := range users {
					if id, ok := coerceUserID(u); ok && id == viewerID {
						r.Me = true
						break
					}
				}
			}
			if r.Count > 0 {
				out = append(out, r)
			}
		}
	case map[string]any:
		for emoji, cv := range t {
			count, ok := coerceCount(cv)
			if !ok || count <= 0 {
				continue
			}
			out = append(out, models.Reaction{Emoji: emoji, Count: count})
		}
	}
	return out
}

func coerceUserID(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case string:
		var id int64
		var seen bool
		for _, c := range t {
			if c < '0' || c > '9' {
				return 0, false
			}
			id = id*10 + int64(c-'0')
			seen = true
		}
		return id, seen
	}
	return 0, false
}

func coerceCount(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case map[string]any:
		if c, ok := Int(Raw(t), "count", "total"); ok {
			return c, true
		}
	}
	return 0, false
}

// NormalizeDialog converts a raw dialog payload. Every derived attribute is
// "present or nil", never "present or default": the merge layer needs to
// tell an explicit false/empty apart from an omitted field.
func NormalizeDialog(raw Raw) *models.Dialog {
	if raw == nil {
		return nil
	}
	id := ID(raw, dlgIDKeys...)
	if id == "" {
		return nil
	}
	d := &models.Dialog{ID: id}

	if s, ok := Str(raw, dlgTitleKeys...); ok {
		d.Title = &s
	}
	if s, ok := Str(raw, dlgAvatarKeys...); ok {
		d.AvatarURL = &s
	}
	if s, ok := Str(raw, dlgLastMessageKeys...); ok {
		p := content.Preview(s, 120)
		d.LastMessage = &p
	} else if sub := Sub(raw, dlgLastMessageKeys...); sub != nil {
		if text, ok := Str(sub, msgTextKeys...); ok {
			p := content.Preview(text, 120)
			d.LastMessage = &p
		}
		if d.UpdatedAt == nil {
			d.UpdatedAt = TimePtr(sub, msgCreatedAtKeys...)
		}
	}
	if t := TimePtr(raw, dlgUpdatedAtKeys...); t != nil {
		d.UpdatedAt = t
	}
	if n, ok := Int(raw, dlgUnreadKeys...); ok {
		if n < 0 {
			n = 0
		}
		d.UnreadCount = &n
	}
	d.Online = TriBool(raw, dlgOnlineKeys...)
	d.LastSeenAt = TimePtr(raw, dlgLastSeenKeys...)
	d.Locked = TriBool(raw, dlgLockedKeys...)
	d.Typing = TriBool(raw, dlgTypingKeys...)

	if s, ok := Str(raw, dlgTypeKeys...); ok {
		t := models.DialogDirect
		if strings.Contains(strings.ToUpper(s), "GROUP") {
			t = models.DialogGroup
		}
		d.Type = &t
	}

	if list := List(raw, dlgMembersKeys...); list != nil {
		d.Members = make([]models.Member, 0, len(list))
		for _, item := range list {
			if m := NormalizeMember(AsRaw(item)); m != nil {
				d.Members = append(d.Members, *m)
			}
		}
	}
	if n, ok := Int(raw, dlgMembersCntKeys...); ok {
		d.MembersCount = &n
	}
	if n, ok := Int(raw, dlgOnlineCntKeys...); ok {
		d.OnlineCount = &n
	}
	if id, ok := I64(raw, dlgPartnerKeys...); ok {
		d.PartnerUserID = &id
	}
	return d
}

// NormalizeMember converts one raw participant snapshot. Returns nil when
// no numeric identity can be derived.
func NormalizeMember(raw Raw) *models.Member {
	if raw == nil {
		return nil
	}
	id, ok := I64(raw, memberIDKeys...)
	if !ok {
		return nil
	}
	m := &models.Member{UserID: id}
	if s, ok := Str(raw, memberNameKeys...); ok {
		m.Name = &s
	}
	if s, ok := Str(raw, memberAvatarKeys...); ok {
		m.AvatarURL = &s
	}
	m.Online = TriBool(raw, memberOnlineKeys...)
	m.LastSeenAt = TimePtr(raw, memberLastSeenKeys...)
	return m
}
