package session

import (
	"time"

	"doverie/internal/content"
	"doverie/internal/merge"
	"doverie/internal/models"
	"doverie/internal/wire"
)

// HandleIncomingMessage normalizes a pushed message and folds it into the
// dialog. Returns false when the payload is not a message, so the router
// can try the next interpretation.
func (s *Session) HandleIncomingMessage(raw wire.Raw) bool {
	m := wire.NormalizeMessage(raw, "", s.viewer.UserID)
	if m == nil {
		return false
	}
	s.applyMessage(*m)
	return true
}

func (s *Session) applyMessage(m models.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	prev := s.messages[m.DialogID]
	existed := false
	for i := range prev {
		if (m.ID != "" && prev[i].ID == m.ID) || (m.ClientID != "" && prev[i].ClientID == m.ClientID) {
			existed = true
			break
		}
	}
	s.messages[m.DialogID] = merge.Messages(prev, []models.Message{m})

	d := s.ensureDialogLocked(m.DialogID)
	if d.UpdatedAt == nil || !m.CreatedAt.Before(*d.UpdatedAt) {
		preview := content.Preview(m.Text, s.cfg.PreviewLength)
		d.LastMessage = &preview
		at := m.CreatedAt
		d.UpdatedAt = &at
	}
	if !existed && !m.Deleted && m.FromUserID != s.viewer.UserID {
		n := d.Unread() + 1
		d.UnreadCount = &n
		// A message from the partner also ends their typing run.
		s.stopTypingUserLocked(m.DialogID, m.FromUserID)
	}
	hooks := append(([]func(models.Message))(nil), s.onMessage...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(m)
	}
	s.persistMessages(m.DialogID)
}

// ApplyReadEvent marks the viewer's own messages as read by the
// counterpart. Accepts either an explicit id list or an "up to id" cursor.
// A read event about the viewer themself is an echo and ignored.
func (s *Session) ApplyReadEvent(dialogID string, readerID int64, ids []string, upToID string) {
	if readerID == s.viewer.UserID {
		return
	}
	counterpart := s.viewer.Role.Counterpart()
	now := s.now()

	idset := make(map[string]bool, len(ids))
	for _, id := range ids {
		idset[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[dialogID]

	upToIdx := -1
	if upToID != "" {
		for i := range msgs {
			if msgs[i].ID == upToID || msgs[i].ClientID == upToID {
				upToIdx = i
				break
			}
		}
	}

	for i := range msgs {
		m := &msgs[i]
		if m.FromUserID != s.viewer.UserID {
			// The counterpart reading their own messages is not our flag.
			continue
		}
		matched := idset[m.ID] || idset[m.ClientID] || (upToIdx >= 0 && i <= upToIdx)
		if !matched {
			continue
		}
		m.MarkReadBy(counterpart, now)
	}
}

// ApplyReactionEvent updates a message's reaction summary from a dedicated
// reaction frame. Unlike the generic merge, an explicit empty summary here
// does clear reactions: this is the authoritative pathway.
func (s *Session) ApplyReactionEvent(raw wire.Raw) {
	dialogID := wire.DialogID(raw)
	messageID := wire.MessageID(raw)
	if messageID == "" {
		messageID = wire.ClientMessageID(raw)
	}
	if messageID == "" {
		return
	}

	if v, ok := wire.First(raw, "reactions", "reactionGroups", "reaction_groups"); ok {
		s.withMessage(dialogID, messageID, func(m *models.Message) {
			if m.Deleted {
				return
			}
			m.Reactions = wire.NormalizeReactions(v, s.viewer.UserID)
		})
		return
	}

	// Single-delta shape: {emoji, userId, add}.
	emoji, _ := wire.Str(raw, "emoji", "code", "reaction")
	if emoji == "" {
		return
	}
	add := true
	if v, ok := wire.Bool(raw, "add", "added"); ok {
		add = v
	}
	from, _ := wire.SenderID(raw)
	s.withMessage(dialogID, messageID, func(m *models.Message) {
		if m.Deleted {
			return
		}
		if from == s.viewer.UserID {
			// Our own reaction already applied optimistically; the echo
			// just confirms it.
			m.Reactions = applyReactionDelta(m.Reactions, emoji, add)
			return
		}
		m.Reactions = bumpReaction(m.Reactions, emoji, add)
	})
}

func bumpReaction(reactions []models.Reaction, emoji string, add bool) []models.Reaction {
	out := append([]models.Reaction(nil), reactions...)
	for i := range out {
		if out[i].Emoji != emoji {
			continue
		}
		if add {
			out[i].Count++
		} else {
			out[i].Count--
		}
		if out[i].Count <= 0 {
			return append(out[:i], out[i+1:]...)
		}
		return out
	}
	if add {
		out = append(out, models.Reaction{Emoji: emoji, Count: 1})
	}
	return out
}

// ApplyEditEvent folds an edit push into the store. The frame type already
// asserts the edit, so the flag is forced even when the payload lacks one.
func (s *Session) ApplyEditEvent(raw wire.Raw) {
	m := wire.NormalizeMessage(raw, "", s.viewer.UserID)
	if m == nil {
		return
	}
	m.Edited = true
	if m.EditedAt == nil {
		now := s.now()
		m.EditedAt = &now
	}
	s.applyMessage(*m)
}

// ApplyDeleteEvent soft-deletes the referenced message in place.
func (s *Session) ApplyDeleteEvent(raw wire.Raw) {
	dialogID := wire.DialogID(raw)
	messageID := wire.MessageID(raw)
	if messageID == "" {
		messageID = wire.ClientMessageID(raw)
	}
	if messageID == "" {
		return
	}
	at := wire.TimePtr(raw, "deletedAt", "deleted_at", "removedAt")
	if at == nil {
		now := s.now()
		at = &now
	}
	s.withMessage(dialogID, messageID, func(m *models.Message) {
		m.ClearDeleted(at)
	})
}

// withMessage runs fn against the message found by id. An empty dialogID
// scans all dialogs: some frame shapes omit it.
func (s *Session) withMessage(dialogID, key string, fn func(*models.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scan := func(id string) bool {
		msgs := s.messages[id]
		for i := range msgs {
			if msgs[i].ID == key || msgs[i].ClientID == key {
				fn(&msgs[i])
				return true
			}
		}
		return false
	}
	if dialogID != "" {
		scan(dialogID)
		return
	}
	for id := range s.messages {
		if scan(id) {
			return
		}
	}
}

// SetTypingUser tracks one user's typing state with auto-expiry. The
// viewer's own echoed typing is never displayed.
func (s *Session) SetTypingUser(dialogID string, userID int64, typing bool) {
	if userID == s.viewer.UserID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if typing {
		set := s.typingUsers[dialogID]
		if set == nil {
			set = make(map[int64]*time.Timer)
			s.typingUsers[dialogID] = set
		}
		if t := set[userID]; t != nil {
			t.Stop()
		}
		set[userID] = time.AfterFunc(s.cfg.TypingExpiry, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.stopTypingUserLocked(dialogID, userID)
		})
	} else {
		s.stopTypingUserLocked(dialogID, userID)
	}
	s.refreshTypingLocked(dialogID)
}

// SetDialogTyping handles the legacy dialog-wide typing flag (no user id),
// with the same auto-expiry.
func (s *Session) SetDialogTyping(dialogID string, typing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t := s.dialogTyping[dialogID]; t != nil {
		t.Stop()
		delete(s.dialogTyping, dialogID)
	}
	if typing {
		s.dialogTyping[dialogID] = time.AfterFunc(s.cfg.TypingExpiry, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.dialogTyping, dialogID)
			s.refreshTypingLocked(dialogID)
		})
	}
	s.refreshTypingLocked(dialogID)
}

func (s *Session) stopTypingUserLocked(dialogID string, userID int64) {
	set := s.typingUsers[dialogID]
	if t := set[userID]; t != nil {
		t.Stop()
	}
	delete(set, userID)
	s.refreshTypingLocked(dialogID)
}

// refreshTypingLocked sets the dialog typing flag directly. The dedicated
// typing pathway owns this flag and bypasses the sticky dialog-merge rule.
func (s *Session) refreshTypingLocked(dialogID string) {
	d := s.ensureDialogLocked(dialogID)
	typing := len(s.typingUsers[dialogID]) > 0 || s.dialogTyping[dialogID] != nil
	d.Typing = &typing
}

// ApplyPresence digests either a full member snapshot or a single
// {userId, online, lastSeenAt} delta.
func (s *Session) ApplyPresence(raw wire.Raw) {
	if list := wire.List(raw, "members", "participants", "users"); list != nil {
		dialogID := wire.DialogID(raw)
		if dialogID == "" {
			return
		}
		var members []models.Member
		for _, item := range list {
			if m := wire.NormalizeMember(wire.AsRaw(item)); m != nil {
				members = append(members, *m)
			}
		}
		s.applyDialog(&models.Dialog{ID: dialogID, Members: members})
		return
	}

	m := wire.NormalizeMember(raw)
	if m == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.dialogs {
		if d.Members != nil {
			d.Members = merge.Members(d.Members, []models.Member{*m})
		}
		if d.IsDirect() && d.PartnerUserID != nil && *d.PartnerUserID == m.UserID {
			if m.Online != nil {
				d.Online = m.Online
			}
			if m.LastSeenAt != nil {
				d.LastSeenAt = m.LastSeenAt
			}
		}
	}
}

// UpsertDialog merges a raw dialog payload into the list. Returns false
// when no dialog id can be derived.
func (s *Session) UpsertDialog(raw wire.Raw) bool {
	d := wire.NormalizeDialog(raw)
	if d == nil {
		return false
	}
	s.applyDialog(d)
	return true
}

func (s *Session) applyDialog(d *models.Dialog) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.dialogs[d.ID] = merge.Dialog(s.dialogs[d.ID], d)
	s.mu.Unlock()
	s.persistDialogs()
}
