package session

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
	"golang.org/x/time/rate"

	"doverie/internal/content"
	"doverie/internal/merge"
	"doverie/internal/models"
	"doverie/internal/notify"
	"doverie/internal/wire"
)

// LoadMessages fetches one history page. A non-append call is the initial
// load; append merges an older page in front of what is known. Either way
// the merge layer re-sorts, so interleaved arrivals are safe. The
// history-loaded flag is set after the first non-append attempt regardless
// of outcome, so reopening a dialog does not refetch.
func (s *Session) LoadMessages(ctx context.Context, dialogID string, appendPage bool) error {
	s.mu.Lock()
	if s.closed || s.loading[dialogID] {
		s.mu.Unlock()
		return nil
	}
	cursor := ""
	if appendPage {
		cursor = s.cursors[dialogID]
		if cursor == "" && s.historyLoaded[dialogID] {
			// No older history left.
			s.mu.Unlock()
			return nil
		}
	}
	s.loading[dialogID] = true
	s.mu.Unlock()

	page, err := s.msgAPI.List(ctx, dialogID, s.cfg.PageSize, cursor)

	s.mu.Lock()
	delete(s.loading, dialogID)
	if !appendPage {
		s.historyLoaded[dialogID] = true
	}
	if err != nil {
		s.mu.Unlock()
		s.log.Warn().Err(err).Str("dialog", dialogID).Msg("history load failed")
		s.notifier.Notify(notify.KindError, "Failed to load messages")
		return err
	}

	incoming := make([]models.Message, 0, len(page.Items))
	for _, item := range page.Items {
		if m := wire.NormalizeMessage(item, dialogID, s.viewer.UserID); m != nil {
			incoming = append(incoming, *m)
		}
	}
	s.messages[dialogID] = merge.Messages(s.messages[dialogID], incoming)
	s.cursors[dialogID] = page.NextCursor
	s.mu.Unlock()

	s.persistMessages(dialogID)
	return nil
}

// OpenDialog makes a dialog active: loads its details (at most once per
// refresh window) and its history if not yet loaded. It deliberately does
// NOT touch unreadCount — opening a dialog does not mean every message was
// seen; only MarkMessagesRead, driven by actual visibility, decrements it.
func (s *Session) OpenDialog(ctx context.Context, dialogID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed := s.active != dialogID
	s.active = dialogID
	s.ensureDialogLocked(dialogID)
	loaded := s.historyLoaded[dialogID]
	hooks := append(([]func(string))(nil), s.onActive...)
	s.mu.Unlock()

	if changed {
		for _, fn := range hooks {
			fn(dialogID)
		}
	}
	s.maybeLoadDetails(ctx, dialogID)
	if !loaded {
		_ = s.LoadMessages(ctx, dialogID, false)
	}
}

// CloseDialog clears the active dialog.
func (s *Session) CloseDialog() {
	s.mu.Lock()
	if s.active == "" {
		s.mu.Unlock()
		return
	}
	s.active = ""
	hooks := append(([]func(string))(nil), s.onActive...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn("")
	}
}

func (s *Session) maybeLoadDetails(ctx context.Context, dialogID string) {
	if _, err := s.detailsFresh.Get(dialogID); err == nil {
		return
	}
	s.detailsFresh.Set(dialogID, true)

	raw, err := s.dlgAPI.Details(ctx, dialogID)
	if err == nil {
		if d := wire.NormalizeDialog(raw); d != nil {
			s.applyDialog(d)
			return
		}
	}
	// Details endpoint missing or unusable; the members listing still
	// gives us the participant snapshot.
	items, merr := s.dlgAPI.Members(ctx, dialogID)
	if merr != nil {
		s.log.Debug().Err(err).Str("dialog", dialogID).Msg("dialog details unavailable")
		return
	}
	d := &models.Dialog{ID: dialogID}
	for _, item := range items {
		if m := wire.NormalizeMember(item); m != nil {
			d.Members = append(d.Members, *m)
		}
	}
	s.applyDialog(d)
}

// RefreshDialogs reloads the dialog list and merges it over the known
// state. Fields the listing omits survive the merge.
func (s *Session) RefreshDialogs(ctx context.Context) error {
	items, err := s.dlgAPI.List(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("dialog list refresh failed")
		s.notifier.Notify(notify.KindError, "Failed to load dialogs")
		return err
	}
	s.mu.Lock()
	for _, item := range items {
		d := wire.NormalizeDialog(item)
		if d == nil {
			continue
		}
		s.dialogs[d.ID] = merge.Dialog(s.dialogs[d.ID], d)
	}
	s.mu.Unlock()
	s.persistDialogs()
	return nil
}

type SendInput struct {
	DialogID         string
	Text             string
	Files            []Upload
	ReplyTo          *models.ReplyRef
	ReplyToMessageID string
	ReplyToClientID  string
}

// SendMessage appends an optimistic pending message, then delivers it:
// uploads always go over REST (the socket cannot carry binary), plain text
// prefers the socket and falls back to REST. On failure the message stays
// visible with status failed.
func (s *Session) SendMessage(ctx context.Context, in SendInput) (string, error) {
	clientID := uuid.NewString()
	now := s.now()

	optimistic := models.Message{
		ClientID:         clientID,
		DialogID:         in.DialogID,
		FromUserID:       s.viewer.UserID,
		Text:             in.Text,
		CreatedAt:        now,
		Status:           models.StatusPending,
		ReplyTo:          in.ReplyTo,
		ReplyToMessageID: in.ReplyToMessageID,
		ReplyToClientID:  in.ReplyToClientID,
	}
	for _, f := range in.Files {
		optimistic.Attachments = append(optimistic.Attachments, localAttachment(f))
	}

	s.mu.Lock()
	s.messages[in.DialogID] = merge.Messages(s.messages[in.DialogID], []models.Message{optimistic})
	d := s.ensureDialogLocked(in.DialogID)
	preview := content.Preview(in.Text, s.cfg.PreviewLength)
	d.LastMessage = &preview
	d.UpdatedAt = &now
	s.mu.Unlock()

	if len(in.Files) == 0 && s.tr.Connected() {
		payload := map[string]any{
			"chatId":   in.DialogID,
			"clientId": clientID,
			"text":     in.Text,
		}
		if in.ReplyToMessageID != "" {
			payload["replyToMessageId"] = in.ReplyToMessageID
		}
		if in.ReplyToClientID != "" {
			payload["replyToClientId"] = in.ReplyToClientID
		}
		if s.tr.Publish(s.cfg.Destinations.Send, payload) {
			// Confirmation arrives as the echoed message on the inbox.
			return clientID, nil
		}
	}

	raw, err := s.msgAPI.Send(ctx, in.DialogID, SendRequest{
		ClientID:         clientID,
		Text:             in.Text,
		Files:            in.Files,
		ReplyToMessageID: in.ReplyToMessageID,
		ReplyToClientID:  in.ReplyToClientID,
	})
	if err != nil {
		s.setStatus(in.DialogID, clientID, models.StatusFailed)
		s.notifier.Notify(notify.KindError, "Failed to send message")
		return clientID, err
	}

	if m := wire.NormalizeMessage(raw, in.DialogID, s.viewer.UserID); m != nil {
		if m.ClientID == "" {
			m.ClientID = clientID
		}
		m.Status = models.StatusSent
		s.applyMessage(*m)
	} else {
		// Response unusable; the socket echo or the next resync confirms.
		s.setStatus(in.DialogID, clientID, models.StatusSent)
	}
	return clientID, nil
}

func localAttachment(f Upload) models.Attachment {
	a := models.Attachment{
		Type:      models.AttachmentTypeFile,
		Name:      f.Name,
		LocalPath: f.Path,
	}
	if a.Name == "" {
		a.Name = filepath.Base(f.Path)
	}
	if kind, err := filetype.MatchFile(f.Path); err == nil && kind != filetype.Unknown {
		a.MimeType = kind.MIME.Value
		if strings.HasPrefix(kind.MIME.Value, "image/") {
			a.Type = models.AttachmentTypeImage
		}
	}
	return a
}

func (s *Session) setStatus(dialogID, key string, status models.MessageStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[dialogID]
	for i := range msgs {
		if msgs[i].ID == key || msgs[i].ClientID == key {
			msgs[i].Status = status
			return
		}
	}
}

// EditMessage applies the edit locally, then publishes it. Without the
// configured REST fallback a dead socket means the edit stays local until
// the next resync.
func (s *Session) EditMessage(ctx context.Context, dialogID, messageID, text string) error {
	now := s.now()
	s.mu.Lock()
	msgs := s.messages[dialogID]
	found := false
	for i := range msgs {
		if msgs[i].ID == messageID || msgs[i].ClientID == messageID {
			if msgs[i].Deleted {
				s.mu.Unlock()
				return nil
			}
			msgs[i].Text = text
			msgs[i].Edited = true
			msgs[i].EditedAt = &now
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return models.ErrNotFound
	}

	if s.tr.Connected() && s.tr.Publish(s.cfg.Destinations.Edit, map[string]any{
		"chatId":    dialogID,
		"messageId": messageID,
		"text":      text,
	}) {
		return nil
	}
	if !s.cfg.MutationFallback {
		s.log.Debug().Str("message", messageID).Msg("edit not delivered, transport down")
		return nil
	}
	if err := s.msgAPI.Edit(ctx, dialogID, messageID, text); err != nil {
		s.notifier.Notify(notify.KindError, "Failed to edit message")
		return err
	}
	return nil
}

// DeleteMessage soft-deletes locally (the entry stays in the array with
// placeholder content), then publishes. Fallback behaves as in EditMessage.
func (s *Session) DeleteMessage(ctx context.Context, dialogID, messageID string) error {
	now := s.now()
	s.mu.Lock()
	msgs := s.messages[dialogID]
	found := false
	for i := range msgs {
		if msgs[i].ID == messageID || msgs[i].ClientID == messageID {
			msgs[i].ClearDeleted(&now)
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return models.ErrNotFound
	}

	if s.tr.Connected() && s.tr.Publish(s.cfg.Destinations.Delete, map[string]any{
		"chatId":    dialogID,
		"messageId": messageID,
	}) {
		return nil
	}
	if !s.cfg.MutationFallback {
		s.log.Debug().Str("message", messageID).Msg("delete not delivered, transport down")
		return nil
	}
	if err := s.msgAPI.Delete(ctx, dialogID, messageID); err != nil {
		s.notifier.Notify(notify.KindError, "Failed to delete message")
		return err
	}
	return nil
}

type ReactInput struct {
	DialogID  string
	MessageID string
	Emoji     string
	// Add forces the direction; nil toggles on the current "me" state.
	Add *bool
}

// ReactToMessage applies the optimistic reaction delta, then publishes over
// the socket or falls back to REST. A REST failure rolls the summary back
// to the pre-optimistic snapshot.
func (s *Session) ReactToMessage(ctx context.Context, in ReactInput) error {
	s.mu.Lock()
	msgs := s.messages[in.DialogID]
	idx := -1
	for i := range msgs {
		if msgs[i].ID == in.MessageID || msgs[i].ClientID == in.MessageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return models.ErrNotFound
	}
	snapshot := append([]models.Reaction(nil), msgs[idx].Reactions...)
	add := !reactedByMe(msgs[idx].Reactions, in.Emoji)
	if in.Add != nil {
		add = *in.Add
	}
	msgs[idx].Reactions = applyReactionDelta(msgs[idx].Reactions, in.Emoji, add)
	s.mu.Unlock()

	if s.tr.Connected() && s.tr.Publish(s.cfg.Destinations.React, map[string]any{
		"chatId":    in.DialogID,
		"messageId": in.MessageID,
		"emoji":     in.Emoji,
		"add":       add,
	}) {
		return nil
	}

	resp, err := s.msgAPI.React(ctx, in.MessageID, in.Emoji, &add)
	if err != nil {
		s.setReactions(in.DialogID, in.MessageID, snapshot)
		s.notifier.Notify(notify.KindError, "Failed to update reaction")
		return err
	}
	v := resp
	if m := wire.AsRaw(resp); m != nil {
		if inner, ok := wire.First(m, "reactions", "reactionGroups", "reaction_groups"); ok {
			v = inner
		}
	}
	s.setReactions(in.DialogID, in.MessageID, wire.NormalizeReactions(v, s.viewer.UserID))
	return nil
}

func (s *Session) setReactions(dialogID, messageID string, reactions []models.Reaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[dialogID]
	for i := range msgs {
		if msgs[i].ID == messageID || msgs[i].ClientID == messageID {
			if msgs[i].Deleted {
				return
			}
			msgs[i].Reactions = reactions
			return
		}
	}
}

func reactedByMe(reactions []models.Reaction, emoji string) bool {
	for _, r := range reactions {
		if r.Emoji == emoji {
			return r.Me
		}
	}
	return false
}

func applyReactionDelta(reactions []models.Reaction, emoji string, add bool) []models.Reaction {
	out := append([]models.Reaction(nil), reactions...)
	for i := range out {
		if out[i].Emoji != emoji {
			continue
		}
		if add {
			if !out[i].Me {
				out[i].Count++
				out[i].Me = true
			}
		} else {
			if out[i].Me {
				out[i].Count--
				out[i].Me = false
			}
		}
		if out[i].Count <= 0 {
			return append(out[:i], out[i+1:]...)
		}
		return out
	}
	if add {
		out = append(out, models.Reaction{Emoji: emoji, Count: 1, Me: true})
	}
	return out
}

// MarkMessagesRead flips the viewer's read flag on the given
// counterpart-authored messages and decrements unreadCount by exactly the
// number that were actually unread. The server notification is
// fire-and-forget: a later resync reconciles any loss.
func (s *Session) MarkMessagesRead(ctx context.Context, dialogID string, ids []string) {
	idset := make(map[string]bool, len(ids))
	for _, id := range ids {
		idset[id] = true
	}
	now := s.now()

	s.mu.Lock()
	msgs := s.messages[dialogID]
	var marked []string
	for i := range msgs {
		m := &msgs[i]
		if m.FromUserID == s.viewer.UserID {
			// Never mark own messages.
			continue
		}
		if !idset[m.ID] && !idset[m.ClientID] {
			continue
		}
		if m.IsReadBy(s.viewer.Role) {
			continue
		}
		m.MarkReadBy(s.viewer.Role, now)
		marked = append(marked, m.Key())
	}
	if len(marked) > 0 {
		if d := s.dialogs[dialogID]; d != nil && d.UnreadCount != nil {
			n := *d.UnreadCount - len(marked)
			if n < 0 {
				n = 0
			}
			d.UnreadCount = &n
		}
	}
	s.mu.Unlock()

	if len(marked) == 0 {
		return
	}
	if s.tr.Connected() && s.tr.Publish(s.cfg.Destinations.Read, map[string]any{
		"chatId":     dialogID,
		"messageIds": marked,
	}) {
		return
	}
	if err := s.msgAPI.MarkRead(ctx, dialogID, marked); err != nil {
		s.log.Debug().Err(err).Str("dialog", dialogID).Msg("read receipt not delivered")
	}
}

// NotifyTyping publishes typing:true at most once per throttle window and
// schedules the typing:false auto-stop after the last keystroke.
func (s *Session) NotifyTyping(dialogID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	lim := s.typingLimits[dialogID]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(s.cfg.TypingThrottle), 1)
		s.typingLimits[dialogID] = lim
	}
	if t := s.typingStop[dialogID]; t != nil {
		t.Stop()
	}
	s.typingStop[dialogID] = time.AfterFunc(s.cfg.TypingStopAfter, func() {
		s.publishTyping(dialogID, false)
	})
	s.mu.Unlock()

	if lim.Allow() {
		s.publishTyping(dialogID, true)
	}
}

func (s *Session) publishTyping(dialogID string, typing bool) {
	if !s.tr.Connected() {
		return
	}
	s.tr.Publish(s.cfg.Destinations.Typing, map[string]any{
		"chatId": dialogID,
		"typing": typing,
	})
}
