package merge

import (
	"sort"

	"doverie/internal/models"
)

// Dialog combines a previously known dialog with a partial update. Fields
// the update does not mention keep their previous value; an update never
// resets known facts by omission.
//
// typing is special: a REST dialog-list refresh carries a stale
// typing=false that must not cancel a live socket-asserted typing=true.
// Only the dedicated typing handler (which bypasses this merge) clears it.
func Dialog(prev, next *models.Dialog) *models.Dialog {
	if prev == nil {
		if next == nil {
			return nil
		}
		d := *next
		return &d
	}
	if next == nil {
		d := *prev
		return &d
	}

	d := *prev
	if next.ID != "" {
		d.ID = next.ID
	}
	if next.Title != nil && *next.Title != "" {
		d.Title = next.Title
	}
	if next.AvatarURL != nil && *next.AvatarURL != "" {
		d.AvatarURL = next.AvatarURL
	}
	if next.LastMessage != nil && *next.LastMessage != "" {
		d.LastMessage = next.LastMessage
	}
	if next.UpdatedAt != nil {
		d.UpdatedAt = next.UpdatedAt
	}
	if next.UnreadCount != nil {
		d.UnreadCount = next.UnreadCount
	}
	if next.Online != nil {
		d.Online = next.Online
	}
	if next.LastSeenAt != nil {
		d.LastSeenAt = next.LastSeenAt
	}
	if next.Locked != nil {
		d.Locked = next.Locked
	}
	if next.Typing != nil {
		if !(prev.IsTyping() && !*next.Typing) {
			d.Typing = next.Typing
		}
	}
	if next.Type != nil {
		d.Type = next.Type
	}
	if next.Members != nil {
		d.Members = Members(prev.Members, next.Members)
	}
	if next.MembersCount != nil {
		d.MembersCount = next.MembersCount
	}
	if next.OnlineCount != nil {
		d.OnlineCount = next.OnlineCount
	}
	if next.PartnerUserID != nil {
		d.PartnerUserID = next.PartnerUserID
	}
	return &d
}

// Members is a keyed union by user id. Previous order is kept, new members
// are appended; per member, unknown fields never overwrite known ones.
func Members(prev, next []models.Member) []models.Member {
	if len(prev) == 0 {
		return append([]models.Member(nil), next...)
	}
	if len(next) == 0 {
		return prev
	}

	out := append([]models.Member(nil), prev...)
	index := make(map[int64]int, len(out))
	for i, m := range out {
		index[m.UserID] = i
	}
	for _, nm := range next {
		i, ok := index[nm.UserID]
		if !ok {
			index[nm.UserID] = len(out)
			out = append(out, nm)
			continue
		}
		out[i] = member(out[i], nm)
	}
	return out
}

func member(prev, next models.Member) models.Member {
	m := prev
	if next.Name != nil {
		m.Name = next.Name
	}
	if next.AvatarURL != nil {
		m.AvatarURL = next.AvatarURL
	}
	if next.Online != nil {
		m.Online = next.Online
	}
	if next.LastSeenAt != nil {
		m.LastSeenAt = next.LastSeenAt
	}
	return m
}

// Messages folds an incoming batch (history page, REST load or socket push)
// into the known list. Matching is by server id first, then client id, so
// an optimistic entry collapses with its server echo into a single message.
// The result is re-sorted by createdAt: pages and pushes interleave and
// arrival order means nothing.
func Messages(prev, incoming []models.Message) []models.Message {
	out := append([]models.Message(nil), prev...)

	byID := make(map[string]int, len(out))
	byClient := make(map[string]int, len(out))
	for i, m := range out {
		if m.ID != "" {
			byID[m.ID] = i
		}
		if m.ClientID != "" {
			byClient[m.ClientID] = i
		}
	}

	for _, in := range incoming {
		i, ok := -1, false
		if in.ID != "" {
			i, ok = lookup(byID, in.ID)
		}
		if !ok && in.ClientID != "" {
			i, ok = lookup(byClient, in.ClientID)
		}
		if !ok {
			if in.Key() == "" {
				continue
			}
			i = len(out)
			out = append(out, in)
		} else {
			out[i] = Message(out[i], in)
		}
		merged := out[i]
		if merged.ID != "" {
			byID[merged.ID] = i
		}
		if merged.ClientID != "" {
			// The echo may reveal the client id of an entry we stored
			// under its server id (or vice versa); collapse the stray
			// twin if one exists.
			if j, ok := byClient[merged.ClientID]; ok && j != i {
				out[i] = Message(out[j], merged)
				out[j] = models.Message{}
			}
			byClient[merged.ClientID] = i
		}
	}

	compact := out[:0]
	for _, m := range out {
		if m.Key() != "" {
			compact = append(compact, m)
		}
	}
	out = compact

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func lookup(index map[string]int, key string) (int, bool) {
	i, ok := index[key]
	return i, ok
}

// Message reconciles two versions of the same logical message. The general
// rule is "keep old unless new explicitly says otherwise": empty or absent
// fields in the incoming version are partial-push artifacts, not removals.
// Read flags are monotonic and deletion is terminal.
func Message(prev, next models.Message) models.Message {
	m := prev

	if next.ID != "" {
		m.ID = next.ID
	}
	if next.ClientID != "" {
		m.ClientID = next.ClientID
	}
	if next.DialogID != "" {
		m.DialogID = next.DialogID
	}
	if next.FromUserID != 0 {
		m.FromUserID = next.FromUserID
	}
	if !next.CreatedAt.IsZero() {
		m.CreatedAt = next.CreatedAt
	}
	if next.Status != "" {
		m.Status = next.Status
	}

	if next.Text != "" {
		m.Text = next.Text
	}
	if len(next.Attachments) > 0 {
		m.Attachments = next.Attachments
	}
	if len(next.Reactions) > 0 {
		m.Reactions = next.Reactions
	}
	if next.ReplyTo != nil {
		m.ReplyTo = next.ReplyTo
	}
	if next.ReplyToMessageID != "" {
		m.ReplyToMessageID = next.ReplyToMessageID
	}
	if next.ReplyToClientID != "" {
		m.ReplyToClientID = next.ReplyToClientID
	}

	m.ReadByClient = stickyTrue(prev.ReadByClient, next.ReadByClient)
	m.ReadByPsychologist = stickyTrue(prev.ReadByPsychologist, next.ReadByPsychologist)
	if prev.ReadAt != nil {
		m.ReadAt = prev.ReadAt
	} else {
		m.ReadAt = next.ReadAt
	}

	m.Edited = prev.Edited || next.Edited
	if next.EditedAt != nil {
		m.EditedAt = next.EditedAt
	}
	if next.LastModified != nil {
		m.LastModified = next.LastModified
	}

	if prev.Deleted || next.Deleted {
		at := prev.DeletedAt
		if at == nil {
			at = next.DeletedAt
		}
		m.ClearDeleted(at)
	}
	return m
}

// stickyTrue keeps a true read flag forever; otherwise the explicit
// incoming value wins and absence preserves the previous state.
func stickyTrue(prev, next *bool) *bool {
	if prev != nil && *prev {
		return prev
	}
	if next != nil {
		return next
	}
	return prev
}
