package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/h2non/filetype"

	"doverie/internal/session"
	"doverie/internal/wire"
)

// MessagesService covers the message endpoints. All reads come back as
// raw maps so the session can normalize whichever field spelling the
// backend used.
type MessagesService struct {
	c *Client
}

func (c *Client) Messages() *MessagesService {
	return &MessagesService{c: c}
}

func (s *MessagesService) List(ctx context.Context, dialogID string, limit int, cursor string) (session.Page, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var v any
	err := s.c.do(ctx, http.MethodGet, "/api/dialogs/"+url.PathEscape(dialogID)+"/messages", q, nil, &v)
	if err != nil {
		return session.Page{}, err
	}
	return pageFrom(v), nil
}

// pageFrom accepts both a bare array and an envelope with items plus an
// optional continuation cursor.
func pageFrom(v any) session.Page {
	var page session.Page
	switch t := v.(type) {
	case []any:
		page.Items = rawItems(t)
	case map[string]any:
		raw := wire.Raw(t)
		page.Items = rawItems(wire.List(raw, "items", "messages", "data", "content"))
		page.NextCursor = wire.ID(raw, "nextCursor", "next_cursor", "cursor", "nextPageToken")
	}
	return page
}

func rawItems(items []any) []wire.Raw {
	out := make([]wire.Raw, 0, len(items))
	for _, it := range items {
		if raw := wire.AsRaw(it); raw != nil {
			out = append(out, raw)
		}
	}
	return out
}

// Send posts a message. With attachments it switches to multipart; the
// JSON shape is used otherwise.
func (s *MessagesService) Send(ctx context.Context, dialogID string, req session.SendRequest) (wire.Raw, error) {
	path := "/api/dialogs/" + url.PathEscape(dialogID) + "/messages"
	if len(req.Files) > 0 {
		return s.sendMultipart(ctx, path, req)
	}

	body := map[string]any{
		"content":  req.Text,
		"clientId": req.ClientID,
	}
	if req.ReplyToMessageID != "" {
		body["replyToMessageId"] = req.ReplyToMessageID
	}
	if req.ReplyToClientID != "" {
		body["replyToClientId"] = req.ReplyToClientID
	}

	var v any
	if err := s.c.do(ctx, http.MethodPost, path, nil, body, &v); err != nil {
		return nil, err
	}
	return messageFrom(v), nil
}

func (s *MessagesService) sendMultipart(ctx context.Context, path string, req session.SendRequest) (wire.Raw, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if req.Text != "" {
		mw.WriteField("content", req.Text)
	}
	mw.WriteField("clientId", req.ClientID)
	if req.ReplyToMessageID != "" {
		mw.WriteField("replyToMessageId", req.ReplyToMessageID)
	}
	if req.ReplyToClientID != "" {
		mw.WriteField("replyToClientId", req.ReplyToClientID)
	}
	for _, up := range req.Files {
		if err := writeFilePart(mw, up); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.c.baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	s.c.authorize(httpReq)

	var v any
	if err := s.c.send(httpReq, &v); err != nil {
		return nil, err
	}
	return messageFrom(v), nil
}

func writeFilePart(mw *multipart.Writer, up session.Upload) error {
	f, err := os.Open(up.Path)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	name := up.Name
	if name == "" {
		name = filepath.Base(up.Path)
	}

	// Sniff the content type from the leading bytes, then replay them so
	// the part carries the whole file.
	head := make([]byte, 261)
	n, _ := io.ReadFull(f, head)
	head = head[:n]

	contentType := "application/octet-stream"
	if kind, err := filetype.Match(head); err == nil && kind != filetype.Unknown {
		contentType = kind.MIME.Value
	}

	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="files"; filename=%q`, name))
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return err
	}
	if _, err := part.Write(head); err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("copy attachment: %w", err)
	}
	return nil
}

// messageFrom unwraps common envelopes around a created message.
func messageFrom(v any) wire.Raw {
	raw := wire.AsRaw(v)
	if raw == nil {
		return nil
	}
	for _, key := range []string{"message", "data", "result"} {
		if inner := wire.Sub(raw, key); inner != nil {
			return inner
		}
	}
	return raw
}

func (s *MessagesService) MarkRead(ctx context.Context, dialogID string, ids []string) error {
	return s.c.do(ctx, http.MethodPost,
		"/api/dialogs/"+url.PathEscape(dialogID)+"/read", nil,
		map[string]any{"messageIds": ids}, nil)
}

func (s *MessagesService) React(ctx context.Context, messageID, emoji string, add *bool) (any, error) {
	body := map[string]any{"emoji": emoji}
	if add != nil {
		body["add"] = *add
	}
	var v any
	err := s.c.do(ctx, http.MethodPost,
		"/api/messages/"+url.PathEscape(messageID)+"/reactions", nil, body, &v)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *MessagesService) Edit(ctx context.Context, dialogID, messageID, text string) error {
	return s.c.do(ctx, http.MethodPatch,
		"/api/dialogs/"+url.PathEscape(dialogID)+"/messages/"+url.PathEscape(messageID), nil,
		map[string]any{"text": text}, nil)
}

func (s *MessagesService) Delete(ctx context.Context, dialogID, messageID string) error {
	return s.c.do(ctx, http.MethodDelete,
		"/api/dialogs/"+url.PathEscape(dialogID)+"/messages/"+url.PathEscape(messageID), nil,
		nil, nil)
}
