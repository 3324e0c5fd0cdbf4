package rest

import (
	"context"
	"net/http"
	"net/url"

	"doverie/internal/wire"
)

// DialogsService covers the dialog-list and dialog-detail endpoints.
type DialogsService struct {
	c *Client
}

func (c *Client) Dialogs() *DialogsService {
	return &DialogsService{c: c}
}

func (s *DialogsService) List(ctx context.Context) ([]wire.Raw, error) {
	var v any
	if err := s.c.do(ctx, http.MethodGet, "/api/dialogs", nil, nil, &v); err != nil {
		return nil, err
	}
	return listFrom(v), nil
}

func listFrom(v any) []wire.Raw {
	switch t := v.(type) {
	case []any:
		return rawItems(t)
	case map[string]any:
		raw := wire.Raw(t)
		return rawItems(wire.List(raw, "items", "dialogs", "chats", "members", "data", "content"))
	}
	return nil
}

func (s *DialogsService) Details(ctx context.Context, dialogID string) (wire.Raw, error) {
	var v any
	err := s.c.do(ctx, http.MethodGet, "/api/dialogs/"+url.PathEscape(dialogID), nil, nil, &v)
	if err != nil {
		return nil, err
	}
	raw := wire.AsRaw(v)
	if raw == nil {
		return nil, nil
	}
	for _, key := range []string{"dialog", "chat", "data"} {
		if inner := wire.Sub(raw, key); inner != nil {
			return inner, nil
		}
	}
	return raw, nil
}

func (s *DialogsService) Members(ctx context.Context, dialogID string) ([]wire.Raw, error) {
	var v any
	err := s.c.do(ctx, http.MethodGet, "/api/dialogs/"+url.PathEscape(dialogID)+"/members", nil, nil, &v)
	if err != nil {
		return nil, err
	}
	return listFrom(v), nil
}
