package identity

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"doverie/internal/models"
)

// Identity is the authenticated viewer of the session: who they are and
// which side of the dialog they sit on. The role decides which read flag is
// "ours" and suppresses self-echoed events.
type Identity struct {
	UserID int64
	Role   models.Role
	Token  string
}

// FromToken derives the viewer identity from the access token claims. The
// signature is not verified: the client is not the token's audience, it
// only needs the identity the backend already authenticated.
func FromToken(token string) (Identity, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("parse access token: %w", err)
	}

	id, ok := userID(claims)
	if !ok {
		return Identity{}, fmt.Errorf("access token carries no user id")
	}

	return Identity{
		UserID: id,
		Role:   role(claims),
		Token:  token,
	}, nil
}

func userID(claims jwt.MapClaims) (int64, bool) {
	for _, key := range []string{"userId", "user_id", "uid", "id", "sub"} {
		v, ok := claims[key]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case float64:
			return int64(t), true
		case string:
			if n, err := strconv.ParseInt(t, 10, 64); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func role(claims jwt.MapClaims) models.Role {
	for _, key := range []string{"role", "userRole", "user_role", "scope"} {
		if v, ok := claims[key].(string); ok {
			if strings.Contains(strings.ToUpper(v), "PSYCHOLOGIST") {
				return models.RolePsychologist
			}
			if strings.Contains(strings.ToUpper(v), "CLIENT") {
				return models.RoleClient
			}
		}
	}
	return models.RoleClient
}
