package identity

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"doverie/internal/models"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("irrelevant"))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestFromToken(t *testing.T) {
	tests := []struct {
		name     string
		claims   jwt.MapClaims
		wantID   int64
		wantRole models.Role
	}{
		{"numeric userId", jwt.MapClaims{"userId": 7, "role": "ROLE_PSYCHOLOGIST"}, 7, models.RolePsychologist},
		{"string sub", jwt.MapClaims{"sub": "42", "role": "client"}, 42, models.RoleClient},
		{"role from scope", jwt.MapClaims{"uid": 3, "scope": "chat psychologist"}, 3, models.RolePsychologist},
		{"role defaults to client", jwt.MapClaims{"user_id": 5}, 5, models.RoleClient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := signed(t, tt.claims)
			got, err := FromToken(token)
			if err != nil {
				t.Fatalf("FromToken failed: %v", err)
			}
			if got.UserID != tt.wantID {
				t.Errorf("UserID = %d, want %d", got.UserID, tt.wantID)
			}
			if got.Role != tt.wantRole {
				t.Errorf("Role = %q, want %q", got.Role, tt.wantRole)
			}
			if got.Token != token {
				t.Error("token not retained")
			}
		})
	}
}

func TestFromTokenErrors(t *testing.T) {
	if _, err := FromToken("not-a-jwt"); err == nil {
		t.Error("garbage token accepted")
	}
	if _, err := FromToken(signed(t, jwt.MapClaims{"role": "client"})); err == nil {
		t.Error("token without user id accepted")
	}
}
