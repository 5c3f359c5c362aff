package session

import (
	"fmt"

	"github.com/golang-jwt/jwt"
)

const (
	subjectClaim  = "sub"
	usernameClaim = "username"
)

// Viewer is the authenticated user of the client session. A zero Viewer
// means no session; mutating intents are rejected and viewer-flag writes
// are skipped.
type Viewer struct {
	Id       string
	Username string
}

func (v Viewer) Authenticated() bool {
	return v.Id != ""
}

// FromAccessToken extracts the viewer identity from the backend-issued
// access token. The signature is not verified here: the server owns
// verification, the client only needs to know who it is acting as.
func FromAccessToken(token string) (Viewer, error) {
	if token == "" {
		return Viewer{}, nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return Viewer{}, fmt.Errorf("parse token: %w", err)
	}

	id, ok := claims[subjectClaim].(string)
	if !ok || id == "" {
		return Viewer{}, fmt.Errorf("missing subject claim")
	}

	username, _ := claims[usernameClaim].(string)

	return Viewer{Id: id, Username: username}, nil
}
