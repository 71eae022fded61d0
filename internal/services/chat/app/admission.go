package server

import (
	"net/http"
	"strings"

	apperrors "github.com/louisbranch/kbchat/internal/platform/errors"
	"github.com/louisbranch/kbchat/internal/services/chat/grant"
	"github.com/louisbranch/kbchat/internal/services/chat/hub"
)

// wsAuthorizer resolves who is connecting before the upgrade.
type wsAuthorizer interface {
	Admit(r *http.Request) (hub.Admission, error)
}

// grantAuthorizer admits connections presenting a signed connection grant.
type grantAuthorizer struct {
	verifier *grant.Verifier
}

func (a grantAuthorizer) Admit(r *http.Request) (hub.Admission, error) {
	claims, err := a.verifier.Verify(accessTokenFromRequest(r))
	if err != nil {
		return hub.Admission{}, err
	}
	return hub.Admission{
		RoomID:     claims.RoomID,
		ClientID:   claims.ClientID,
		EndUserRef: claims.EndUserRef,
		AgentRef:   claims.AgentRef,
	}, nil
}

// queryAuthorizer trusts room_id, client_id, end_user_ref and agent_ref
// query parameters. Development and tests only.
type queryAuthorizer struct{}

func (queryAuthorizer) Admit(r *http.Request) (hub.Admission, error) {
	query := r.URL.Query()
	admission := hub.Admission{
		RoomID:     strings.TrimSpace(query.Get("room_id")),
		ClientID:   strings.TrimSpace(query.Get("client_id")),
		EndUserRef: strings.TrimSpace(query.Get("end_user_ref")),
		AgentRef:   strings.TrimSpace(query.Get("agent_ref")),
	}
	if admission.RoomID == "" || admission.ClientID == "" {
		return hub.Admission{}, apperrors.New(apperrors.CodeInvalidPayload, "room_id and client_id are required")
	}
	return admission, nil
}

// accessTokenFromRequest reads the grant from the token query parameter,
// a bearer Authorization header or the kb_token cookie, in that order.
func accessTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := strings.TrimSpace(r.URL.Query().Get(tokenQueryParam)); token != "" {
		return token
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			if token = strings.TrimSpace(token); token != "" {
				return token
			}
		}
	}
	cookie, err := r.Cookie(tokenCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}
