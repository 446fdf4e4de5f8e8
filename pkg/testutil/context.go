package testutil

import (
	"net/http"

	id "factora/pkg/domain"
	"factora/pkg/requestcontext"
)

// WithPrincipal puts principalID in the request context the way the auth
// middleware does, for handler tests that skip token validation.
func WithPrincipal(req *http.Request, principalID id.PrincipalID) *http.Request {
	return req.WithContext(requestcontext.WithPrincipalID(req.Context(), principalID))
}

// WithBearer sets the Authorization header.
func WithBearer(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}
