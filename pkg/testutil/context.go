package testutil

import (
	"net/http"
)

// WithAdminToken sets the admin header the adapter sends on admin routes.
func WithAdminToken(req *http.Request, token string) *http.Request {
	req.Header.Set("X-Admin-Token", token)
	return req
}
