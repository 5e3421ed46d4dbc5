package request

import (
	"encoding/base64"
	"log/slog"
	"strings"
)

// checkBasic verifies an HTTP Basic Authorization header against the expected
// user and password.
func checkBasic(req *Request, user, pass string) bool {
	header := req.Header.Get("Authorization")
	if header == "" {
		return false
	}
	if !strings.HasPrefix(header, "Basic ") {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len("Basic "):])
	if err != nil {
		return false
	}
	gotUser, gotPass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}
	return gotUser == user && gotPass == pass
}

// checkICY verifies the icy-password header.
func checkICY(req *Request, pass string) bool {
	got := req.Header.Get("Icy-Password")
	if got == "" {
		return false
	}
	return got == pass
}

// checkICE verifies the deprecated ice-password header; a missing header
// compares as empty.
func checkICE(req *Request, pass string) bool {
	return req.Header.Get("Ice-Password") == pass
}

// checkAdminPass verifies admin credentials: the ICY password for ICY
// requests, HTTP Basic otherwise.
func (c *Client) checkAdminPass() bool {
	user, pass := c.cfg.AdminUser, c.cfg.AdminPassword
	if user == "" || pass == "" {
		return false
	}
	if c.Req.Protocol == "ICY" {
		return checkICY(c.Req, pass)
	}
	return checkBasic(c.Req, user, pass)
}

// checkRelayPass verifies relay credentials over HTTP Basic.
func (c *Client) checkRelayPass() bool {
	user, pass := c.cfg.RelayUser, c.cfg.RelayPassword
	if user == "" || pass == "" {
		return false
	}
	return checkBasic(c.Req, user, pass)
}

// CheckSourcePass verifies source credentials: ICY password for ICY requests,
// otherwise HTTP Basic with an optional fallback to the deprecated
// ice-password login.
func CheckSourcePass(req *Request, user, pass string, iceLogin bool, log *slog.Logger) bool {
	if pass == "" {
		log.Warn("no source password set, rejecting source")
		return false
	}
	if req.Protocol == "ICY" {
		return checkICY(req, pass)
	}
	if checkBasic(req, user, pass) {
		return true
	}
	if iceLogin && checkICE(req, pass) {
		log.Warn("source is using deprecated icecast login")
		return true
	}
	return false
}
