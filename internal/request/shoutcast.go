package request

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/auralabs/streamcast/internal/conn"
)

// shoutcastOK is the acknowledgement the legacy source client waits for after
// sending its password line.
var shoutcastOK = []byte("OK2\r\nicy-caps:11\r\n\r\n")

// processShoutcast handles the password-first source dialogue: read the
// cleartext password line, acknowledge it, and rewrite the rest of the
// exchange into a synthetic authenticated SOURCE request that re-enters the
// standard preamble flow.
func (c *Client) processShoutcast() error {
	if !c.cfg.Running() || c.Conn.Error() {
		return errors.New("legacy handshake aborted")
	}
	now := c.clock.Now()
	if !c.Conn.Discon.IsZero() && !now.Before(c.Conn.Discon) {
		return fmt.Errorf("header timeout from %s", c.Conn.IP())
	}
	if c.buf == nil {
		c.buf = make([]byte, 0, bufSize)
	}
	remaining := bufSize - 2 - len(c.buf)
	if remaining <= 0 {
		return fmt.Errorf("legacy request from %s exceeds buffer", c.Conn.IP())
	}

	n, err := c.Conn.Read(c.buf[len(c.buf) : len(c.buf)+remaining])
	if errors.Is(err, conn.ErrWouldBlock) {
		c.scheduleIn(100 * time.Millisecond)
		return nil
	}
	if err != nil || n == 0 {
		return fmt.Errorf("read legacy handshake from %s: %w", c.Conn.IP(), err)
	}
	c.buf = c.buf[:len(c.buf)+n]

	eol := bytes.IndexAny(c.buf, "\r\n")
	if eol < 0 {
		c.scheduleIn(100 * time.Millisecond)
		return nil
	}

	password := string(c.buf[:eol])
	after := eol
	for after < len(c.buf) && (c.buf[after] == '\r' || c.buf[after] == '\n') {
		after++
	}
	rest := c.buf[after:]

	mount := c.Profile.ShoutcastMount
	auth := base64.StdEncoding.EncodeToString([]byte("source:" + password))
	synthetic := make([]byte, 0, bufSize)
	synthetic = fmt.Appendf(synthetic, "SOURCE %s HTTP/1.0\r\nAuthorization: Basic %s\r\n%s", mount, auth, rest)

	c.buf = nil
	c.RespCode = 200
	c.log.Info("shoutcast emulation", "mount", mount, "ip", c.Conn.IP())

	return c.sendThen(shoutcastOK, func() error {
		c.buf = synthetic
		c.counter = c.clock.Now()
		c.process = c.processHTTPRequest
		// The synthetic request may already be complete; reparse right away.
		if findTerminator(c.buf) >= 0 {
			return c.dispatchSynthetic()
		}
		c.scheduleIn(10 * time.Millisecond)
		return nil
	})
}

// dispatchSynthetic parses an already-complete synthetic request without
// another read.
func (c *Client) dispatchSynthetic() error {
	end := findTerminator(c.buf)
	c.bodyOffset = end
	c.Conn.Discon = time.Time{}
	req, err := parseRequest(c.buf[:end])
	if err != nil {
		return fmt.Errorf("invalid synthetic request from %s: %w", c.Conn.IP(), err)
	}
	c.Req = req
	return c.dispatch()
}
