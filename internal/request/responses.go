package request

import "fmt"

var optionsResponse = []byte("HTTP/1.1 200 OK\r\nAllow: GET, SOURCE, OPTIONS\r\n\r\n")

// sendError queues a minimal error response and closes once it has drained.
func (c *Client) sendError(code int, reason, body string) error {
	c.RespCode = code
	extra := ""
	if code == 401 {
		extra = "WWW-Authenticate: Basic realm=\"streamcast\"\r\n"
	}
	resp := fmt.Sprintf("HTTP/1.0 %d %s\r\n%sContent-Type: text/plain\r\nConnection: close\r\n\r\n%s\r\n",
		code, reason, extra, body)
	return c.sendThen([]byte(resp), nil)
}

// sendOptions answers an OPTIONS request and closes.
func (c *Client) sendOptions() error {
	c.RespCode = 200
	return c.sendThen(optionsResponse, nil)
}
