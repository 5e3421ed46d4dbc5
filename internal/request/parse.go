package request

import (
	"bufio"
	"bytes"
	"fmt"
	"net/textproto"
	"net/url"
	"strings"
)

// Request is the parsed preamble: request line plus MIME headers. The query
// string is split off the URI and parsed lazily.
type Request struct {
	Method   string
	URI      string
	RawQuery string
	Protocol string
	Version  string
	Header   textproto.MIMEHeader

	query url.Values
}

// QueryParam returns the first value of a query parameter, or "".
func (r *Request) QueryParam(name string) string {
	if r.query == nil {
		q, err := url.ParseQuery(r.RawQuery)
		if err != nil {
			q = url.Values{}
		}
		r.query = q
	}
	return r.query.Get(name)
}

// parseRequest parses the frozen preamble bytes. The buffer must end at (or
// after) the header terminator; the doubled-CR terminator variant is
// normalised before parsing.
func parseRequest(b []byte) (*Request, error) {
	if bytes.Contains(b, []byte("\r\r\n")) {
		b = bytes.ReplaceAll(b, []byte("\r\r\n"), []byte("\r\n"))
	}
	tr := textproto.NewReader(bufio.NewReader(bytes.NewReader(b)))

	line, err := tr.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("read request line: %w", err)
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || parts[1] == "" {
		return nil, fmt.Errorf("malformed request line %q", line)
	}
	proto, version, ok := strings.Cut(parts[2], "/")
	if !ok {
		return nil, fmt.Errorf("malformed protocol token %q", parts[2])
	}

	header, err := tr.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("parse headers: %w", err)
	}

	uri, rawQuery, _ := strings.Cut(parts[1], "?")
	return &Request{
		Method:   strings.ToUpper(parts[0]),
		URI:      uri,
		RawQuery: rawQuery,
		Protocol: strings.ToUpper(strings.TrimSpace(proto)),
		Version:  strings.TrimSpace(version),
		Header:   header,
	}, nil
}

// normaliseURI percent-decodes a request path and rejects anything that
// escapes the root or smuggles a NUL.
func normaliseURI(uri string) (string, error) {
	if uri == "" || uri[0] != '/' {
		return "", fmt.Errorf("uri %q does not start with /", uri)
	}
	decoded, err := url.PathUnescape(uri)
	if err != nil {
		return "", fmt.Errorf("undecodable uri %q", uri)
	}
	if strings.ContainsRune(decoded, 0) {
		return "", fmt.Errorf("uri contains NUL")
	}
	depth := 0
	for _, seg := range strings.Split(decoded[1:], "/") {
		switch seg {
		case "", ".":
		case "..":
			depth--
			if depth < 0 {
				return "", fmt.Errorf("uri %q escapes root", uri)
			}
		default:
			depth++
		}
	}
	return decoded, nil
}
