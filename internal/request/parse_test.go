package request

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamcast_Parse_RequestLine(t *testing.T) {
	t.Parallel()

	req, err := parseRequest([]byte("GET /stream.ogg?type=.flv HTTP/1.1\r\nHost: x\r\nIcy-MetaData: 1\r\n\r\n"))
	require.NoError(t, err)
	require.Equal(t, "GET", req.Method)
	require.Equal(t, "/stream.ogg", req.URI)
	require.Equal(t, "HTTP", req.Protocol)
	require.Equal(t, "1.1", req.Version)
	require.Equal(t, ".flv", req.QueryParam("type"))
	require.Equal(t, "1", req.Header.Get("Icy-MetaData"))
}

func TestStreamcast_Parse_ICEProtocol(t *testing.T) {
	t.Parallel()

	req, err := parseRequest([]byte("SOURCE /live ICE/1.0\r\n\r\n"))
	require.NoError(t, err)
	require.Equal(t, "ICE", req.Protocol)
	require.Equal(t, "1.0", req.Version)
}

func TestStreamcast_Parse_LowercaseMethodNormalised(t *testing.T) {
	t.Parallel()

	req, err := parseRequest([]byte("get / HTTP/1.0\r\n\r\n"))
	require.NoError(t, err)
	require.Equal(t, "GET", req.Method)
}

func TestStreamcast_Parse_Malformed(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		"GET /\r\n\r\n",
		"GET  HTTP/1.0\r\n\r\n",
		"GET / HTTP1.0\r\n\r\n",
	} {
		_, err := parseRequest([]byte(raw))
		require.Error(t, err, "raw %q", raw)
	}
}

func TestStreamcast_Parse_NormaliseURI(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		out  string
		fail bool
	}{
		{in: "/stream.ogg", out: "/stream.ogg"},
		{in: "/a%20b.ogg", out: "/a b.ogg"},
		{in: "/a/../b.ogg", out: "/a/../b.ogg"},
		{in: "/../etc/passwd", fail: true},
		{in: "/a/../../etc", fail: true},
		{in: "stream.ogg", fail: true},
		{in: "", fail: true},
		{in: "/%zz", fail: true},
		{in: "/a%00b", fail: true},
	}
	for _, tc := range cases {
		got, err := normaliseURI(tc.in)
		if tc.fail {
			require.Error(t, err, "uri %q", tc.in)
			continue
		}
		require.NoError(t, err, "uri %q", tc.in)
		require.Equal(t, tc.out, got)
	}
}
