package request

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/auralabs/streamcast/internal/listen"
)

func shoutcastProfile() *listen.Profile {
	return &listen.Profile{Port: 8001, ShoutcastCompat: true, ShoutcastMount: "/live"}
}

func TestStreamcast_Shoutcast_SessionBecomesSyntheticSource(t *testing.T) {
	t.Parallel()

	var gotMethod, gotURI, gotAuth, gotName string
	c, peer, calls := newTestClient(t, shoutcastProfile(), func(cfg *DispatchConfig) {
		cfg.Hooks.AuthCheckSource = func(c *Client, uri string) SourceAuth {
			gotMethod = c.Req.Method
			gotURI = uri
			gotAuth = c.Req.Header.Get("Authorization")
			gotName = c.Req.Header.Get("Icy-Name")
			return SourceAuthOK
		}
	})

	_, err := peer.Write([]byte("hackme\r\nicy-name:Test\r\n\r\n"))
	require.NoError(t, err)

	require.ErrorIs(t, drive(t, c, 2*time.Second), ErrHandoff)

	// The acknowledgement reaches the peer before the synthetic request is
	// dispatched.
	require.Equal(t, "OK2\r\nicy-caps:11\r\n\r\n", readFromPeer(t, peer, len(shoutcastOK)))

	require.Equal(t, "SOURCE", gotMethod)
	require.Equal(t, "/live", gotURI)
	require.Equal(t, "Basic c291cmNlOmhhY2ttZQ==", gotAuth)
	require.Equal(t, "Test", gotName)
	require.Equal(t, []string{"/live"}, calls.sourceURIs())
}

func TestStreamcast_Shoutcast_BuiltinPasswordCheck(t *testing.T) {
	t.Parallel()

	c, peer, calls := newTestClient(t, shoutcastProfile())

	_, err := peer.Write([]byte("hackme\r\nicy-name:Test\r\n\r\n"))
	require.NoError(t, err)

	require.ErrorIs(t, drive(t, c, 2*time.Second), ErrHandoff)
	require.Equal(t, []string{"/live"}, calls.sourceURIs())
}

func TestStreamcast_Shoutcast_WrongPasswordRejected(t *testing.T) {
	t.Parallel()

	c, peer, calls := newTestClient(t, shoutcastProfile())

	_, err := peer.Write([]byte("letmein\r\nicy-name:Test\r\n\r\n"))
	require.NoError(t, err)

	err = drive(t, c, 2*time.Second)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrHandoff)
	require.Empty(t, calls.sourceURIs())

	resp := readFromPeer(t, peer, len(shoutcastOK))
	require.Equal(t, string(shoutcastOK), resp)
}

func TestStreamcast_Shoutcast_PasswordSplitAcrossReads(t *testing.T) {
	t.Parallel()

	c, peer, calls := newTestClient(t, shoutcastProfile())

	go func() {
		_, _ = peer.Write([]byte("hack"))
		time.Sleep(50 * time.Millisecond)
		_, _ = peer.Write([]byte("me\r\n"))
		time.Sleep(50 * time.Millisecond)
		_, _ = peer.Write([]byte("icy-name:Split\r\n\r\n"))
	}()

	require.ErrorIs(t, drive(t, c, 2*time.Second), ErrHandoff)
	require.Equal(t, []string{"/live"}, calls.sourceURIs())
}

func TestStreamcast_Shoutcast_DeadlineStillApplies(t *testing.T) {
	t.Parallel()

	c, peer, _ := newTestClient(t, shoutcastProfile())
	c.Conn.Discon = time.Now().Add(100 * time.Millisecond)

	_, err := peer.Write([]byte("hackm"))
	require.NoError(t, err)

	err = drive(t, c, 2*time.Second)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrHandoff)
}
