package messenger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeGetter struct {
	value string
	err   error
	calls int
	names []string
}

func (f *fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	f.calls++
	f.names = append(f.names, name)
	return f.value, f.err
}

func tokenGetter() *fakeGetter {
	return &fakeGetter{value: `{"token":"page-token-123"}`}
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(tokenGetter(), "/expense-agent", WithBaseURL(serverURL))
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil, "/p")
	require.Error(t, err)
	_, err = NewClient(tokenGetter(), "  ")
	require.Error(t, err)
}

func TestSendText_HappyPath(t *testing.T) {
	var gotPath, gotToken string
	var gotReq sendRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.URL.Query().Get("access_token")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_, _ = w.Write([]byte(`{"message_id":"m-1"}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	err := c.SendText(context.Background(), "u-1", "*FOOD* saved!")
	require.NoError(t, err)

	require.Equal(t, "/me/messages", gotPath)
	require.Equal(t, "page-token-123", gotToken)
	require.Equal(t, "u-1", gotReq.Recipient.ID)
	require.Equal(t, "*FOOD* saved!", gotReq.Message.Text)
}

func TestSendText_Validation(t *testing.T) {
	c := newTestClient(t, "http://unused.invalid")
	require.Error(t, c.SendText(context.Background(), " ", "hi"))
	require.Error(t, c.SendText(context.Background(), "u-1", "  "))
}

func TestSendText_UpstreamError_RedactsToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid user id"}}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	err := c.SendText(context.Background(), "u-1", "hi")
	require.Error(t, err)

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.HTTPStatusCode())
	require.NotContains(t, err.Error(), "page-token-123")
}

func TestSendText_TokenFetchedOnce(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	getter := tokenGetter()
	c, err := NewClient(getter, "/expense-agent", WithBaseURL(server.URL))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.SendText(context.Background(), "u-1", "hi"))
	}
	require.Equal(t, 1, getter.calls)
	require.Equal(t, []string{"/expense-agent/page-access-token"}, getter.names)
}

func TestSendText_BadTokenPayload(t *testing.T) {
	cases := []struct {
		name  string
		value string
	}{
		{name: "not json", value: "raw-token"},
		{name: "empty token", value: `{"token":""}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := NewClient(&fakeGetter{value: tc.value}, "/p", WithBaseURL("http://unused.invalid"))
			require.NoError(t, err)
			require.Error(t, c.SendText(context.Background(), "u-1", "hi"))
		})
	}
}

func TestFetchAttachment_HappyPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("jpeg-bytes"))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	data, err := c.FetchAttachment(context.Background(), server.URL+"/receipt.jpg")
	require.NoError(t, err)
	require.Equal(t, []byte("jpeg-bytes"), data)
}

func TestFetchAttachment_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	_, err := c.FetchAttachment(context.Background(), server.URL+"/gone.jpg")
	require.Error(t, err)

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.HTTPStatusCode())
}

func TestFetchAttachment_EmptyBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	_, err := c.FetchAttachment(context.Background(), server.URL+"/empty.jpg")
	require.Error(t, err)
	require.Contains(t, err.Error(), "empty")
}

func TestFetchAttachment_EmptyURL(t *testing.T) {
	c := newTestClient(t, "http://unused.invalid")
	_, err := c.FetchAttachment(context.Background(), "  ")
	require.Error(t, err)
}
