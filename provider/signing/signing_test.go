package signing_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/tokengate"
	"github.com/ineyio/tokengate/provider/openaicompat"
	"github.com/ineyio/tokengate/provider/signing"
)

const validKeyHex = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestParsePrivateKey(t *testing.T) {
	_, err := signing.ParsePrivateKey("0x" + validKeyHex)
	require.NoError(t, err)

	_, err = signing.ParsePrivateKey("abcd")
	assert.Error(t, err)

	_, err = signing.ParsePrivateKey("zz")
	assert.Error(t, err)

	_, err = signing.ParsePrivateKey("0000000000000000000000000000000000000000000000000000000000000000")
	assert.Error(t, err)
}

func TestTransport_SignsAndVerifies(t *testing.T) {
	var verifyErr error
	var sawAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		sawAuth = r.Header.Get("Authorization")
		verifyErr = signing.Verify(r.Method, r.URL.Path, body, r.Header)
		fmt.Fprint(w, `{"id":"x","model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],"usage":{"total_tokens":1}}`)
	}))
	defer srv.Close()

	tr, err := signing.NewTransport(nil, validKeyHex)
	require.NoError(t, err)
	assert.Len(t, tr.PublicKey(), 66)

	p := openaicompat.New("signed", srv.URL,
		openaicompat.WithHTTPClient(&http.Client{Transport: tr}),
		openaicompat.WithAuth(tokengate.Auth{APIKey: "must-not-leak"}),
	)
	resp, err := p.ChatCompletion(context.Background(), tokengate.ProviderRequest{
		Model:    "m",
		Messages: []tokengate.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.NoError(t, verifyErr)
	assert.Empty(t, sawAuth)
}

func TestVerify_RejectsTamperedBody(t *testing.T) {
	var verifyErr error
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verifyErr = signing.Verify(r.Method, r.URL.Path, []byte("tampered"), r.Header)
	}))
	defer srv.Close()

	tr, err := signing.NewTransport(nil, validKeyHex)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/chat", nil)
	require.NoError(t, err)
	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.ErrorIs(t, verifyErr, signing.ErrBadSignature)
}
