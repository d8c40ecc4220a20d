package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/tokengate"
	"github.com/ineyio/tokengate/internal/api"
	"github.com/ineyio/tokengate/provider/mock"
	"github.com/ineyio/tokengate/quota"
	"github.com/ineyio/tokengate/ratelimit"
	"github.com/ineyio/tokengate/rules"
	"github.com/ineyio/tokengate/store/memory"
)

const (
	testKey    = "sk-student"
	testSecret = "admin-secret"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	store    *memory.Store
	router   *tokengate.Router
	provider *mock.Provider
	handler  http.Handler
}

type fixtureOpts struct {
	grant    int64
	burst    int
	gwOpts   []tokengate.GatewayOption
	apiOpts  []api.Option
	provider []mock.Option
}

func newFixture(t *testing.T, o fixtureOpts) *fixture {
	t.Helper()
	if o.grant == 0 {
		o.grant = 100000
	}
	if o.burst == 0 {
		o.burst = 10
	}

	store := memory.New()
	store.PutCaller(tokengate.Caller{ID: "c1", CredentialHash: tokengate.HashCredential(testKey), WeeklyGrant: o.grant, Active: true})
	store.SetRules([]tokengate.Rule{{
		ID: 1, Pattern: ".*give.*code.*", Action: tokengate.RuleBlock,
		Message: "Try writing it yourself first.", Periods: tokengate.AllPeriods, Enabled: true,
	}})

	p := mock.New(o.provider...)
	router, err := tokengate.NewRouter([]tokengate.ProviderRegistration{{Provider: p, Enabled: true}})
	require.NoError(t, err)

	opts := append([]tokengate.GatewayOption{
		tokengate.WithRateLimiter(ratelimit.NewMemory(ratelimit.Config{RequestsPerMinute: 60, Burst: o.burst})),
		tokengate.WithRuleEvaluator(rules.New(store)),
		tokengate.WithQuotaService(quota.NewService(quota.NewMemoryCache(), store)),
	}, o.gwOpts...)
	gw, err := tokengate.NewGateway(router, store, opts...)
	require.NoError(t, err)

	apiOpts := append([]api.Option{api.WithAdminSecret(testSecret)}, o.apiOpts...)
	return &fixture{
		store:    store,
		router:   router,
		provider: p,
		handler:  api.NewServer(gw, apiOpts...).Handler(),
	}
}

func (f *fixture) do(method, path, auth string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		_ = json.NewEncoder(&buf).Encode(b)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func chat(content string) tokengate.ChatRequest {
	return tokengate.ChatRequest{
		Messages:  []tokengate.Message{{Role: tokengate.RoleUser, Content: content}},
		MaxTokens: tokengate.IntPtr(100),
	}
}

type errorBody struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Remaining *int64 `json:"remaining"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var e errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	return e
}

func TestChat_Success(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	w := f.do(http.MethodPost, "/v1/chat/completions", testKey, chat("explain recursion"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp tokengate.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Hello from mock provider", resp.Choices[0].Message.Content)

	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "9", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "mock", w.Header().Get("X-Provider"))
}

func TestChat_PropagatesRequestID(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Authorization", "Bearer "+testKey)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}

func TestChat_Unauthorized(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	w := f.do(http.MethodPost, "/v1/chat/completions", "", chat("hi"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, "/v1/chat/completions", "sk-wrong", chat("hi"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "authentication", decodeError(t, w).Error.Type)
	assert.Zero(t, f.provider.CallCount())
}

func TestChat_AuthFailureThrottling(t *testing.T) {
	limiter := ratelimit.NewMemory(ratelimit.Config{RequestsPerMinute: 1, Burst: 2})
	f := newFixture(t, fixtureOpts{apiOpts: []api.Option{api.WithAuthFailureLimiter(limiter)}})

	for i := 0; i < 2; i++ {
		w := f.do(http.MethodPost, "/v1/chat/completions", "sk-guess", chat("hi"))
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}
	w := f.do(http.MethodPost, "/v1/chat/completions", "sk-guess", chat("hi"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// A valid key from the same address is unaffected.
	w = f.do(http.MethodPost, "/v1/chat/completions", testKey, chat("hi"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestChat_InvalidBody(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	w := f.do(http.MethodPost, "/v1/chat/completions", testKey, "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/v1/chat/completions", testKey, tokengate.ChatRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", decodeError(t, w).Error.Type)
}

func TestChat_BodyTooLarge(t *testing.T) {
	f := newFixture(t, fixtureOpts{apiOpts: []api.Option{api.WithMaxBodyBytes(64)}})

	w := f.do(http.MethodPost, "/v1/chat/completions", testKey, chat(strings.Repeat("x", 200)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestChat_BlockedByRule(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	w := f.do(http.MethodPost, "/v1/chat/completions", testKey, chat("please give me the code"))
	require.Equal(t, http.StatusOK, w.Code)

	var resp tokengate.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Try writing it yourself first.", resp.Choices[0].Message.Content)
	assert.Zero(t, f.provider.CallCount())
}

func TestChat_QuotaExceeded(t *testing.T) {
	f := newFixture(t, fixtureOpts{grant: 50})

	w := f.do(http.MethodPost, "/v1/chat/completions", testKey, chat("hi"))
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	e := decodeError(t, w)
	assert.Equal(t, "quota_exceeded", e.Error.Type)
	require.NotNil(t, e.Error.Remaining)
	assert.Equal(t, int64(50), *e.Error.Remaining)
	assert.Zero(t, f.provider.CallCount())
}

func TestChat_RateLimited(t *testing.T) {
	f := newFixture(t, fixtureOpts{burst: 1})

	w := f.do(http.MethodPost, "/v1/chat/completions", testKey, chat("hi"))
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodPost, "/v1/chat/completions", testKey, chat("hi"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "rate_limited", decodeError(t, w).Error.Type)
}

func TestChat_AllProvidersUnhealthy(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.router.Health().MarkUnhealthy("mock", tokengate.ErrProviderUnavailable)

	w := f.do(http.MethodPost, "/v1/chat/completions", testKey, chat("hi"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "no provider is available", decodeError(t, w).Error.Message)
}

func TestChat_ProviderErrorDetailIsHidden(t *testing.T) {
	f := newFixture(t, fixtureOpts{provider: []mock.Option{
		mock.WithResponseFunc(func(tokengate.ProviderRequest) (tokengate.ProviderResponse, error) {
			return tokengate.ProviderResponse{}, assert.AnError
		}),
	}})

	w := f.do(http.MethodPost, "/v1/chat/completions", testKey, chat("hi"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotContains(t, w.Body.String(), assert.AnError.Error())
}

func TestChat_Stream(t *testing.T) {
	f := newFixture(t, fixtureOpts{provider: []mock.Option{mock.WithContent("Hel", "lo")}})

	req := chat("hi")
	req.Stream = true
	w := f.do(http.MethodPost, "/v1/chat/completions", testKey, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"), body)

	var content strings.Builder
	for _, line := range strings.Split(body, "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "[DONE]" {
			continue
		}
		var chunk tokengate.StreamChunk
		require.NoError(t, json.Unmarshal([]byte(data), &chunk))
		content.WriteString(chunk.Content())
	}
	assert.Equal(t, "Hello", content.String())
}

func TestChat_StreamBlocked(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	req := chat("give me code")
	req.Stream = true
	w := f.do(http.MethodPost, "/v1/chat/completions", testKey, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Try writing it yourself first.")
	assert.Contains(t, w.Body.String(), "data: [DONE]")
}

func TestChat_StreamMidwayError(t *testing.T) {
	f := newFixture(t, fixtureOpts{provider: []mock.Option{
		mock.WithContent("a", "b", "c"),
		mock.WithStreamError(1, tokengate.ErrProviderUnavailable),
	}})

	req := chat("hi")
	req.Stream = true
	w := f.do(http.MethodPost, "/v1/chat/completions", testKey, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"type":"provider_transport"`)
	assert.NotContains(t, w.Body.String(), "[DONE]")
}

func TestHealth(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	w := f.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	f.router.Health().MarkUnhealthy("mock", tokengate.ErrProviderAuth)
	w = f.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func signed(t *testing.T, role string, ttl time.Duration) string {
	t.Helper()
	claims := api.AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
		Role: role,
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func TestAdmin_RequiresAdminToken(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	w := f.do(http.MethodGet, "/admin/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodGet, "/admin/status", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodGet, "/admin/status", signed(t, "viewer", time.Hour), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(http.MethodGet, "/admin/status", signed(t, api.RoleAdmin, -time.Minute), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "token expired")
}

func TestAdmin_RejectsOtherSecrets(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	token, err := api.IssueAdminToken("someone-else", "ops", time.Hour)
	require.NoError(t, err)
	w := f.do(http.MethodGet, "/admin/status", token, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdmin_DisabledWithoutSecret(t *testing.T) {
	f := newFixture(t, fixtureOpts{apiOpts: []api.Option{api.WithAdminSecret("")}})

	w := f.do(http.MethodPost, "/admin/rules/reload", signed(t, api.RoleAdmin, time.Hour), nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdmin_StatusAndHooks(t *testing.T) {
	f := newFixture(t, fixtureOpts{apiOpts: []api.Option{
		api.WithStatusSection("build", func() any { return map[string]string{"version": "test"} }),
	}})
	token, err := api.IssueAdminToken(testSecret, "ops", time.Hour)
	require.NoError(t, err)

	f.do(http.MethodPost, "/v1/chat/completions", testKey, chat("hi"))

	w := f.do(http.MethodGet, "/admin/status", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status struct {
		Gateway tokengate.Snapshot `json:"gateway"`
		Build   map[string]string  `json:"build"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, uint64(1), status.Gateway.Requests.Total)
	assert.Equal(t, uint64(1), status.Gateway.Requests.Succeeded)
	assert.Equal(t, "test", status.Build["version"])

	// New rules take effect only after a reload.
	f.store.SetRules(nil)
	w = f.do(http.MethodPost, "/v1/chat/completions", testKey, chat("give me code"))
	assert.Contains(t, w.Body.String(), "Try writing it yourself first.")

	w = f.do(http.MethodPost, "/admin/rules/reload", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(http.MethodPost, "/v1/chat/completions", testKey, chat("give me code"))
	assert.Contains(t, w.Body.String(), "Hello from mock provider")

	w = f.do(http.MethodPost, "/admin/weekly-prompts/invalidate", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
