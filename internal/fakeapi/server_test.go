package fakeapi_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goliatone/go-authclient/internal/fakeapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	t      *testing.T
	server *fakeapi.Server
	xsrf   string
}

func newHarness(t *testing.T, opts fakeapi.Options) *harness {
	t.Helper()
	return &harness{t: t, server: fakeapi.New(opts)}
}

func (h *harness) fetchCSRF() {
	h.t.Helper()
	resp, err := h.server.App().Test(httptest.NewRequest(http.MethodGet, fakeapi.CSRFCookiePath, nil))
	require.NoError(h.t, err)
	require.Equal(h.t, http.StatusNoContent, resp.StatusCode)
	for _, cookie := range resp.Cookies() {
		if cookie.Name == fakeapi.CSRFCookieName {
			h.xsrf = cookie.Value
		}
	}
	require.NotEmpty(h.t, h.xsrf)
}

func (h *harness) do(method, path, body, token string) (int, map[string]any) {
	h.t.Helper()
	req := httptest.NewRequest(method, fakeapi.APIPrefix+path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if h.xsrf != "" {
		req.Header.Set(fakeapi.CSRFHeaderName, h.xsrf)
		req.AddCookie(&http.Cookie{Name: fakeapi.CSRFCookieName, Value: h.xsrf})
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.server.App().Test(req, -1)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)

	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(h.t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func (h *harness) login(email, password string) string {
	h.t.Helper()
	status, body := h.do(http.MethodPost, "/auth/login",
		`{"email":"`+email+`","password":"`+password+`"}`, "")
	require.Equal(h.t, http.StatusOK, status, body)
	token, _ := body["token"].(string)
	require.NotEmpty(h.t, token)
	return token
}

func TestUnsafeRequestWithoutCSRFIs419(t *testing.T) {
	h := newHarness(t, fakeapi.Options{})

	status, body := h.do(http.MethodPost, "/auth/login", `{"email":"a@b.co","password":"x"}`, "")
	assert.Equal(t, 419, status)
	assert.Equal(t, "CSRF token mismatch.", body["message"])

	h.fetchCSRF()
	h.server.RotateCSRF()
	status, _ = h.do(http.MethodPost, "/auth/login", `{"email":"a@b.co","password":"x"}`, "")
	assert.Equal(t, 419, status)
}

func TestLoginAndCurrentUser(t *testing.T) {
	h := newHarness(t, fakeapi.Options{})
	_, err := h.server.SeedUser("Ada", "ada@example.com", "secret-pass")
	require.NoError(t, err)
	h.fetchCSRF()

	token := h.login("ADA@example.com", "secret-pass")

	status, body := h.do(http.MethodGet, "/auth/user", "", token)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ada@example.com", body["email"])
	assert.Equal(t, "Ada", body["name"])

	status, _ = h.do(http.MethodGet, "/auth/user", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestLoginWithWrongPassword(t *testing.T) {
	h := newHarness(t, fakeapi.Options{})
	_, err := h.server.SeedUser("Ada", "ada@example.com", "secret-pass")
	require.NoError(t, err)
	h.fetchCSRF()

	status, body := h.do(http.MethodPost, "/auth/login", `{"email":"ada@example.com","password":"nope"}`, "")
	require.Equal(t, http.StatusUnprocessableEntity, status)
	errs := body["errors"].(map[string]any)
	assert.Equal(t, []any{"These credentials do not match our records."}, errs["email"])
}

func TestValidationErrorsKeepFieldOrder(t *testing.T) {
	h := newHarness(t, fakeapi.Options{DisableCSRF: true})

	req := httptest.NewRequest(http.MethodPost, fakeapi.APIPrefix+"/auth/register",
		strings.NewReader(`{"name":"","email":"not-an-email","password":"short"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.server.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(raw)

	name := strings.Index(text, `"name":`)
	email := strings.Index(text, `"email":`)
	password := strings.Index(text, `"password":`)
	require.True(t, name > 0 && email > 0 && password > 0, text)
	assert.Less(t, name, email)
	assert.Less(t, email, password)
	assert.Contains(t, text, `"message":"The name field cannot be blank. (and`)
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	h := newHarness(t, fakeapi.Options{DisableCSRF: true})
	_, err := h.server.SeedUser("Ada", "ada@example.com", "secret-pass")
	require.NoError(t, err)

	status, body := h.do(http.MethodPost, "/auth/register",
		`{"name":"Other","email":"ada@example.com","password":"secret-pass","password_confirmation":"secret-pass"}`, "")
	require.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "The email has already been taken.", body["message"])

	status, _ = h.do(http.MethodPost, "/auth/register",
		`{"name":"Bob","email":"bob@example.com","password":"secret-pass","password_confirmation":"secret-pass"}`, "")
	assert.Equal(t, http.StatusCreated, status)
	_, ok := h.server.Lookup("bob@example.com")
	assert.True(t, ok)
}

func TestLogoutRevokesToken(t *testing.T) {
	h := newHarness(t, fakeapi.Options{DisableCSRF: true})
	_, err := h.server.SeedUser("Ada", "ada@example.com", "secret-pass")
	require.NoError(t, err)

	token := h.login("ada@example.com", "secret-pass")
	status, _ := h.do(http.MethodPost, "/auth/logout", "", token)
	require.Equal(t, http.StatusOK, status)

	status, _ = h.do(http.MethodGet, "/auth/user", "", token)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestExpireSessionsRejectsIssuedTokens(t *testing.T) {
	h := newHarness(t, fakeapi.Options{DisableCSRF: true})
	_, err := h.server.SeedUser("Ada", "ada@example.com", "secret-pass")
	require.NoError(t, err)

	token := h.login("ada@example.com", "secret-pass")
	h.server.ExpireSessions()

	status, _ := h.do(http.MethodGet, "/auth/user", "", token)
	assert.Equal(t, http.StatusUnauthorized, status)

	fresh := h.login("ada@example.com", "secret-pass")
	status, _ = h.do(http.MethodGet, "/auth/user", "", fresh)
	assert.Equal(t, http.StatusOK, status)
}

func TestPasswordUpdateWithWrongCurrentPassword(t *testing.T) {
	h := newHarness(t, fakeapi.Options{DisableCSRF: true})
	_, err := h.server.SeedUser("Ada", "ada@example.com", "secret-pass")
	require.NoError(t, err)
	token := h.login("ada@example.com", "secret-pass")

	status, body := h.do(http.MethodPut, "/user/password",
		`{"current_password":"wrong","password":"new-secret","password_confirmation":"new-secret"}`, token)
	require.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "The provided password does not match your current password.", body["message"])

	status, _ = h.do(http.MethodPut, "/user/password",
		`{"current_password":"secret-pass","password":"new-secret","password_confirmation":"new-secret"}`, token)
	require.Equal(t, http.StatusOK, status)
	h.login("ada@example.com", "new-secret")
}

func TestPasswordResetFlow(t *testing.T) {
	h := newHarness(t, fakeapi.Options{DisableCSRF: true})
	_, err := h.server.SeedUser("Ada", "ada@example.com", "secret-pass")
	require.NoError(t, err)

	status, _ := h.do(http.MethodPost, "/auth/password/email", `{"email":"ada@example.com"}`, "")
	require.Equal(t, http.StatusOK, status)
	token := h.server.ResetToken("ada@example.com")
	require.NotEmpty(t, token)

	status, _ = h.do(http.MethodPost, "/auth/password/reset",
		`{"token":"bogus","email":"ada@example.com","password":"brand-new-pass","password_confirmation":"brand-new-pass"}`, "")
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status, _ = h.do(http.MethodPost, "/auth/password/reset",
		`{"token":"`+token+`","email":"ada@example.com","password":"brand-new-pass","password_confirmation":"brand-new-pass"}`, "")
	require.Equal(t, http.StatusOK, status)
	h.login("ada@example.com", "brand-new-pass")
}

func TestInjectedFaultsAndHits(t *testing.T) {
	h := newHarness(t, fakeapi.Options{DisableCSRF: true})
	h.server.FailNext(http.MethodGet, "/auth/user", fakeapi.Fault{
		Status: http.StatusTooManyRequests,
		Body:   map[string]string{"message": "Slow down."},
		Header: map[string]string{"Retry-After": "30"},
	})

	status, body := h.do(http.MethodGet, "/auth/user", "", "")
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "Slow down.", body["message"])

	status, _ = h.do(http.MethodGet, "/auth/user", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, 2, h.server.Hits(http.MethodGet, "/auth/user"))
}

func TestProfileUpdateJSON(t *testing.T) {
	h := newHarness(t, fakeapi.Options{DisableCSRF: true})
	_, err := h.server.SeedUser("Ada", "ada@example.com", "secret-pass")
	require.NoError(t, err)
	token := h.login("ada@example.com", "secret-pass")

	status, body := h.do(http.MethodPut, "/user/profile", `{"name":"Ada Lovelace"}`, token)
	require.Equal(t, http.StatusOK, status)
	user := body["user"].(map[string]any)
	assert.Equal(t, "Ada Lovelace", user["name"])

	status, _ = h.do(http.MethodPost, "/user/profile", `{"name":"x"}`, token)
	assert.Equal(t, http.StatusMethodNotAllowed, status)
}
