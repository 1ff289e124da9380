package routes

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/textpay/internal/config"
	"github.com/congo-pay/textpay/internal/logging"
	"github.com/congo-pay/textpay/internal/middleware"
)

const (
	adminSecret = "test-admin-secret"
	alice       = "+237650000001"
	bob         = "+237650000002"
)

type testApp struct {
	app   *fiber.App
	svcs  *Services
	admin string
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	cfg := config.Config{
		AppName:               "TextPay",
		AppEnv:                "test",
		SettlementDriver:      config.DriverMock,
		IdempotencyTTL:        time.Minute,
		PINMaxAttempts:        3,
		PendingTransferTTL:    5 * time.Minute,
		LockTTL:               5 * time.Second,
		SettlementMaxAttempts: 1,
		ReconcileTimeout:      time.Second,
		SMSRateLimitPerMinute: 100,
		AdminJWTSecret:        adminSecret,
	}
	app := fiber.New()
	svcs, err := Setup(app, Deps{Cfg: cfg, Cache: cache, Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(svcs.Close)

	token, err := middleware.IssueAdminToken([]byte(adminSecret), "ops", time.Minute)
	require.NoError(t, err)
	return &testApp{app: app, svcs: svcs, admin: token}
}

func (a *testApp) do(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := a.app.Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
		require.NoError(t, json.Unmarshal(raw, &out))
	} else {
		out["text"] = string(raw)
	}
	return resp.StatusCode, out
}

func (a *testApp) api(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(fiber.MethodPost, "/api/v1"+path, strings.NewReader(string(payload)))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req.Header.Set("Idempotency-Key", uuid.NewString())
	return a.do(t, req)
}

func (a *testApp) adminCall(t *testing.T, method, path string, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, "/admin"+path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+a.admin)
	return a.do(t, req)
}

func (a *testApp) sms(t *testing.T, from, text string) string {
	t.Helper()
	form := url.Values{"From": {from}, "Body": {text}}
	req := httptest.NewRequest(fiber.MethodPost, "/sms/inbound", strings.NewReader(form.Encode()))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationForm)
	status, out := a.do(t, req)
	require.Equal(t, http.StatusOK, status)
	return out["text"].(string)
}

func (a *testApp) fund(t *testing.T, phone, asset, amount string) {
	t.Helper()
	status, _ := a.adminCall(t, fiber.MethodPost, "/accounts/"+phone+"/fund", `{"asset":"`+asset+`","amount":"`+amount+`"}`)
	require.Equal(t, http.StatusAccepted, status)
	a.svcs.Reconciler.Wait()
}

func TestAPITransferFlow(t *testing.T) {
	a := newTestApp(t)

	status, body := a.api(t, "/accounts", map[string]string{"phone": alice, "pin": "1234"})
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, body["address"])

	status, _ = a.api(t, "/accounts", map[string]string{"phone": alice, "pin": "1234"})
	require.Equal(t, http.StatusConflict, status)

	a.fund(t, alice, "USDC", "25")

	status, body = a.api(t, "/balance", map[string]string{"phone": alice, "pin": "1234"})
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["balances"], 3)

	status, body = a.api(t, "/transfers", map[string]string{
		"sender": alice, "recipient": bob, "amount": "10", "asset": "USDC", "pin": "1234",
	})
	require.Equal(t, http.StatusCreated, status)
	code := body["code"].(string)
	require.Len(t, code, 6)

	status, body = a.api(t, "/transfers/confirm", map[string]string{"phone": alice, "code": code})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "completed", body["status"])
	id := body["id"].(string)

	status, _ = a.api(t, "/transfers/confirm", map[string]string{"phone": alice, "code": code})
	require.Equal(t, http.StatusNotFound, status)

	status, body = a.adminCall(t, fiber.MethodGet, "/transactions/"+id, "")
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, body["reference"])

	status, _ = a.adminCall(t, fiber.MethodPost, "/transactions/"+id+"/execute", "")
	require.Equal(t, http.StatusConflict, status)

	a.svcs.Reconciler.Wait()
	status, body = a.api(t, "/history", map[string]any{"phone": alice, "pin": "1234", "limit": 10})
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["transactions"], 1)
}

func TestAPIErrorsAndUnlock(t *testing.T) {
	a := newTestApp(t)

	status, _ := a.api(t, "/balance", map[string]string{"phone": alice, "pin": "1234"})
	require.Equal(t, http.StatusNotFound, status)

	status, _ = a.api(t, "/accounts", map[string]string{"phone": "12", "pin": "1234"})
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = a.api(t, "/accounts", map[string]string{"phone": alice, "pin": "1234"})
	require.Equal(t, http.StatusCreated, status)

	status, _ = a.api(t, "/transfers", map[string]string{
		"sender": alice, "recipient": bob, "amount": "1", "asset": "SOL", "pin": "1234",
	})
	require.Equal(t, http.StatusUnprocessableEntity, status)

	for i := 0; i < 3; i++ {
		status, _ = a.api(t, "/balance", map[string]string{"phone": alice, "pin": "0000"})
		require.Equal(t, http.StatusUnauthorized, status)
	}
	status, _ = a.api(t, "/balance", map[string]string{"phone": alice, "pin": "1234"})
	require.Equal(t, http.StatusLocked, status)

	req := httptest.NewRequest(fiber.MethodPost, "/admin/accounts/"+alice+"/unlock", nil)
	status, _ = a.do(t, req)
	require.Equal(t, http.StatusUnauthorized, status, "admin routes need a token")

	status, _ = a.adminCall(t, fiber.MethodPost, "/accounts/"+alice+"/unlock", "")
	require.Equal(t, http.StatusNoContent, status)

	status, _ = a.api(t, "/balance", map[string]string{"phone": alice, "pin": "1234"})
	require.Equal(t, http.StatusOK, status)
}

func TestSMSWebhook(t *testing.T) {
	a := newTestApp(t)

	require.Contains(t, a.sms(t, alice, "REG 1234"), "Welcome")
	a.fund(t, alice, "SOL", "3")

	reply := a.sms(t, alice, "SEND 1.5 SOL "+bob+" 1234")
	require.Contains(t, reply, "Reply YES")
	fields := strings.Fields(reply[strings.Index(reply, "YES"):])
	code := fields[1]

	require.Contains(t, a.sms(t, alice, code), "Sent")
	a.svcs.Reconciler.Wait()

	require.Contains(t, a.sms(t, bob, "BAL 1234"), "not registered")
	require.Contains(t, a.sms(t, bob, "REG 4321"), "Welcome")
	require.Contains(t, a.sms(t, bob, "BAL 4321"), "1.5 SOL")
}

func TestHealthz(t *testing.T) {
	a := newTestApp(t)
	status, body := a.do(t, httptest.NewRequest(fiber.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, status)
	checks := body["status"].(map[string]any)
	require.Equal(t, "disabled", checks["postgres"])
	require.Equal(t, "ok", checks["redis"])
}
