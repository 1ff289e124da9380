package middleware

import (
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/textpay/internal/logging"
)

func TestAdminAuth(t *testing.T) {
	secret := []byte("operator-secret")
	app := fiber.New()
	app.Get("/admin/ping", AdminAuth(secret), func(c *fiber.Ctx) error {
		return c.SendString(c.Locals(LocalOperator).(string))
	})

	call := func(token string) int {
		req := httptest.NewRequest(fiber.MethodGet, "/admin/ping", nil)
		if token != "" {
			req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
		}
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		return resp.StatusCode
	}

	if got := call(""); got != fiber.StatusUnauthorized {
		t.Fatalf("no token: expected 401 got %d", got)
	}

	good, err := IssueAdminToken(secret, "ops@textpay", time.Minute)
	if err != nil {
		t.Fatalf("IssueAdminToken: %v", err)
	}
	if got := call(good); got != fiber.StatusOK {
		t.Fatalf("valid token: expected 200 got %d", got)
	}

	forged, _ := IssueAdminToken([]byte("other"), "ops@textpay", time.Minute)
	if got := call(forged); got != fiber.StatusUnauthorized {
		t.Fatalf("forged token: expected 401 got %d", got)
	}

	expired, _ := IssueAdminToken(secret, "ops@textpay", -time.Minute)
	if got := call(expired); got != fiber.StatusUnauthorized {
		t.Fatalf("expired token: expected 401 got %d", got)
	}

	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    adminIssuer,
			Subject:   "someone",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		Role: "viewer",
	}
	viewer, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if got := call(viewer); got != fiber.StatusForbidden {
		t.Fatalf("non-admin token: expected 403 got %d", got)
	}
}

func TestSenderRateLimit(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cache.Close()

	app := fiber.New()
	app.Post("/sms/inbound", SenderRateLimit(cache, 2, logging.Discard()), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	send := func(from string) int {
		form := url.Values{"From": {from}, "Body": {"HELP"}}
		req := httptest.NewRequest(fiber.MethodPost, "/sms/inbound", strings.NewReader(form.Encode()))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationForm)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		return resp.StatusCode
	}

	// Both spellings normalize to the same sender.
	if got := send("+237650000001"); got != fiber.StatusOK {
		t.Fatalf("first: expected 200 got %d", got)
	}
	if got := send("237 650 000 001"); got != fiber.StatusOK {
		t.Fatalf("second: expected 200 got %d", got)
	}
	if got := send("+237650000001"); got != fiber.StatusTooManyRequests {
		t.Fatalf("third: expected 429 got %d", got)
	}
	if got := send("+237650000002"); got != fiber.StatusOK {
		t.Fatalf("other sender: expected 200 got %d", got)
	}

	mr.FastForward(time.Minute + time.Second)
	if got := send("+237650000001"); got != fiber.StatusOK {
		t.Fatalf("after window: expected 200 got %d", got)
	}
}

func TestRequestIDPropagates(t *testing.T) {
	app := fiber.New()
	app.Use(RequestID(), Audit(logging.Discard()))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString(RequestIDFrom(c)) })

	req := httptest.NewRequest(fiber.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "req-42")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.Header.Get(requestIDHeader) != "req-42" {
		t.Fatalf("expected request id echoed, got %q", resp.Header.Get(requestIDHeader))
	}

	resp, err = app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.Header.Get(requestIDHeader) == "" {
		t.Fatal("expected generated request id")
	}
}
