package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"tranche-ledger/internal/fixedpoint"
	"tranche-ledger/internal/tranche"
)

const testSecret = "test-secret"

var epoch0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	t      *testing.T
	ledger *tranche.Tranches
	srv    *Server
	now    time.Time
	hooks  atomic.Int32
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{t: t, now: epoch0}
	ledger, err := tranche.New(tranche.DefaultConfig(), tranche.WithClock(func() time.Time { return h.now }))
	require.NoError(t, err)
	h.ledger = ledger

	opts = append([]Option{
		WithClock(func() time.Time { return h.now }),
		WithMutationHook(func(context.Context) error {
			h.hooks.Add(1)
			return nil
		}),
	}, opts...)
	h.srv = New(cfg, ledger, zerolog.Nop(), opts...)
	return h
}

func (h *harness) seed() {
	h.t.Helper()
	ctx := context.Background()
	_, err := h.ledger.Reserve.Deposit(ctx, tranche.DepositRequest{Amount: fixedpoint.Units(100), Receiver: "r1"})
	require.NoError(h.t, err)
	_, err = h.ledger.Senior.Deposit(ctx, tranche.DepositRequest{Amount: fixedpoint.Units(1000), Receiver: "alice"})
	require.NoError(h.t, err)
}

func (h *harness) do(method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	h.t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)

	out := map[string]any{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(h.t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func token(t *testing.T, subject string, scopes ...string) string {
	t.Helper()
	tok, err := IssueToken(testSecret, "trancheledger", subject, scopes, time.Hour, time.Now())
	require.NoError(t, err)
	return tok
}

func authConfig() Config {
	return Config{JWTSecret: testSecret, JWTIssuer: "trancheledger"}
}

func anonConfig() Config {
	return Config{Insecure: true}
}

func TestHealthAndStatus(t *testing.T) {
	h := newHarness(t, anonConfig())
	h.seed()

	rec, body := h.do(http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", body["status"])

	rec, body = h.do(http.MethodGet, "/v1/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1000", body["total_supply"])
	require.Equal(t, "2000", body["deposit_cap"])
	require.Equal(t, "100", body["reserve_value"])
	require.Equal(t, false, body["migrated"])
}

func TestAnonymousDepositAndBalance(t *testing.T) {
	h := newHarness(t, anonConfig())
	h.seed()

	rec, body := h.do(http.MethodPost, "/v1/junior/deposit", "", `{"amount":"50","receiver":"bob"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "junior", body["tranche"])
	require.Equal(t, "50", body["balance"])
	require.EqualValues(t, 1, h.hooks.Load())

	rec, body = h.do(http.MethodGet, "/v1/junior/balance/bob", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "50", body["balance"])
	require.Equal(t, "50", body["shares"])

	rec, _ = h.do(http.MethodPost, "/v1/senior/withdraw", "", `{"amount":"10"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code, "owner is required without a token")
}

func TestPublicMutationsRefusedWithoutSecret(t *testing.T) {
	h := newHarness(t, Config{})
	h.seed()

	rec, body := h.do(http.MethodPost, "/v1/senior/withdraw", "", `{"amount":"10","owner":"alice","receiver":"mallory"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "public mutations disabled", body["message"])
	require.Equal(t, "1000", fixedpoint.Format(h.ledger.Senior.BalanceOf("alice")))

	rec, _ = h.do(http.MethodPost, "/v1/junior/deposit", "", `{"amount":"50","receiver":"bob"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Zero(t, h.hooks.Load())

	rec, _ = h.do(http.MethodGet, "/v1/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code, "reads stay open")
}

func TestDepositCapMapsToUnprocessable(t *testing.T) {
	h := newHarness(t, anonConfig())

	rec, body := h.do(http.MethodPost, "/v1/senior/deposit", "", `{"amount":"1","receiver":"alice"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "policy_violation", body["class"])
	require.Zero(t, h.hooks.Load())
}

func TestUnknownTrancheAndBadBody(t *testing.T) {
	h := newHarness(t, anonConfig())

	rec, _ := h.do(http.MethodPost, "/v1/mezzanine/deposit", "", `{"amount":"1","receiver":"a"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = h.do(http.MethodPost, "/v1/junior/deposit", "", `{"amount":"abc","receiver":"a"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = h.do(http.MethodPost, "/v1/junior/deposit", "", `{"amount":"1","receiver":"a","extra":1}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallerTokenRules(t *testing.T) {
	h := newHarness(t, authConfig())
	h.seed()

	rec, _ := h.do(http.MethodPost, "/v1/senior/cooldown", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	alice := token(t, "alice")
	rec, body := h.do(http.MethodPost, "/v1/senior/cooldown", alice, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "alice", body["owner"])
	require.Equal(t, h.now, h.ledger.Senior.CooldownStart("alice"))

	mallory := token(t, "mallory")
	rec, _ = h.do(http.MethodPost, "/v1/senior/withdraw", mallory, `{"amount":"10","owner":"alice"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec, body = h.do(http.MethodPost, "/v1/senior/withdraw", alice, `{"amount":"10"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "alice", body["receiver"])
	require.Equal(t, "10", body["gross"])
	require.Equal(t, true, body["early"])

	rec, _ = h.do(http.MethodPost, "/v1/senior/deposit", "not-a-jwt", `{"amount":"1"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRoutesNeedScope(t *testing.T) {
	h := newHarness(t, authConfig())
	h.seed()

	rec, _ := h.do(http.MethodPost, "/v1/admin/rebase", "", `{"price":"1"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = h.do(http.MethodPost, "/v1/admin/rebase", token(t, "alice"), `{"price":"1"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	admin := token(t, "ops", ScopeAdmin)
	rec, body := h.do(http.MethodPost, "/v1/admin/rebase", admin, `{"price":"1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.EqualValues(t, 1, body["epoch"])
	require.Equal(t, uint64(1), h.ledger.Senior.Epoch())

	rec, body = h.do(http.MethodPost, "/v1/admin/rebase", admin, `{"price":"1"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "not_yet_allowed", body["error"])
	require.Equal(t, true, body["retryable"])
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestAdminDisabledWithoutSecret(t *testing.T) {
	h := newHarness(t, anonConfig())
	rec, _ := h.do(http.MethodPost, "/v1/admin/migrate", "", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	h = newHarness(t, Config{})
	rec, _ = h.do(http.MethodPost, "/v1/admin/migrate", "", "")
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminMigration(t *testing.T) {
	h := newHarness(t, authConfig())
	h.seed()
	admin := token(t, "ops", ScopeAdmin)

	rec, body := h.do(http.MethodPost, "/v1/admin/migrate", admin, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, true, body["migrated"])

	rec, _ = h.do(http.MethodPost, "/v1/admin/migrate", admin, "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec, body = h.do(http.MethodPost, "/v1/admin/migrate-accounts", admin, `{"accounts":["alice"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.EqualValues(t, 1, body["converted"])

	rec, body = h.do(http.MethodGet, "/v1/accounts/alice", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1000", body["balance"])
}

func TestAdminRemarkAndFees(t *testing.T) {
	h := newHarness(t, authConfig())
	h.seed()
	admin := token(t, "ops", ScopeAdmin)

	rec, _ := h.do(http.MethodPost, "/v1/admin/remark", admin, `{"tranche":"reserve","value":"105"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "105", fixedpoint.Format(h.ledger.Reserve.Value()))

	rec, body := h.do(http.MethodPost, "/v1/admin/remark", admin, `{"tranche":"reserve","value":"500"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "policy_violation", body["class"])

	rec, _ = h.do(http.MethodPost, "/v1/admin/fee-interval", admin, `{"tranche":"junior","interval":"48h"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, 48*time.Hour, h.ledger.Junior.FeeSchedule().Interval)

	rec, _ = h.do(http.MethodPost, "/v1/admin/fee-interval", admin, `{"tranche":"senior","interval":"48h"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = h.do(http.MethodPost, "/v1/admin/mint-fees", admin, `{"tranche":"junior"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "not_yet_allowed", body["error"])
}

type stubCycler struct {
	res   tranche.RebaseResult
	calls int
}

func (s *stubCycler) RunOnce(context.Context, time.Time) (tranche.RebaseResult, error) {
	s.calls++
	return s.res, nil
}

func TestRebaseWithoutPriceUsesCycler(t *testing.T) {
	h := newHarness(t, authConfig())
	admin := token(t, "ops", ScopeAdmin)

	rec, _ := h.do(http.MethodPost, "/v1/admin/rebase", admin, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	cycler := &stubCycler{res: tranche.RebaseResult{Epoch: 7, Price: fixedpoint.One()}}
	h = newHarness(t, authConfig(), WithCycler(cycler))
	rec, body := h.do(http.MethodPost, "/v1/admin/rebase", admin, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.EqualValues(t, 7, body["epoch"])
	require.Equal(t, 1, cycler.calls)

	cycler.res = tranche.RebaseResult{}
	rec, body = h.do(http.MethodPost, "/v1/admin/rebase", admin, "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "skipped", body["error"])
}

func TestRateLimiter(t *testing.T) {
	h := newHarness(t, Config{RateLimit: 0.001, RateBurst: 1})

	rec, _ := h.do(http.MethodGet, "/v1/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = h.do(http.MethodGet, "/v1/status", "", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec, _ = h.do(http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code, "health is not rate limited")
}

func TestIssueTokenValidation(t *testing.T) {
	_, err := IssueToken("", "iss", "sub", nil, time.Hour, time.Now())
	require.Error(t, err)
	_, err = IssueToken("s", "iss", "", nil, time.Hour, time.Now())
	require.Error(t, err)
	_, err = IssueToken("s", "iss", "sub", nil, 0, time.Now())
	require.Error(t, err)

	expired, err := IssueToken(testSecret, "trancheledger", "alice", nil, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	a := NewAuthenticator(testSecret, "trancheledger", zerolog.Nop())
	_, err = a.parse(expired)
	require.Error(t, err)

	wrongIssuer, err := IssueToken(testSecret, "other", "alice", nil, time.Hour, time.Now())
	require.NoError(t, err)
	_, err = a.parse(wrongIssuer)
	require.Error(t, err)
}

func TestExtractBearer(t *testing.T) {
	require.Equal(t, "abc", extractBearer("Bearer abc"))
	require.Equal(t, "abc", extractBearer("bearer  abc "))
	require.Empty(t, extractBearer("Basic abc"))
	require.Empty(t, extractBearer(""))
}
