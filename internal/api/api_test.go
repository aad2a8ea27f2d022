package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"procure/internal"
	"procure/internal/config"
	"procure/internal/monitoring"
	"procure/internal/sourcing"
	"procure/internal/storage"
	"procure/internal/vault"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type fakeSearcher struct {
	mu     sync.Mutex
	offers []internal.Offer
}

func (f *fakeSearcher) Search(context.Context, string) ([]internal.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offers, nil
}

type apiFixture struct {
	srv     *httptest.Server
	db      *storage.DB
	svc     *sourcing.Service
	vault   *vault.Vault
	metrics *monitoring.Metrics
}

func newFixture(t *testing.T) *apiFixture {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	v, err := vault.New(testKey)
	require.NoError(t, err)

	searcher := &fakeSearcher{offers: []internal.Offer{
		{Title: "Sedia ergonomica", Vendor: "Ufficio Srl", PriceText: "€ 89,90", URL: "https://shop.example/sedia"},
		{Title: "Sedia base", Vendor: "Mobili Spa", PriceText: "€ 45,00", URL: "https://shop.example/base"},
	}}
	metrics := monitoring.NewMetrics()
	cfg := config.Config{PriceDecimal: "auto", SourcingMaxOptions: 10}
	svc, err := sourcing.NewService(db, searcher, cfg, zaptest.NewLogger(t), sourcing.WithMetrics(metrics))
	require.NoError(t, err)

	h := NewHandler(Deps{
		Sourcing:     svc,
		Integrations: db,
		Team:         db,
		Vault:        v,
		DB:           db.SQL(),
		Metrics:      metrics,
		Log:          zaptest.NewLogger(t),
	})
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, db: db, svc: svc, vault: v, metrics: metrics}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (f *apiFixture) pendingWithOptions(t *testing.T) (*internal.Request, []internal.SourcingOption) {
	t.Helper()
	ctx := context.Background()
	r, err := f.svc.Submit(ctx, sourcing.NewRequest{
		UserID: "user-1", ProductName: "Sedie ufficio", Quantity: 4, TargetPrice: 60,
		Source: internal.SourceDashboard,
	})
	require.NoError(t, err)
	outcome, err := f.svc.Source(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, sourcing.OutcomeOptionsFound, outcome)
	opts, err := f.svc.Options(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, opts, 2)
	return r, opts
}

func TestCreateIntegrationEncryptsPassword(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/email-integration",
		`{"user_id":"user-1","email":"buyer@example.com","password":"s3cret-pass","host":"imap.example.com","port":993,"provider":"other"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.NotContains(t, string(body), "s3cret-pass")

	var out integrationResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.True(t, out.Success)
	require.NotEmpty(t, out.ID)

	stored, err := f.db.GetIntegration(context.Background(), out.ID)
	require.NoError(t, err)
	assert.Equal(t, internal.IntegrationActive, stored.Status)
	assert.Equal(t, "buyer@example.com", stored.IMAPUser)
	assert.NotEqual(t, "s3cret-pass", stored.IMAPPassEncrypted)
	assert.True(t, vault.IsEncrypted(stored.IMAPPassEncrypted))

	plain, err := f.vault.Decrypt(stored.IMAPPassEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "s3cret-pass", plain)
}

func TestCreateIntegrationValidation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing password", `{"user_id":"u","email":"a@b.c","host":"h","port":993,"provider":"gmail"}`, "Missing required fields"},
		{"bad provider", `{"user_id":"u","email":"a@b.c","password":"p","host":"h","port":993,"provider":"yahoo"}`, "provider"},
		{"bad port", `{"user_id":"u","email":"a@b.c","password":"p","host":"h","port":70000,"provider":"gmail"}`, "port"},
		{"malformed", `{"user_id":`, "invalid JSON"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, "/api/email-integration", tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var out integrationResponse
			require.NoError(t, json.Unmarshal(body, &out))
			assert.False(t, out.Success)
			assert.Contains(t, out.Error, tc.want)
		})
	}

	all, err := f.db.ListIntegrations(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDeleteIntegration(t *testing.T) {
	f := newFixture(t)
	in := &internal.EmailIntegration{
		UserID: "user-1", Provider: internal.ProviderGmail, IMAPHost: "imap.gmail.com", IMAPPort: 993,
		IMAPUser: "buyer@gmail.com", IMAPPassEncrypted: "x", Status: internal.IntegrationActive,
	}
	require.NoError(t, f.db.CreateIntegration(context.Background(), in))

	resp, _ := f.do(t, http.MethodDelete, "/api/email-integration/"+in.ID, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/email-integration/"+in.ID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmitRequest(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/requests",
		`{"user_id":"user-1","product_name":" Toner HP 305A ","quantity":3,"target_price":49.999}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var got internal.Request
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "Toner HP 305A", got.ProductName)
	assert.Equal(t, internal.SourceDashboard, got.Source)
	assert.Equal(t, internal.StatusPending, got.Status)
	assert.InDelta(t, 50.0, got.TargetPrice, 1e-9)

	resp, _ = f.do(t, http.MethodPost, "/api/requests", `{"user_id":"user-1","product_name":"Toner","quantity":0,"target_price":10}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/requests", `{"user_id":"user-1","product_name":"Toner","quantity":1,"target_price":10,"status":"approved"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetRequestAndOptions(t *testing.T) {
	f := newFixture(t)
	r, _ := f.pendingWithOptions(t)

	resp, body := f.do(t, http.MethodGet, "/api/requests/"+r.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got internal.Request
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, internal.StatusActionRequired, got.Status)

	resp, body = f.do(t, http.MethodGet, "/api/requests/"+r.ID+"/options", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var opts []internal.SourcingOption
	require.NoError(t, json.Unmarshal(body, &opts))
	require.Len(t, opts, 2)
	assert.InDelta(t, 45.0, opts[0].Price, 1e-9)
	assert.InDelta(t, 89.9, opts[1].Price, 1e-9)

	resp, _ = f.do(t, http.MethodGet, "/api/requests/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSelectOptionThenConflict(t *testing.T) {
	f := newFixture(t)
	r, opts := f.pendingWithOptions(t)

	resp, _ := f.do(t, http.MethodPost, "/api/requests/"+r.ID+"/select", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	other, _ := f.pendingWithOptions(t)
	otherOpts, err := f.svc.Options(context.Background(), other.ID)
	require.NoError(t, err)
	resp, _ = f.do(t, http.MethodPost, "/api/requests/"+r.ID+"/select", `{"option_id":"`+otherOpts[0].ID+`"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/requests/"+r.ID+"/select", `{"option_id":"`+opts[0].ID+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var got internal.Request
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, internal.StatusApproved, got.Status)
	require.NotNil(t, got.FoundPrice)
	assert.InDelta(t, opts[0].Price, *got.FoundPrice, 1e-9)
	require.NotNil(t, got.Link)
	assert.Equal(t, opts[0].URL, *got.Link)

	remaining, err := f.svc.Options(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	resp, _ = f.do(t, http.MethodPost, "/api/requests/"+r.ID+"/reject", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestApproveAndReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.svc.Submit(ctx, sourcing.NewRequest{UserID: "u", ProductName: "Carta A4", Quantity: 10, TargetPrice: 4.5, Source: internal.SourceDashboard})
	require.NoError(t, err)
	b, err := f.svc.Submit(ctx, sourcing.NewRequest{UserID: "u", ProductName: "Penne", Quantity: 50, TargetPrice: 0.3, Source: internal.SourceDashboard})
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodPost, "/api/requests/"+a.ID+"/approve", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got internal.Request
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, internal.StatusApproved, got.Status)
	require.NotNil(t, got.FoundPrice)
	assert.InDelta(t, 4.5, *got.FoundPrice, 1e-9)

	resp, body = f.do(t, http.MethodPost, "/api/requests/"+b.ID+"/reject", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, internal.StatusRejected, got.Status)

	resp, _ = f.do(t, http.MethodPost, "/api/requests/"+b.ID+"/approve", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAssign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, err := f.svc.Submit(ctx, sourcing.NewRequest{UserID: "u", ProductName: "Monitor 27", Quantity: 2, TargetPrice: 180, Source: internal.SourceDashboard})
	require.NoError(t, err)
	m := &internal.TeamMember{UserID: "u", Name: "Giulia"}
	require.NoError(t, f.db.CreateTeamMember(ctx, m))

	resp, body := f.do(t, http.MethodPut, "/api/requests/"+r.ID+"/assignee", `{"team_member_id":"`+m.ID+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var got internal.Request
	require.NoError(t, json.Unmarshal(body, &got))
	require.NotNil(t, got.AssignedTo)
	assert.Equal(t, m.ID, *got.AssignedTo)

	resp, _ = f.do(t, http.MethodPut, "/api/requests/"+r.ID+"/assignee", `{"team_member_id":"nobody"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodPut, "/api/requests/"+r.ID+"/assignee", `{"team_member_id":""}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got = internal.Request{}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Nil(t, got.AssignedTo)
}

func TestTeamMembers(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/team-members", `{"user_id":"user-1","name":" Sara ","email":"sara@example.com"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var sara internal.TeamMember
	require.NoError(t, json.Unmarshal(body, &sara))
	assert.Equal(t, "Sara", sara.Name)
	require.NotNil(t, sara.Email)

	resp, _ = f.do(t, http.MethodPost, "/api/team-members", `{"user_id":"user-1","name":"Luca"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/team-members", `{"user_id":"user-2","name":"Altro"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/team-members", `{"user_id":"user-1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/team-members?user_id=user-1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var members []internal.TeamMember
	require.NoError(t, json.Unmarshal(body, &members))
	require.Len(t, members, 2)
	assert.Equal(t, "Luca", members[0].Name)
	assert.Equal(t, "Sara", members[1].Name)

	resp, _ = f.do(t, http.MethodGet, "/api/team-members", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	r, err := f.svc.Submit(context.Background(), sourcing.NewRequest{UserID: "user-1", ProductName: "Toner", Quantity: 1, TargetPrice: 10, Source: internal.SourceDashboard})
	require.NoError(t, err)
	resp, _ = f.do(t, http.MethodPut, "/api/requests/"+r.ID+"/assignee", `{"team_member_id":"`+sara.ID+`"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]string
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "ok", health["status"])
	assert.NotEmpty(t, health["timestamp"])

	resp, _ = f.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodOptions, "/api/requests", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	f.do(t, http.MethodGet, "/api/requests/missing", "")
	resp, _ = f.do(t, http.MethodPost, "/api/requests", `{"user_id":"u","product_name":"Toner","quantity":1,"target_price":10}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "procure_http_requests_total")
	assert.Contains(t, string(body), `status_code="404"`)
	assert.Contains(t, string(body), `procure_requests_created_total{source="dashboard"}`)
}
