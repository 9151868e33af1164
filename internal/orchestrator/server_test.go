package orchestrator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/web3guy0/spotx/internal/events"
	"github.com/web3guy0/spotx/internal/money"
	"github.com/web3guy0/spotx/internal/order"
	"github.com/web3guy0/spotx/internal/orchestrator/authstub"
	"github.com/web3guy0/spotx/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	hub := events.New()
	go hub.Run()
	orders := order.New(s, hub)
	tokens := authstub.New()
	return New(s, orders, hub, tokens, 5*time.Second)
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler(nil).ServeHTTP(rec, req)
	return rec
}

func registerUser(t *testing.T, srv *Server, name, email string) (userID, token string) {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/register", "", registerRequest{
		Name: name, Email: email, Password: "hunter22", PasswordConfirmation: "hunter22",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		User  userView `json:"user"`
		Token string   `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	return resp.User.ID, resp.Token
}

func TestRegisterSeedsBalanceAndAssets(t *testing.T) {
	srv := newTestServer(t)
	userID, token := registerUser(t, srv, "Alice", "alice@test.dev")
	if userID == "" || token == "" {
		t.Fatal("expected a user id and token")
	}

	rec := doJSON(t, srv, http.MethodGet, "/api/profile", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("profile status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Balance string      `json:"balance"`
		Assets  []assetView `json:"assets"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	if resp.Balance != "10000.00000000" {
		t.Errorf("balance = %q, want 10000.00000000", resp.Balance)
	}
	if len(resp.Assets) != 2 {
		t.Fatalf("assets = %d, want 2", len(resp.Assets))
	}
}

func TestRegisterPasswordMismatchRejected(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/register", "", registerRequest{
		Name: "Bob", Email: "bob@test.dev", Password: "abc12345", PasswordConfirmation: "different",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestLoginRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	_, _ = registerUser(t, srv, "Carol", "carol@test.dev")

	rec := doJSON(t, srv, http.MethodPost, "/api/login", "", loginRequest{Email: "carol@test.dev", Password: "hunter22"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestLoginWrongPasswordRejected(t *testing.T) {
	srv := newTestServer(t)
	_, _ = registerUser(t, srv, "Dave", "dave@test.dev")

	rec := doJSON(t, srv, http.MethodPost, "/api/login", "", loginRequest{Email: "dave@test.dev", Password: "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestProtectedRouteWithoutTokenRejected(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/me", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	_, token := registerUser(t, srv, "Erin", "erin@test.dev")

	rec := doJSON(t, srv, http.MethodPost, "/api/orders", token, createOrderRequest{
		Symbol: "BTC", Side: "sell", Price: money.MustParse("50000"), Amount: money.MustParse("1"),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create order status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Order store.Order `json:"order"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created order: %v", err)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/orders?status=open", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list orders status = %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/orders/"+created.Order.ID+"/cancel", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/orderbook?symbol=BTC", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("orderbook status = %d", rec.Code)
	}
}

func TestOrderbookRejectsUnknownSymbol(t *testing.T) {
	srv := newTestServer(t)
	_, token := registerUser(t, srv, "Frank", "frank@test.dev")

	rec := doJSON(t, srv, http.MethodGet, "/api/orderbook?symbol=DOGE", token, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/orderbook", token, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("missing symbol status = %d, want 422", rec.Code)
	}
}
