package httpapi

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"realtech/backend/internal/domain"
	"realtech/backend/internal/store/memory"
)

func newTestAuth(t *testing.T) *AuthManager {
	t.Helper()
	t.Setenv("SEED_ADMIN_PASSWORD", "admin123")
	t.Setenv("SEED_EMPLOYEE_PASSWORD", "employee123")
	return NewAuthManager("test-secret-key", time.Hour, memory.NewSeeded())
}

func TestLoginAndParseTokenRoundTrip(t *testing.T) {
	auth := newTestAuth(t)

	resp, err := auth.Login(domain.LoginRequest{Username: "Admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if resp.Role != domain.RoleAdmin {
		t.Fatalf("expected admin role, got %q", resp.Role)
	}

	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if actor.Username != "admin" || actor.Role != domain.RoleAdmin {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestParseTokenRejectsTampering(t *testing.T) {
	auth := newTestAuth(t)

	resp, err := auth.Login(domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	tampered := resp.AccessToken[:len(resp.AccessToken)-2] + "xx"
	if _, err := auth.ParseToken(tampered); err == nil {
		t.Fatal("tampered token must not parse")
	}
	if _, err := auth.ParseToken("not-a-token"); err == nil {
		t.Fatal("garbage token must not parse")
	}
}

func TestParseTokenRejectsOtherSecret(t *testing.T) {
	auth := newTestAuth(t)
	other := NewAuthManager("a-completely-different-key", time.Hour, nil)

	token, err := other.sign("admin", domain.RoleAdmin, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.ParseToken(token); err == nil {
		t.Fatal("token signed with another secret must not parse")
	}
}

func TestCreateStaffValidation(t *testing.T) {
	auth := newTestAuth(t)

	cases := []StaffCreateRequest{
		{Username: "ab", Password: "secret123"},
		{Username: "newstaff", Password: "123"},
		{Username: "new staff", Password: "secret123"},
		{Username: "newstaff", Password: "secret123", Role: "admin"},
		{Username: "admin", Password: "secret123"},
	}
	for _, c := range cases {
		if _, err := auth.CreateStaff(c); err == nil {
			t.Errorf("CreateStaff(%+v) should fail", c)
		}
	}

	account, err := auth.CreateStaff(StaffCreateRequest{Username: "Cashier1", Password: "secret123"})
	if err != nil {
		t.Fatalf("CreateStaff: %v", err)
	}
	if account.Username != "cashier1" || account.Role != domain.RoleEmployee {
		t.Fatalf("unexpected account %+v", account)
	}

	if _, err := auth.Login(domain.LoginRequest{Username: "cashier1", Password: "secret123"}); err != nil {
		t.Fatalf("new staff should log in: %v", err)
	}
}

func TestStaffEndpointAdminOnly(t *testing.T) {
	handler := newTestAPI(t)
	admin := loginToken(t, handler, "admin", "admin123")
	employee := loginToken(t, handler, "employee", "employee123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/staff", employee, map[string]string{
		"username": "newstaff", "password": "secret123",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for employee, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/auth/staff", admin, map[string]string{
		"username": "newstaff", "password": "secret123", "role": "manager",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/auth/staff", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list staff: expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "newstaff") {
		t.Fatalf("expected newstaff in listing, got %s", rec.Body.String())
	}
}
