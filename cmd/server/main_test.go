package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"vendorsales/backend/internal/config"
	"vendorsales/backend/internal/domain"
	"vendorsales/backend/internal/logger"
)

const strongSecret = "0123456789abcdef0123456789abcdef"

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short"})
	if err == nil {
		t.Fatalf("expected weak security config to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: strongSecret})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestValidateSecurityConfigRejectsTwoBackends(t *testing.T) {
	err := validateSecurityConfig(config.Config{
		AuthSecret:  strongSecret,
		DatabaseURL: "postgres://localhost/vendorsales",
		LedgerURL:   "http://ledger.internal",
	})
	if err == nil {
		t.Fatalf("expected DATABASE_URL with LEDGER_URL to be rejected")
	}
}

func TestOpenBackendSelection(t *testing.T) {
	t.Setenv("SEED_ADMIN_PASSWORD", "admin123")
	t.Setenv("SEED_SELLER_PASSWORD", "seller123")

	be, err := openBackend(context.Background(), config.Config{}, logger.Nop())
	if err != nil || be.name != "memory" {
		t.Fatalf("expected memory backend, got %q %v", be.name, err)
	}

	be, err = openBackend(context.Background(), config.Config{LedgerURL: "http://127.0.0.1:1"}, logger.Nop())
	if err != nil || be.name != "remote" {
		t.Fatalf("expected remote backend, got %q %v", be.name, err)
	}
	users, err := be.users.ListUsers(context.Background())
	if err != nil || len(users) != 2 {
		t.Fatalf("expected seeded local accounts for remote backend, got %d %v", len(users), err)
	}
}

func TestBuildAppServesSales(t *testing.T) {
	t.Setenv("SEED_ADMIN_PASSWORD", "admin123")
	t.Setenv("SEED_SELLER_PASSWORD", "seller123")

	application, err := buildApp(context.Background(), config.Config{
		AuthSecret:            strongSecret,
		AccessTokenTTLMinutes: 60,
		ReportTimezone:        "UTC",
		AllowedOrigin:         "*",
	}, logger.Nop())
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	if !application.reconciler.Atomic() {
		t.Fatalf("expected the memory store to enable the atomic path")
	}

	body, _ := json.Marshal(domain.LoginRequest{Username: "seller", Password: "seller123"})
	res := httptest.NewRecorder()
	application.handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body)))
	if res.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", res.Code, res.Body.String())
	}
	var login domain.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&login); err != nil {
		t.Fatalf("decode login: %v", err)
	}

	body, _ = json.Marshal(domain.UnitRequest{ProductID: "PRD-WATER-01", Direction: domain.DirectionSale})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sales/units", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	res = httptest.NewRecorder()
	application.handler.ServeHTTP(res, req)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", res.Code, res.Body.String())
	}
}
