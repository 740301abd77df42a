package config

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func vaultServer(t *testing.T, wantNamespace string, data map[string]interface{}) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secret/data/dimpipe" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Vault-Token") != "test-token" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if wantNamespace != "" && r.Header.Get("X-Vault-Namespace") != wantNamespace+"/" &&
			r.Header.Get("X-Vault-Namespace") != wantNamespace {
			http.Error(w, "wrong namespace", http.StatusForbidden)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"data": data},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestResolveVault_Success(t *testing.T) {
	server := vaultServer(t, "", map[string]interface{}{"password": "s3cret"})
	t.Setenv("VAULT_ADDR", server.URL)
	t.Setenv("VAULT_TOKEN", "test-token")

	val, err := resolveVault("secret/data/dimpipe#password")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "s3cret" {
		t.Errorf("expected 's3cret', got %q", val)
	}
}

func TestResolveVault_Namespace(t *testing.T) {
	server := vaultServer(t, "analytics", map[string]interface{}{"password": "s3cret"})
	t.Setenv("VAULT_ADDR", server.URL)
	t.Setenv("VAULT_TOKEN", "test-token")
	t.Setenv("VAULT_NAMESPACE", "analytics")

	val, err := resolveVault("secret/data/dimpipe#password")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "s3cret" {
		t.Errorf("expected 's3cret', got %q", val)
	}
}

func TestResolveVault_MissingKey(t *testing.T) {
	server := vaultServer(t, "", map[string]interface{}{"username": "admin"})
	t.Setenv("VAULT_ADDR", server.URL)
	t.Setenv("VAULT_TOKEN", "test-token")

	if _, err := resolveVault("secret/data/dimpipe#password"); err == nil {
		t.Error("expected error for missing key")
	}
}

func TestResolveVault_InvalidFormat(t *testing.T) {
	t.Setenv("VAULT_ADDR", "http://localhost:8200")
	t.Setenv("VAULT_TOKEN", "test-token")

	for _, ref := range []string{"no-hash-separator", "#key", "path#"} {
		if _, err := resolveVault(ref); err == nil {
			t.Errorf("expected error for %q", ref)
		}
	}
}

func TestResolveVault_MissingEnv(t *testing.T) {
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "")

	if _, err := resolveVault("secret/data/dimpipe#key"); err == nil {
		t.Error("expected error when VAULT_ADDR not set")
	}
}

func TestResolveValue_VaultInsideDSN(t *testing.T) {
	server := vaultServer(t, "", map[string]interface{}{"db_pass": "hunter2"})
	t.Setenv("VAULT_ADDR", server.URL)
	t.Setenv("VAULT_TOKEN", "test-token")

	val, err := ResolveValue("postgres://etl:${VAULT:secret/data/dimpipe#db_pass}@db:5432/fmcg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "postgres://etl:hunter2@db:5432/fmcg" {
		t.Errorf("got %q", val)
	}
}
