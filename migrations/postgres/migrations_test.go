package migrations

import (
	"strings"
	"testing"
)

func TestUpStatements_SigningKeyTable(t *testing.T) {
	stmts, err := UpStatements()
	if err != nil {
		t.Fatalf("up statements: %v", err)
	}
	if len(stmts) != 1 {
		t.Fatalf("expected 1 migration, got %d", len(stmts))
	}
	if !strings.Contains(stmts[0], "CREATE TABLE IF NOT EXISTS oidcflow.oidc_signing_keys") {
		t.Fatalf("unexpected migration body:\n%s", stmts[0])
	}
}
