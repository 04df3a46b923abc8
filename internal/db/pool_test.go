package db

import (
	"strings"
	"testing"

	"github.com/willibrandon/pgshovel/internal/config"
)

func TestQuoteConnValue(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "appdb", "appdb"},
		{"empty", "", "''"},
		{"space", "pass word", "'pass word'"},
		{"quote", "it's", `'it\'s'`},
		{"backslash", `a\b`, `'a\\b'`},
		{"quote and backslash", `o'br\ien`, `'o\'br\\ien'`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := quoteConnValue(tt.in); got != tt.want {
				t.Errorf("quoteConnValue(%q) = %q; want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestKeywordConnString_QuotesPassword(t *testing.T) {
	// Clear libpq env fallbacks so only the config drives the string.
	t.Setenv("PGHOST", "")
	t.Setenv("PGPORT", "")
	t.Setenv("PGDATABASE", "")
	t.Setenv("PGUSER", "")
	t.Setenv("PGPASSWORD", "it's a secret")

	p := &Pool{config: config.PostgreSQLConfig{
		Host:     "db.internal",
		Port:     5433,
		Database: "app",
		User:     "shovel",
	}}

	got, err := p.KeywordConnString()
	if err != nil {
		t.Fatalf("KeywordConnString() error = %v", err)
	}

	want := `host=db.internal port=5433 dbname=app user=shovel password='it\'s a secret'`
	if got != want {
		t.Errorf("KeywordConnString() = %q; want %q", got, want)
	}
}

func TestKeywordConnString_NoPassword(t *testing.T) {
	t.Setenv("PGHOST", "")
	t.Setenv("PGPORT", "")
	t.Setenv("PGDATABASE", "")
	t.Setenv("PGUSER", "")
	t.Setenv("PGPASSWORD", "")

	p := &Pool{config: config.PostgreSQLConfig{
		Host:     "db.internal",
		Database: "app",
		User:     "shovel",
	}}

	got, err := p.KeywordConnString()
	if err != nil {
		t.Fatalf("KeywordConnString() error = %v", err)
	}

	if strings.Contains(got, "password=") {
		t.Errorf("KeywordConnString() = %q; want no password keyword", got)
	}
}
