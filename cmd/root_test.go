package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docvault/internal/model"
	"github.com/sells-group/docvault/internal/store"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"serve", "migrate", "seed", "ingest", "extraction", "job", "verify", "folders", "query", "cache"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "docvault", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("log-level"))
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)

	flag = serveCmd.Flags().Lookup("shutdown-timeout")
	require.NotNil(t, flag)
	assert.Equal(t, "15s", flag.DefValue)
}

func TestIngestCommand_Flags(t *testing.T) {
	flag := ingestCmd.Flags().Lookup("template")
	require.NotNil(t, flag)
	assert.Equal(t, "[]", flag.DefValue)

	flag = ingestCmd.Flags().Lookup("wait")
	require.NotNil(t, flag)
	assert.Equal(t, "true", flag.DefValue)
}

func TestExtractionCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range extractionCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "show", "retry", "assign", "reprocess"} {
		assert.True(t, names[name], "extraction should have subcommand %q", name)
	}
}

func TestParseParams(t *testing.T) {
	got, err := parseParams([]string{"vendor=Acme", " year = 2024 ", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"vendor": "Acme", "year": "2024", "empty": ""}, got)

	got, err = parseParams(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseParams([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseParams([]string{"=x"})
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ééééééé...", truncate("éééééééééééé", 10))
}

func TestStatusLabel(t *testing.T) {
	assert.Equal(t, "completed", statusLabel(model.Extraction{Status: model.ExtractionCompleted}))
	assert.Equal(t, "error: anthropic extract: timeout",
		statusLabel(model.Extraction{Status: model.ExtractionError, ErrorMessage: "anthropic extract: timeout"}))
}

func TestResolveTemplates(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	tmpl, err := st.UpsertTemplate(ctx, &model.Template{Name: "Invoice", Fields: model.Schema{
		model.TextField{FieldBase: model.FieldBase{Name: "vendor"}},
	}})
	require.NoError(t, err)

	ids, err := resolveTemplates(ctx, st, []string{tmpl.ID, "Invoice"})
	require.NoError(t, err)
	assert.Equal(t, []string{tmpl.ID, tmpl.ID}, ids)

	_, err = resolveTemplates(ctx, st, []string{"Receipt"})
	assert.True(t, model.IsNotFound(err))
}

func TestSeedCommand(t *testing.T) {
	fixture, err := filepath.Abs(filepath.Join("..", "internal", "registry", "testdata", "seed.yaml"))
	require.NoError(t, err)

	dir := t.TempDir()
	t.Chdir(dir)
	dbPath := filepath.Join(dir, "seed.db")
	t.Setenv("DOCVAULT_STORE_DATABASE_URL", dbPath)
	t.Setenv("DOCVAULT_LOG_LEVEL", "error")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"seed", "--file", fixture})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "seeded 2 templates")

	st, err := store.NewSQLite(dbPath)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	got, err := st.GetTemplateByName(context.Background(), "Invoice")
	require.NoError(t, err)
	assert.NotEmpty(t, got.Fields)
}
