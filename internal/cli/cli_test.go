package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"forge/api/internal/gitrepo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func setupWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("FORGE_CONFIG", "")
	t.Setenv("FORGE_DATABASE_DRIVER", "sqlite")
	t.Setenv("FORGE_SQLITE_PATH", filepath.Join(dir, "forge.db"))
	t.Setenv("FORGE_PREVIEW_STORE_PATH", filepath.Join(dir, "previews.json"))
	t.Setenv("FORGE_LEGACY_PROPOSALS_PATH", filepath.Join(dir, "proposals.json"))
	t.Setenv("FORGE_CONTENT_REPO_DIR", filepath.Join(dir, "content"))
	t.Setenv("FORGE_SCOPE_ROOTS", "story=stories/")

	repo := gitrepo.New(filepath.Join(dir, "content"), "main")
	require.NoError(t, repo.EnsureRepo())
	_, err := repo.CommitFile("stories/ch1.md", "# Chapter One\n\nIt begins.\n", "Avery", "add chapter")
	require.NoError(t, err)
	return dir
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func runJSON(t *testing.T, target any, args ...string) {
	t.Helper()
	out, err := run(t, "", append(args, "--json")...)
	require.NoError(t, err, out)
	require.NoError(t, json.Unmarshal([]byte(out), target), out)
}

func TestPublishFlow(t *testing.T) {
	setupWorkspace(t)

	var preview struct {
		OK      bool `json:"ok"`
		Preview struct {
			Token string `json:"token"`
		} `json:"preview"`
	}
	runJSON(t, &preview, "publish", "preview", "stories/ch1.md", "--loop", "loop-1")
	require.True(t, preview.OK)
	require.NotEmpty(t, preview.Preview.Token)

	var queued struct {
		Status   string `json:"status"`
		Proposal struct {
			ID string `json:"id"`
		} `json:"proposal"`
	}
	runJSON(t, &queued, "publish", "queue", preview.Preview.Token, "--editor", "codex")
	assert.Equal(t, "pending", queued.Status)

	out, err := run(t, "", "proposals", "list", "--status", "pending")
	require.NoError(t, err)
	assert.Contains(t, out, queued.Proposal.ID)
	assert.Contains(t, out, "Total: 1")

	out, err = run(t, "", "proposals", "apply", queued.Proposal.ID)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Proposal applied.")

	out, err = run(t, "", "publish", "apply", preview.Preview.Token, "--yes")
	require.NoError(t, err, out)
	assert.Contains(t, out, "(no change)")

	out, err = run(t, "", "proposals", "show", queued.Proposal.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "blocks: 0 -> 2")
}

func TestPublishApplyWithoutYesFails(t *testing.T) {
	setupWorkspace(t)
	out, err := run(t, "", "publish", "apply", "pv_anything")
	assert.Error(t, err)
	assert.Contains(t, out, "explicit approval")
}

func TestPublishPreviewOutOfScope(t *testing.T) {
	setupWorkspace(t)
	_, err := run(t, "", "publish", "preview", "../etc/passwd", "--loop", "loop-1")
	assert.Error(t, err)
}

func TestImportLegacyAndReject(t *testing.T) {
	dir := setupWorkspace(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "proposals.json"), []byte(`{"version":1,"proposals":[
		{"id":"old-1","summary":"First","createdAt":"2026-01-01T00:00:00Z"},
		{"id":"old-2","summary":"Second","status":"applied","createdAt":"2026-01-02T00:00:00Z"}
	]}`), 0o644))

	out, err := run(t, "", "import-legacy")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Imported 2")

	out, err = run(t, "", "proposals", "reject", "old-1")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Proposal rejected.")

	out, err = run(t, "", "proposals", "reject", "old-2")
	require.NoError(t, err, out)
	assert.Contains(t, out, "(no change)")

	var failed struct {
		OK bool `json:"ok"`
	}
	_, err = run(t, "", "proposals", "fail", "missing", "--reason", "x")
	assert.Error(t, err)

	runJSON(t, &failed, "proposals", "reject", "old-1")
	assert.True(t, failed.OK)
}

func TestDiffParseFromStdin(t *testing.T) {
	diffText := "diff --git a/a.md b/a.md\n--- a/a.md\n+++ b/a.md\n@@ -1 +1,2 @@\n-old\n+new\n+more\n"
	out, err := run(t, diffText, "diff", "parse")
	require.NoError(t, err)
	assert.Contains(t, out, "a.md")
	assert.Contains(t, out, "+2")
	assert.Contains(t, out, "-1")
}

func TestTrustSetAndShow(t *testing.T) {
	setupWorkspace(t)
	out, err := run(t, "", "trust", "set", "auto-approve-all", "--loop", "loop-1")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Auto-apply:  true")

	out, err = run(t, "", "trust", "show", "--loop", "loop-2")
	require.NoError(t, err)
	assert.Contains(t, out, "require-approval")

	_, err = run(t, "", "trust", "set", "sometimes")
	assert.Error(t, err)
}

func TestScopeHashToken(t *testing.T) {
	out, err := run(t, "", "scope", "hash-token", "open-sesame")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(strings.TrimSpace(out)), []byte("open-sesame")))
}
