package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"forge/api/internal/config"
	"forge/api/internal/gitrepo"
	"forge/api/internal/proposal"
	"forge/api/internal/publish"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	dir := t.TempDir()
	return config.Config{
		DatabaseDriver:      "sqlite",
		SQLitePath:          filepath.Join(dir, "forge.db"),
		PreviewStorePath:    filepath.Join(dir, "previews.json"),
		PreviewTTL:          8 * time.Hour,
		LegacyProposalsPath: filepath.Join(dir, "proposals.json"),
		WorkspaceID:         "ws-1",
		ContentBackend:      "git",
		ContentRepoDir:      filepath.Join(dir, "content"),
		ContentBranch:       "main",
		SettingsBackend:     "sql",
		ScopeRoots:          "story=stories/",
	}
}

func TestBuildRuntimePublishesFromGit(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	rt, err := Build(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(rt.Close)

	_, err = gitrepo.New(cfg.ContentRepoDir, cfg.ContentBranch).
		CommitFile("stories/ch1.md", "# Chapter One\n\nOnce upon a time.\n", "Avery", "add chapter")
	require.NoError(t, err)

	built, err := rt.Service.BuildPreview(ctx, publish.PreviewRequest{Path: "stories/ch1.md", LoopID: "loop-1", Domain: "story"})
	require.NoError(t, err)
	require.True(t, built.OK, built.Message)

	queued, err := rt.Service.QueuePreview(ctx, publish.QueueRequest{PreviewToken: built.Preview.Token})
	require.NoError(t, err)
	require.True(t, queued.OK)
	assert.Equal(t, proposal.StatusPending, queued.Status)

	applied, err := rt.Service.ApplyProposal(ctx, queued.Proposal.ID)
	require.NoError(t, err)
	assert.True(t, applied.OK, applied.Message)

	page, err := rt.Store.FindPageBySourcePath(ctx, "stories/ch1.md")
	require.NoError(t, err)
	require.NotNil(t, page)
	assert.Equal(t, 2, page.BlockCount)
}

func TestBuildRuntimeRejectsBadScopeRoots(t *testing.T) {
	cfg := testConfig(t)
	cfg.ScopeRoots = "no-equals-sign"

	_, err := Build(context.Background(), cfg)
	assert.ErrorContains(t, err, "scope roots")
}
