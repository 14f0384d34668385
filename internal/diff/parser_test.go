package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoFileDiff = `diff --git a/stories/one.md b/stories/one.md
index 1111111..2222222 100644
--- a/stories/one.md
+++ b/stories/one.md
@@ -1,2 +1,2 @@
 # One
-old line
+new line
diff --git a/stories/two.md b/stories/two.md
new file mode 100644
--- /dev/null
+++ b/stories/two.md
@@ -0,0 +1,2 @@
+# Two
+body`

func TestParseCountsPerFile(t *testing.T) {
	result := Parse(Input{Diff: twoFileDiff})

	require.Len(t, result.Files, 2)
	assert.Empty(t, result.Warnings)

	first := result.Files[0]
	assert.Equal(t, "stories/one.md", first.Path)
	assert.Equal(t, StatusModified, first.Status)
	assert.Equal(t, 1, first.Additions)
	assert.Equal(t, 1, first.Deletions)
	assert.Equal(t, 1, first.HunkCount)
	assert.True(t, first.HasPatch)
	assert.Contains(t, first.UnifiedPatch, "diff --git a/stories/one.md b/stories/one.md")
	assert.NotContains(t, first.UnifiedPatch, "stories/two.md")

	second := result.Files[1]
	assert.Equal(t, "stories/two.md", second.Path)
	assert.Equal(t, StatusAdded, second.Status)
	assert.Equal(t, 2, second.Additions)
	assert.Equal(t, 0, second.Deletions)
	assert.Equal(t, 1, second.HunkCount)
}

func TestParseIsDeterministic(t *testing.T) {
	assert.Equal(t, Parse(Input{Diff: twoFileDiff}), Parse(Input{Diff: twoFileDiff}))
}

func TestParseDeletedFileUsesOldPath(t *testing.T) {
	result := Parse(Input{Diff: "diff --git a/stories/gone.md b/stories/gone.md\ndeleted file mode 100644\n--- a/stories/gone.md\n+++ /dev/null\n@@ -1 +0,0 @@\n-bye"})

	require.Len(t, result.Files, 1)
	assert.Equal(t, "stories/gone.md", result.Files[0].Path)
	assert.Equal(t, StatusDeleted, result.Files[0].Status)
	assert.Equal(t, 1, result.Files[0].Deletions)
}

func TestParseFallbackFiles(t *testing.T) {
	raw := "rewrote the opening paragraph\n+ added a line"
	result := Parse(Input{Diff: raw, FallbackFiles: []string{"stories/one.md", "stories/one.md"}})

	require.Len(t, result.Files, 1)
	assert.Equal(t, "stories/one.md", result.Files[0].Path)
	assert.Equal(t, StatusUnknown, result.Files[0].Status)
	assert.True(t, result.Files[0].HasPatch)
	assert.Equal(t, raw, result.Files[0].UnifiedPatch)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "did not include file headers")
}

func TestParseSyntheticEntryWithoutFallback(t *testing.T) {
	result := Parse(Input{Diff: "free text change description"})

	require.Len(t, result.Files, 1)
	assert.Equal(t, SyntheticPath, result.Files[0].Path)
	assert.Equal(t, "free text change description", result.Files[0].UnifiedPatch)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "did not include file headers")
}

func TestParseEmptyDiff(t *testing.T) {
	result := Parse(Input{})

	assert.Empty(t, result.Files)
	assert.Empty(t, result.Warnings)
}

func TestParseHeaderWithTimestamps(t *testing.T) {
	result := Parse(Input{Diff: "diff --git a/x.md b/y.md\n--- a/x.md\t2024-01-01\n+++ b/y.md\t2024-01-02\n@@ -1 +1 @@\n-a\n+b"})

	require.Len(t, result.Files, 1)
	assert.Equal(t, "y.md", result.Files[0].Path)
	assert.Equal(t, StatusModified, result.Files[0].Status)
}
