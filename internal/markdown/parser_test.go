package markdown

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleStory = "# Chapter One\n\nA paragraph.\n\n- item\n1. item\n> quote\n\n```ts\ncode\n```\n\n---"

func blockTypes(blocks []Block) []BlockType {
	types := make([]BlockType, 0, len(blocks))
	for _, block := range blocks {
		types = append(types, block.Type)
	}
	return types
}

func TestParseTypeSequence(t *testing.T) {
	result := Parse(sampleStory)

	assert.Equal(t, []BlockType{
		BlockHeading1,
		BlockParagraph,
		BlockBulletedListItem,
		BlockNumberedListItem,
		BlockQuote,
		BlockCode,
		BlockDivider,
	}, blockTypes(result.Blocks))
	assert.Empty(t, result.Warnings)

	for i, block := range result.Blocks {
		assert.Equal(t, i+1, block.Position)
	}
	assert.Equal(t, "Chapter One", result.Blocks[0].Text())
	assert.Equal(t, "ts", result.Blocks[5].Payload["language"])
	assert.Equal(t, "code", result.Blocks[5].Text())
	assert.Equal(t, "Chapter One", result.Title())
}

func TestParseIsDeterministic(t *testing.T) {
	first := Parse(sampleStory)
	second := Parse(sampleStory)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("parse not deterministic (-first +second):\n%s", diff)
	}
	assert.Equal(t, first.ContentHash, second.ContentHash)
}

func TestParseDowngradesDeepHeadings(t *testing.T) {
	result := Parse("#### Too Deep\n\ncontent")

	require.Len(t, result.Blocks, 2)
	assert.Equal(t, BlockParagraph, result.Blocks[0].Type)
	assert.Equal(t, "Too Deep", result.Blocks[0].Text())
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "downgraded")
}

func TestParseMergesParagraphAndQuoteRuns(t *testing.T) {
	result := Parse("first line\nsecond line\n\n> one\n> two\nafter")

	require.Len(t, result.Blocks, 3)
	assert.Equal(t, "first line second line", result.Blocks[0].Text())
	assert.Equal(t, BlockQuote, result.Blocks[1].Type)
	assert.Equal(t, "one\ntwo", result.Blocks[1].Text())
	assert.Equal(t, BlockParagraph, result.Blocks[2].Type)
}

func TestParseListItemsAreNotGrouped(t *testing.T) {
	result := Parse("- a\n- b\n* c\n+ d\n10. e")

	assert.Equal(t, []BlockType{
		BlockBulletedListItem,
		BlockBulletedListItem,
		BlockBulletedListItem,
		BlockBulletedListItem,
		BlockNumberedListItem,
	}, blockTypes(result.Blocks))
}

func TestParseUnterminatedFenceStillEmitsBlock(t *testing.T) {
	result := Parse("```go\nfunc main() {}\n")

	require.Len(t, result.Blocks, 1)
	assert.Equal(t, BlockCode, result.Blocks[0].Type)
	assert.Equal(t, "go", result.Blocks[0].Payload["language"])
	assert.True(t, strings.HasPrefix(result.Blocks[0].Text(), "func main() {}"))
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "Unterminated code fence")
}

func TestParseDividerVariants(t *testing.T) {
	result := Parse("***\n\n___\n\n-----")

	assert.Equal(t, []BlockType{BlockDivider, BlockDivider, BlockDivider}, blockTypes(result.Blocks))
}

func TestContentHashIgnoresLineEndings(t *testing.T) {
	crlf := Parse("# Title\r\n\r\nbody")
	lf := Parse("# Title\n\nbody")

	assert.Equal(t, lf.ContentHash, crlf.ContentHash)
	assert.Equal(t, ContentHash("# Title\n\nbody"), lf.ContentHash)
	if diff := cmp.Diff(lf.Blocks, crlf.Blocks); diff != "" {
		t.Fatalf("blocks differ across line endings:\n%s", diff)
	}
}

func TestChangedBlockKeepsPositionButNotIdentity(t *testing.T) {
	before := Parse("# Title\n\nold body")
	after := Parse("# Title\n\nnew body")

	assert.Equal(t, before.Blocks[0].ID, after.Blocks[0].ID)
	assert.Equal(t, before.Blocks[1].Position, after.Blocks[1].Position)
	assert.NotEqual(t, before.Blocks[1].ID, after.Blocks[1].ID)
	assert.NotEqual(t, before.Blocks[1].SourceHash, after.Blocks[1].SourceHash)
}

func TestParseEmptyInput(t *testing.T) {
	result := Parse("")

	assert.Empty(t, result.Blocks)
	assert.NotNil(t, result.Blocks)
	assert.Empty(t, result.Warnings)
	assert.Len(t, result.ContentHash, 64)
}
