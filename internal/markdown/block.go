// Package markdown turns story markdown into an ordered, content-addressed
// block sequence suitable for full replacement of a page's blocks.
package markdown

// BlockType names the kind of a parsed block.
type BlockType string

const (
	BlockHeading1         BlockType = "heading_1"
	BlockHeading2         BlockType = "heading_2"
	BlockHeading3         BlockType = "heading_3"
	BlockParagraph        BlockType = "paragraph"
	BlockBulletedListItem BlockType = "bulleted_list_item"
	BlockNumberedListItem BlockType = "numbered_list_item"
	BlockQuote            BlockType = "quote"
	BlockCode             BlockType = "code"
	BlockDivider          BlockType = "divider"
)

// Block is one parsed content unit. Blocks are values: a changed block is a
// new block at the same position, never an edited one.
type Block struct {
	ID         string            `json:"id"`
	Type       BlockType         `json:"type"`
	Position   int               `json:"position"`
	Payload    map[string]string `json:"payload"`
	SourceHash string            `json:"sourceHash"`
}

// Text returns the text payload, or the code body for code blocks.
func (b Block) Text() string {
	if b.Type == BlockCode {
		return b.Payload["code"]
	}
	return b.Payload["text"]
}

// Result is the output of Parse.
type Result struct {
	Blocks      []Block  `json:"blocks"`
	ContentHash string   `json:"contentHash"`
	Warnings    []string `json:"warnings"`
}

// Title returns the text of the first heading block, if any.
func (r Result) Title() string {
	for _, block := range r.Blocks {
		switch block.Type {
		case BlockHeading1, BlockHeading2, BlockHeading3:
			return block.Payload["text"]
		}
	}
	return ""
}

func headingType(level int) BlockType {
	switch level {
	case 1:
		return BlockHeading1
	case 2:
		return BlockHeading2
	default:
		return BlockHeading3
	}
}
