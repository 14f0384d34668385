package markdown

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"forge/api/internal/util"
)

var (
	dividerPattern  = regexp.MustCompile(`^(\*{3,}|-{3,}|_{3,})$`)
	headingPattern  = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)
	bulletPattern   = regexp.MustCompile(`^[-*+]\s+(.*)$`)
	numberedPattern = regexp.MustCompile(`^\d+\.\s+(.*)$`)
	quotePattern    = regexp.MustCompile(`^>\s?(.*)$`)
)

// NormalizeText converts CRLF line endings to LF.
func NormalizeText(text string) string {
	return strings.ReplaceAll(text, "\r\n", "\n")
}

// ContentHash is the digest of the normalized source text. It does not depend
// on how the text parses.
func ContentHash(text string) string {
	return util.HashHex(NormalizeText(text))
}

type parser struct {
	blocks    []Block
	warnings  []string
	paragraph []string
	quote     []string
}

// Parse converts markdown into blocks. It never fails: anything it cannot
// represent faithfully is reported in Warnings.
func Parse(text string) Result {
	normalized := NormalizeText(text)
	lines := strings.Split(normalized, "\n")
	p := &parser{}

	for i := 0; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])

		if strings.HasPrefix(trimmed, "```") {
			p.flush()
			language := strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
			start := i + 1
			var code []string
			closed := false
			for i = i + 1; i < len(lines); i++ {
				if strings.HasPrefix(strings.TrimSpace(lines[i]), "```") {
					closed = true
					break
				}
				code = append(code, lines[i])
			}
			if !closed {
				p.warnings = append(p.warnings, fmt.Sprintf("Unterminated code fence starting at line %d; captured content up to end of input.", start))
			}
			p.emit(BlockCode, map[string]string{"language": language, "code": strings.Join(code, "\n")})
			continue
		}

		if trimmed == "" {
			p.flush()
			continue
		}

		if match := quotePattern.FindStringSubmatch(trimmed); match != nil {
			p.flushParagraph()
			p.quote = append(p.quote, strings.TrimSpace(match[1]))
			continue
		}
		p.flushQuote()

		if dividerPattern.MatchString(trimmed) {
			p.flushParagraph()
			p.emit(BlockDivider, map[string]string{})
			continue
		}

		if match := headingPattern.FindStringSubmatch(trimmed); match != nil {
			p.flushParagraph()
			level := len(match[1])
			headingText := strings.TrimSpace(match[2])
			if level > 3 {
				p.warnings = append(p.warnings, fmt.Sprintf("Heading level %d at line %d downgraded to paragraph.", level, i+1))
				p.emit(BlockParagraph, map[string]string{"text": headingText})
				continue
			}
			p.emit(headingType(level), map[string]string{"text": headingText})
			continue
		}

		if match := bulletPattern.FindStringSubmatch(trimmed); match != nil {
			p.flushParagraph()
			p.emit(BlockBulletedListItem, map[string]string{"text": strings.TrimSpace(match[1])})
			continue
		}

		if match := numberedPattern.FindStringSubmatch(trimmed); match != nil {
			p.flushParagraph()
			p.emit(BlockNumberedListItem, map[string]string{"text": strings.TrimSpace(match[1])})
			continue
		}

		p.paragraph = append(p.paragraph, trimmed)
	}
	p.flush()

	blocks := p.blocks
	if blocks == nil {
		blocks = []Block{}
	}
	warnings := p.warnings
	if warnings == nil {
		warnings = []string{}
	}
	return Result{
		Blocks:      blocks,
		ContentHash: util.HashHex(normalized),
		Warnings:    warnings,
	}
}

func (p *parser) flush() {
	p.flushParagraph()
	p.flushQuote()
}

func (p *parser) flushParagraph() {
	if len(p.paragraph) == 0 {
		return
	}
	p.emit(BlockParagraph, map[string]string{"text": strings.Join(p.paragraph, " ")})
	p.paragraph = nil
}

func (p *parser) flushQuote() {
	if len(p.quote) == 0 {
		return
	}
	p.emit(BlockQuote, map[string]string{"text": strings.Join(p.quote, "\n")})
	p.quote = nil
}

func (p *parser) emit(blockType BlockType, payload map[string]string) {
	position := len(p.blocks) + 1
	sourceHash := SourceHash(blockType, position, payload)
	p.blocks = append(p.blocks, Block{
		ID:         "blk_" + util.ShortHash(sourceHash, 24),
		Type:       blockType,
		Position:   position,
		Payload:    payload,
		SourceHash: sourceHash,
	})
}

// SourceHash digests type:position:JSON(payload). encoding/json sorts map
// keys, so equal payloads always hash equally.
func SourceHash(blockType BlockType, position int, payload map[string]string) string {
	encoded, err := json.Marshal(payload)
	if err != nil {
		encoded = []byte("{}")
	}
	return util.HashHex(string(blockType) + ":" + strconv.Itoa(position) + ":" + string(encoded))
}
