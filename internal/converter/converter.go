// Package converter translates between markdown text and the block structure held by
// collaborative documents.
package converter

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mdreader/mdsync/internal/apperrors"
)

// Block types.
const (
	TypeParagraph    = "paragraph"
	TypeHeading1     = "heading_1"
	TypeHeading2     = "heading_2"
	TypeHeading3     = "heading_3"
	TypeBulletedItem = "bulleted_list_item"
	TypeNumberedItem = "numbered_list_item"
	TypeToDo         = "to_do"
	TypeCode         = "code"
	TypeQuote        = "quote"
	TypeDivider      = "divider"

	// Nested list items are indented by this many spaces per level.
	indentWidth = 2
)

// Block is one structural element of a document.
type Block struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Depth    int    `json:"depth,omitempty"`
	Checked  bool   `json:"checked,omitempty"`
	Language string `json:"language,omitempty"`
}

// Parse converts markdown into blocks. It is best effort: anything it does not
// recognize becomes a paragraph. It fails only on input that is not text.
func Parse(markdown string) ([]Block, error) {
	if !utf8.ValidString(markdown) {
		return nil, fmt.Errorf("%w: content is not valid UTF-8", apperrors.ErrInvalidInput)
	}
	if strings.ContainsRune(markdown, 0) {
		return nil, fmt.Errorf("%w: content contains NUL bytes", apperrors.ErrInvalidInput)
	}

	p := &parser{lines: strings.Split(strings.ReplaceAll(markdown, "\r\n", "\n"), "\n")}
	return p.parse(), nil
}

type parser struct {
	lines  []string
	pos    int
	blocks []Block
	para   []string
}

func (p *parser) parse() []Block {
	for p.pos < len(p.lines) {
		line := p.lines[p.pos]
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "":
			p.flushParagraph()
		case strings.HasPrefix(trimmed, "```"):
			p.flushParagraph()
			p.parseCode(strings.TrimSpace(strings.TrimPrefix(trimmed, "```")))
			continue
		case trimmed == "---" || trimmed == "***" || trimmed == "___":
			p.flushParagraph()
			p.blocks = append(p.blocks, Block{Type: TypeDivider})
		case strings.HasPrefix(trimmed, "### "):
			p.heading(TypeHeading3, trimmed[4:])
		case strings.HasPrefix(trimmed, "## "):
			p.heading(TypeHeading2, trimmed[3:])
		case strings.HasPrefix(trimmed, "# "):
			p.heading(TypeHeading1, trimmed[2:])
		case strings.HasPrefix(trimmed, ">"):
			p.flushParagraph()
			p.parseQuote()
			continue
		default:
			if block, ok := listItem(line); ok {
				p.flushParagraph()
				p.blocks = append(p.blocks, block)
			} else {
				p.para = append(p.para, trimmed)
			}
		}
		p.pos++
	}
	p.flushParagraph()
	return p.blocks
}

func (p *parser) heading(kind, text string) {
	p.flushParagraph()
	p.blocks = append(p.blocks, Block{Type: kind, Text: strings.TrimSpace(text)})
}

func (p *parser) flushParagraph() {
	if len(p.para) == 0 {
		return
	}
	p.blocks = append(p.blocks, Block{Type: TypeParagraph, Text: strings.Join(p.para, "\n")})
	p.para = nil
}

// parseCode consumes a fenced code block. An unterminated fence runs to the end of input.
func (p *parser) parseCode(lang string) {
	p.pos++
	var body []string
	for p.pos < len(p.lines) {
		if strings.HasPrefix(strings.TrimSpace(p.lines[p.pos]), "```") {
			p.pos++
			break
		}
		body = append(body, p.lines[p.pos])
		p.pos++
	}
	p.blocks = append(p.blocks, Block{Type: TypeCode, Text: strings.Join(body, "\n"), Language: lang})
}

func (p *parser) parseQuote() {
	var body []string
	for p.pos < len(p.lines) {
		trimmed := strings.TrimSpace(p.lines[p.pos])
		if !strings.HasPrefix(trimmed, ">") {
			break
		}
		body = append(body, strings.TrimSpace(strings.TrimPrefix(trimmed, ">")))
		p.pos++
	}
	p.blocks = append(p.blocks, Block{Type: TypeQuote, Text: strings.Join(body, "\n")})
}

func listItem(line string) (Block, bool) {
	indent := len(line) - len(strings.TrimLeft(line, " \t"))
	depth := indent / indentWidth
	rest := strings.TrimLeft(line, " \t")

	for _, bullet := range []string{"- ", "* ", "+ "} {
		if !strings.HasPrefix(rest, bullet) {
			continue
		}
		text := rest[len(bullet):]
		switch {
		case strings.HasPrefix(text, "[ ] "):
			return Block{Type: TypeToDo, Text: text[4:], Depth: depth}, true
		case strings.HasPrefix(text, "[x] "), strings.HasPrefix(text, "[X] "):
			return Block{Type: TypeToDo, Text: text[4:], Depth: depth, Checked: true}, true
		}
		return Block{Type: TypeBulletedItem, Text: text, Depth: depth}, true
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 && strings.HasPrefix(rest[digits:], ". ") {
		return Block{Type: TypeNumberedItem, Text: rest[digits+2:], Depth: depth}, true
	}
	return Block{}, false
}

// Render converts blocks back to markdown.
func Render(blocks []Block) string {
	var builder strings.Builder
	for i := range blocks {
		block := &blocks[i]
		builder.WriteString(renderBlock(block))

		// Consecutive list items stay tight; everything else is separated by a blank line.
		if i < len(blocks)-1 && !(isListItem(block) && isListItem(&blocks[i+1])) {
			builder.WriteString("\n")
		}
	}
	return builder.String()
}

func renderBlock(block *Block) string {
	indent := strings.Repeat(" ", block.Depth*indentWidth)

	switch block.Type {
	case TypeHeading1:
		return fmt.Sprintf("# %s\n", block.Text)
	case TypeHeading2:
		return fmt.Sprintf("## %s\n", block.Text)
	case TypeHeading3:
		return fmt.Sprintf("### %s\n", block.Text)
	case TypeBulletedItem:
		return fmt.Sprintf("%s- %s\n", indent, block.Text)
	case TypeNumberedItem:
		return fmt.Sprintf("%s1. %s\n", indent, block.Text)
	case TypeToDo:
		checkbox := "[ ]"
		if block.Checked {
			checkbox = "[x]"
		}
		return fmt.Sprintf("%s- %s %s\n", indent, checkbox, block.Text)
	case TypeCode:
		return fmt.Sprintf("```%s\n%s\n```\n", block.Language, block.Text)
	case TypeQuote:
		var sb strings.Builder
		for _, line := range strings.Split(block.Text, "\n") {
			sb.WriteString(fmt.Sprintf("> %s\n", line))
		}
		return sb.String()
	case TypeDivider:
		return "---\n"
	default:
		if block.Text == "" {
			return "\n"
		}
		return block.Text + "\n"
	}
}

func isListItem(block *Block) bool {
	return block.Type == TypeBulletedItem || block.Type == TypeNumberedItem || block.Type == TypeToDo
}
