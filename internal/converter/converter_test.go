package converter

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdreader/mdsync/internal/apperrors"
)

func TestParse_Blocks(t *testing.T) {
	t.Parallel()

	input := "# Title\n\nFirst line\nsecond line\n\n## Sub\n- one\n  - nested\n- [x] done\n- [ ] todo\n3. third\n\n> quoted\n> more\n\n---\n```go\nfmt.Println()\n```\n### Small"

	blocks, err := Parse(input)
	require.NoError(t, err)

	want := []Block{
		{Type: TypeHeading1, Text: "Title"},
		{Type: TypeParagraph, Text: "First line\nsecond line"},
		{Type: TypeHeading2, Text: "Sub"},
		{Type: TypeBulletedItem, Text: "one"},
		{Type: TypeBulletedItem, Text: "nested", Depth: 1},
		{Type: TypeToDo, Text: "done", Checked: true},
		{Type: TypeToDo, Text: "todo"},
		{Type: TypeNumberedItem, Text: "third"},
		{Type: TypeQuote, Text: "quoted\nmore"},
		{Type: TypeDivider},
		{Type: TypeCode, Text: "fmt.Println()", Language: "go"},
		{Type: TypeHeading3, Text: "Small"},
	}
	assert.Equal(t, want, blocks)
}

func TestParse_Empty(t *testing.T) {
	t.Parallel()

	blocks, err := Parse("")
	require.NoError(t, err)
	assert.Empty(t, blocks)

	blocks, err = Parse("\n\n  \n")
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func TestParse_UnterminatedFence(t *testing.T) {
	t.Parallel()

	blocks, err := Parse("```\nline one\nline two")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, TypeCode, blocks[0].Type)
	assert.Equal(t, "line one\nline two", blocks[0].Text)
}

func TestParse_RejectsBinary(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"bad \xff\xfe utf8", "nul\x00byte"} {
		_, err := Parse(input)
		require.Error(t, err)
		assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))
	}
}

func TestRender_RoundTrip(t *testing.T) {
	t.Parallel()

	blocks := []Block{
		{Type: TypeHeading1, Text: "Title"},
		{Type: TypeParagraph, Text: "Body"},
		{Type: TypeBulletedItem, Text: "a"},
		{Type: TypeBulletedItem, Text: "b", Depth: 1},
		{Type: TypeToDo, Text: "c", Checked: true},
		{Type: TypeCode, Text: "x := 1", Language: "go"},
		{Type: TypeQuote, Text: "q"},
		{Type: TypeDivider},
	}

	out := Render(blocks)
	assert.Equal(t, "# Title\n\nBody\n\n- a\n  - b\n- [x] c\n\n```go\nx := 1\n```\n\n> q\n\n---\n", out)

	again, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, blocks, again)
}
