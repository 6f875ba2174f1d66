package converter

import (
	"fmt"
	"strings"
	"time"

	"github.com/mdreader/mdsync/internal/model"
	"github.com/mdreader/mdsync/internal/version"
)

const (
	maxSlugLength   = 100
	defaultSlug     = "untitled"
	exportExtension = ".md"
)

// Slug makes a title safe for use as a file name. Only [a-z][a-z0-9-]* survives.
func Slug(title string) string {
	title = strings.ToLower(title)

	var result strings.Builder
	for _, r := range title {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			result.WriteRune(r)
		} else if r == ' ' || r == '-' || r == '_' || r == '/' || r == '\\' || r == ':' || r == '|' {
			result.WriteRune('-')
		}
	}

	slug := result.String()
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	slug = strings.Trim(slug, "-")

	for len(slug) > 0 && (slug[0] < 'a' || slug[0] > 'z') {
		slug = slug[1:]
	}
	if len(slug) > maxSlugLength {
		slug = slug[:maxSlugLength]
	}
	slug = strings.TrimRight(slug, "-")

	if slug == "" {
		slug = defaultSlug
	}
	return slug
}

// ExportFilename returns the file name a document is exported under.
func ExportFilename(doc model.Document) string {
	return Slug(doc.Title) + exportExtension
}

// Export renders a document as a markdown file with a YAML frontmatter header.
// content is the text to export, normally the projection of the CRDT state.
func Export(doc model.Document, content string) []byte {
	var sb strings.Builder
	sb.WriteString("---\n")
	sb.WriteString(fmt.Sprintf("id: %s\n", doc.ID))
	if remote := doc.RemoteID(); remote != "" && remote != doc.ID {
		sb.WriteString(fmt.Sprintf("cloud_id: %s\n", remote))
	}
	sb.WriteString(fmt.Sprintf("title: %q\n", doc.Title))
	sb.WriteString(fmt.Sprintf("type: %s\n", doc.Type))
	if len(doc.Tags) > 0 {
		sb.WriteString("tags:\n")
		for _, tag := range doc.Tags {
			sb.WriteString(fmt.Sprintf("  - %q\n", tag))
		}
	}
	sb.WriteString(fmt.Sprintf("sync_status: %s\n", doc.Sync.Status))
	sb.WriteString(fmt.Sprintf("updated_at: %s\n", doc.UpdatedAt.UTC().Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("exported_by: mdsync %s\n", version.Version))
	sb.WriteString("---\n\n")

	sb.WriteString(fmt.Sprintf("# %s\n\n", doc.Title))
	sb.WriteString(content)
	if content != "" && !strings.HasSuffix(content, "\n") {
		sb.WriteString("\n")
	}
	return []byte(sb.String())
}
