// Package loader parses exported LLM conversations into role/text turns.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/hyperjump/kioku/internal/models"
)

// Extensions are the file types the loader understands.
var Extensions = []string{".txt", ".md"}

// txtHeader matches "User:" or "Claude:" alone on a line.
var txtHeader = regexp.MustCompile(`(?m)^(User|Claude):[ \t]*$`)

// mdHeader matches "**User:**" or "**Assistant:**" alone on a line. The colon sits inside the bold markers.
var mdHeader = regexp.MustCompile(`(?m)^\*\*(User|Assistant):\*\*[ \t]*$`)

var roleNames = map[string]models.Role{
	"User":      models.RoleUser,
	"Claude":    models.RoleAssistant,
	"Assistant": models.RoleAssistant,
}

// Message is one parsed turn before it is stored.
type Message struct {
	Role models.Role
	Text string
}

// Conversation is the parsed content of one export file.
type Conversation struct {
	Path     string
	Messages []Message
}

// Supported reports whether path has an extension the loader parses.
func Supported(path string) bool {
	return slices.Contains(Extensions, strings.ToLower(filepath.Ext(path)))
}

// LoadFile reads path and parses it by extension: .md uses the markdown format,
// everything else the plain text format.
func LoadFile(path string) ([]Message, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return ParseBytes(content, strings.ToLower(filepath.Ext(path))), nil
}

// ParseBytes parses content for the given extension (with leading dot).
// Invalid UTF-8 sequences are replaced with the replacement character.
func ParseBytes(content []byte, ext string) []Message {
	text := string(content)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}
	if ext == ".md" {
		return ParseMarkdown(text)
	}
	return ParseText(text)
}

// ParseText parses a plain text export with "User:" and "Claude:" headers.
func ParseText(text string) []Message {
	return parse(text, txtHeader)
}

// ParseMarkdown parses a markdown export with "**User:**" and "**Assistant:**" headers.
func ParseMarkdown(text string) []Message {
	return parse(text, mdHeader)
}

// parse splits text at header lines. Text before the first header is ignored; bodies
// are trimmed and empty ones dropped.
func parse(text string, header *regexp.Regexp) []Message {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	locs := header.FindAllStringSubmatchIndex(text, -1)
	var out []Message
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		body := strings.TrimSpace(text[loc[1]:end])
		if body == "" {
			continue
		}
		out = append(out, Message{Role: roleNames[text[loc[2]:loc[3]]], Text: body})
	}
	return out
}

// LoadDirectory loads every supported file directly under dir in name order.
// Files that yield no messages are skipped.
func LoadDirectory(dir string) ([]Conversation, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	var out []Conversation
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !Supported(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		msgs, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			out = append(out, Conversation{Path: path, Messages: msgs})
		}
	}
	return out, nil
}
