// Package cli provides output helpers for the kioku command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hyperjump/kioku/internal/models"
)

// SearchOutputFormat is the format for search result output.
type SearchOutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText SearchOutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON SearchOutputFormat = "json"
)

// WriteSearchResults writes search results to w in the given format.
// Use OutputJSON for parseable output consumable by other apps.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format SearchOutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, response)
	}
	fmt.Fprintf(w, "\nFound %d results in %dms\n\n", response.Total, response.QueryTime)
	for _, result := range response.Results {
		writeOneResult(w, result)
	}
	return nil
}

func writeOneResult(w io.Writer, result *models.SearchResult) {
	fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Rank: %d | Score: %.4f (Keyword: %.4f, Semantic: %.4f)\n",
		result.Rank, result.Score, result.KeywordScore, result.SemanticScore)
	if result.Turn != nil {
		fmt.Fprintf(w, "Turn: %s [%s] %s\n", result.Turn.ID, result.Turn.Role, result.Turn.CreatedAt.Format("2006-01-02 15:04"))
	} else {
		fmt.Fprintf(w, "Turn: %s\n", result.Chunk.TurnID)
	}
	text := result.Snippet
	if text == "" {
		text = Truncate(result.Chunk.Text, 200)
	}
	fmt.Fprintf(w, "\n%s\n", text)
	fmt.Fprintln(w)
}

// PrintSearchResults prints search results to stdout in text format.
func PrintSearchResults(response *models.SearchResponse) {
	_ = WriteSearchResults(os.Stdout, response, OutputText)
}

// WriteIngestResult reports a single remembered turn.
func WriteIngestResult(w io.Writer, turn models.Turn, chunks int, format SearchOutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, struct {
			Turn   models.Turn `json:"turn"`
			Chunks int         `json:"chunks"`
		}{turn, chunks})
	}
	fmt.Fprintf(w, "Remembered turn %s (%s, %d chunks)\n", turn.ID, turn.Role, chunks)
	return nil
}

// WriteStatus writes a store summary.
func WriteStatus(w io.Writer, st models.Status, format SearchOutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, st)
	}
	fmt.Fprintf(w, "Turns:          %d\n", st.Turns)
	fmt.Fprintf(w, "Chunks:         %d\n", st.Chunks)
	fmt.Fprintf(w, "Vectors:        %d / %d (%s, %d dims)\n", st.IndexedVectors, st.IndexCapacity, st.IndexType, st.Dimensions)
	fmt.Fprintf(w, "Keyword docs:   %d\n", st.KeywordDocs)
	fmt.Fprintf(w, "Embedding:      %s\n", st.Embedding)
	fmt.Fprintf(w, "Disk usage:     %s\n", FormatBytes(st.DiskUsageBytes))
	if st.WatchedDirs > 0 {
		fmt.Fprintf(w, "Watched dirs:   %d\n", st.WatchedDirs)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Truncate truncates s to maxLen runes and appends "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}

// TruncateWords returns up to maxWords from the space-separated string.
func TruncateWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	return strings.Join(words[:maxWords], " ") + "..."
}
