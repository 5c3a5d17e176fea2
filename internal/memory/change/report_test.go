package change

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChangeReportWellFormed(t *testing.T) {
	text := `Here's what I did.

[CHANGE_REPORT]
type: refactor
files: a.rs, b.rs
symbols: foo, bar
summary: renamed foo to bar across the module
[/CHANGE_REPORT]

Let me know if you want anything else.`

	reports := ParseChangeReports(text)
	require.Len(t, reports, 1)
	r := reports[0]
	assert.Equal(t, "refactor", r.Type)
	assert.Equal(t, []string{"a.rs", "b.rs"}, r.Files)
	assert.Equal(t, []string{"foo", "bar"}, r.Symbols)
	assert.Equal(t, "renamed foo to bar across the module", r.Summary)
}

func TestParseChangeReportRoundTripPreservesFields(t *testing.T) {
	original := Report{Type: "fix", Files: []string{"x.go"}, Symbols: []string{"Handle"}, Summary: "fixed a bug"}
	text := "[CHANGE_REPORT]\ntype: " + original.Type + "\nfiles: " + original.Files[0] +
		"\nsymbols: " + original.Symbols[0] + "\nsummary: " + original.Summary + "\n[/CHANGE_REPORT]"

	reports := ParseChangeReports(text)
	require.Len(t, reports, 1)
	assert.Equal(t, original, reports[0])
}

func TestParseChangeReportMalformedBlockIgnored(t *testing.T) {
	text := `[CHANGE_REPORT]
type: fix
[/CHANGE_REPORT]` // missing required summary field

	reports := ParseChangeReports(text)
	assert.Empty(t, reports)
}

func TestParseChangeReportNoBlockReturnsEmpty(t *testing.T) {
	reports := ParseChangeReports("just a plain AI response with no report")
	assert.Empty(t, reports)
}

func TestParseChangeReportMultipleBlocks(t *testing.T) {
	text := `[CHANGE_REPORT]
type: fix
summary: first fix
[/CHANGE_REPORT]
[CHANGE_REPORT]
type: feature
summary: second change
[/CHANGE_REPORT]`

	reports := ParseChangeReports(text)
	require.Len(t, reports, 2)
	assert.Equal(t, "first fix", reports[0].Summary)
	assert.Equal(t, "second change", reports[1].Summary)
}
