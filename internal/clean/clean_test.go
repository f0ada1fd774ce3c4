package clean

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPage_StripsBoilerplateTags(t *testing.T) {
	raw := `<html><head><title>Admissions | Example U</title>
		<script>var x = 1;</script>
		<style>.a { color: red }</style>
	</head><body>
		<nav>Home About Apply</nav>
		<header>Example University</header>
		<main><p>Apply by January 15.</p></main>
		<aside>Related links</aside>
		<form><input name="q"></form>
		<footer>Copyright 2026</footer>
	</body></html>`

	res, err := Page(raw, "text/html; charset=utf-8", "example.edu")
	require.NoError(t, err)

	assert.Equal(t, "Admissions | Example U", res.Title)
	assert.Equal(t, "Admissions | Example U\nApply by January 15.", res.Text)
	assert.NotContains(t, res.Text, "var x")
	assert.NotContains(t, res.Text, "Home About Apply")
	assert.NotContains(t, res.Text, "Copyright")
	assert.NotContains(t, res.Text, "Related links")
}

func TestPage_StripsBoilerplateClassesAndIDs(t *testing.T) {
	raw := `<html><body>
		<div class="navbar">top nav</div>
		<div class="content sidebar">side content</div>
		<div id="ad-section">buy things</div>
		<div id="main-modal">popup</div>
		<div class="comment-list">user comments</div>
		<div class="widget-area">widgets</div>
		<div class="masthead">banner</div>
		<p>Degree programs in engineering.</p>
	</body></html>`

	res, err := Page(raw, "text/html", "example.edu")
	require.NoError(t, err)

	assert.Equal(t, "Degree programs in engineering.", res.Text)
}

func TestPage_ClassSubstringNotMatched(t *testing.T) {
	// "commentary" contains "comment" but is not a word-boundary match.
	raw := `<html><body><div class="commentary"><p>Analysis of the budget.</p></div></body></html>`

	res, err := Page(raw, "text/html", "example.edu")
	require.NoError(t, err)
	assert.Contains(t, res.Text, "Analysis of the budget.")
}

func TestPage_CollapsesWhitespace(t *testing.T) {
	raw := "<html><body><p>one\n\n   two\t\tthree</p></body></html>"

	res, err := Page(raw, "text/html", "example.edu")
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo three", res.Text)
}

func TestPage_PreservesParagraphBreaks(t *testing.T) {
	raw := "<html><body><p>first paragraph</p>\n<p>second paragraph</p></body></html>"

	res, err := Page(raw, "text/html", "example.edu")
	require.NoError(t, err)
	assert.Equal(t, "first paragraph\nsecond paragraph", res.Text)
}

func TestPage_Markdown(t *testing.T) {
	raw := `<html><body><h1>Tuition</h1><p>See the <a href="/costs">cost page</a>.</p></body></html>`

	res, err := Page(raw, "text/html", "example.edu")
	require.NoError(t, err)
	assert.Contains(t, res.Markdown, "# Tuition")
	assert.Contains(t, res.Markdown, "example.edu/costs")
}

func TestPage_EmptyAfterCleaning(t *testing.T) {
	raw := `<html><body><nav>only nav here</nav></body></html>`

	res, err := Page(raw, "text/html", "example.edu")
	require.NoError(t, err)
	assert.Empty(t, res.Text)
	assert.Empty(t, res.Markdown)
}

func TestPage_NFCNormalization(t *testing.T) {
	// e + combining acute accent should normalize to the precomposed form.
	raw := "<html><body><p>résumé</p></body></html>"

	res, err := Page(raw, "text/html", "example.edu")
	require.NoError(t, err)
	assert.Equal(t, "résumé", res.Text)
}

func TestPage_Latin1Charset(t *testing.T) {
	raw := "<html><head><meta charset=\"iso-8859-1\"></head><body><p>caf\xe9</p></body></html>"

	res, err := Page(raw, "text/html; charset=iso-8859-1", "example.edu")
	require.NoError(t, err)
	assert.Equal(t, "café", res.Text)
}

func TestPage_LargeDocument(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("<html><body>")
	for i := 0; i < 1000; i++ {
		sb.WriteString("<p>paragraph text</p>")
	}
	sb.WriteString("</body></html>")

	res, err := Page(sb.String(), "text/html", "example.edu")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Text, "paragraph text"))
}
