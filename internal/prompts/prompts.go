package prompts

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ziadkadry99/nabokov/internal/cards"
)

// ChildType is the kind of card generated from a text selection.
type ChildType string

const (
	ChildExplanation ChildType = "explanation"
	ChildDefinition  ChildType = "definition"
	ChildDeepDive    ChildType = "deep-dive"
	ChildExamples    ChildType = "examples"
)

// Valid reports whether t is a known child type.
func (t ChildType) Valid() bool {
	switch t {
	case ChildExplanation, ChildDefinition, ChildDeepDive, ChildExamples:
		return true
	}
	return false
}

var childInstructions = map[ChildType]string{
	ChildExplanation: "Provide a general overview and explanation",
	ChildDefinition:  "Give a precise, technical definition",
	ChildDeepDive:    "Provide a comprehensive analysis with examples",
	ChildExamples:    "Give practical use cases and applications",
}

var childTitlePrefixes = map[ChildType]string{
	ChildExplanation: "Explaining",
	ChildDefinition:  "Definition of",
	ChildDeepDive:    "Deep Dive into",
	ChildExamples:    "Examples of",
}

// Selection is text the user highlighted on a card, with its surroundings.
type Selection struct {
	Text          string `json:"text" validate:"required"`
	ContextBefore string `json:"contextBefore"`
	ContextAfter  string `json:"contextAfter"`
}

const childPromptTemplate = `%s of "%s".

Context from parent card:
- Title: %s
- Domain: %s
- URL: %s
- Tags: %s

Surrounding context:
...%s [%s] %s...

Please respond with a JSON object in this exact format:
{
  "title": "Brief title for the concept",
  "content": "Detailed explanation in HTML format with proper paragraphs and formatting",
  "tags": ["tag1", "tag2", "tag3"]
}

Make the content informative and well-structured with proper HTML tags (p, h3, ul, li, strong, etc.).`

// ChildPrompt builds the user prompt for a selection-triggered child card.
func ChildPrompt(sel Selection, parent *cards.Card, t ChildType) string {
	return fmt.Sprintf(childPromptTemplate,
		childInstructions[t], sel.Text,
		parent.Metadata.Title, parent.Metadata.Domain, parent.Metadata.URL, joinTags(parent.Tags),
		sel.ContextBefore, sel.Text, sel.ContextAfter)
}

// SuggestedTitle is the provisional title shown while a child card generates.
func SuggestedTitle(selected string, t ChildType) string {
	return fmt.Sprintf("%s: %s", childTitlePrefixes[t], Truncate(selected, 50))
}

// ButtonVars are the template variables available to button prompts.
func ButtonVars(source *cards.Card, customContext string) map[string]string {
	return map[string]string{
		"content":       PlainText(source.Content),
		"title":         source.Metadata.Title,
		"domain":        source.Metadata.Domain,
		"customContext": customContext,
	}
}

// Strategy decides how fill-in output combines with a card's content.
type Strategy string

const (
	StrategyReplace Strategy = "replace"
	StrategyAppend  Strategy = "append"
	StrategyMerge   Strategy = "merge"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	return s == StrategyReplace || s == StrategyAppend || s == StrategyMerge
}

var strategyInstructions = map[Strategy]string{
	StrategyReplace: "Generate completely new content that synthesizes all the connected cards. Create a comprehensive, cohesive explanation that integrates insights from all sources.",
	StrategyAppend:  "Generate new content to ADD to the existing note. Build upon what's already there, adding new perspectives and information from the connected cards. Your output will be appended to the existing content.",
	StrategyMerge:   "Generate content that intelligently MERGES with the existing note. Preserve the key insights from the original while weaving in new information from the connected cards. Aim for seamless integration.",
}

var strategyLabels = map[Strategy]string{
	StrategyReplace: "Replace content with synthesis",
	StrategyAppend:  "Add synthesis to existing content",
	StrategyMerge:   "Merge synthesis with existing content",
}

const fillInBase = `You are an expert knowledge synthesizer. Your task is to create coherent, well-structured content by integrating information from multiple connected notes.`

const fillInGuidelines = `Guidelines:
- Be concise but comprehensive
- Maintain a clear, logical structure
- Integrate information naturally (don't just list sources)
- Preserve important details and nuances
- Use markdown formatting for readability
- If sources conflict, note the different perspectives`

// FillInSystemPrompt returns the system prompt for strategy s.
func FillInSystemPrompt(s Strategy) string {
	return fillInBase + "\n\n" + strategyInstructions[s] + "\n\n" + fillInGuidelines
}

// FillInContext renders one numbered block per connected card.
func FillInContext(connected []cards.Card) string {
	parts := make([]string, 0, len(connected))
	for i, c := range connected {
		cardType := c.CardType
		if cardType == "" {
			cardType = cards.CardTypeClipped
		}
		parts = append(parts, fmt.Sprintf("[Connected Card %d: %q]\nType: %s\nSource: %s\nTags: %s\n\n%s\n\n---",
			i+1, c.Title(), cardType, c.Metadata.URL, joinTags(c.Tags), PlainText(c.Content)))
	}
	return strings.Join(parts, "\n\n")
}

// FillInUserPrompt builds the user prompt for filling target from context.
func FillInUserPrompt(target *cards.Card, context, guidance string) string {
	existing := target.Content
	if strings.TrimSpace(existing) == "" {
		existing = "[Empty - needs filling]"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Target Card\nTitle: %q\nTags: %s\n\nCurrent Content:\n%s\n\n---\n\n", target.Title(), joinTags(target.Tags), existing)
	fmt.Fprintf(&b, "# Connected Cards (Sources)\n\n%s\n\n---\n\n# Task\nSynthesize the information from the connected cards above", context)
	if g := strings.TrimSpace(guidance); g != "" {
		fmt.Fprintf(&b, " with the following guidance: %q", g)
	}
	b.WriteString("\n\nGenerate well-structured content in markdown format.")
	return b.String()
}

// FillInPreview describes what a fill-in will do.
func FillInPreview(s Strategy, connectedCount int) string {
	plural := "s"
	if connectedCount == 1 {
		plural = ""
	}
	return fmt.Sprintf("Will %s using %d connected card%s.", strings.ToLower(strategyLabels[s]), connectedCount, plural)
}

// BeautifyMode selects a beautification prompt.
type BeautifyMode string

// ModeOrganizeContent restructures content as markdown.
const ModeOrganizeContent BeautifyMode = "organize-content"

var beautifyPrompts = map[BeautifyMode]string{
	ModeOrganizeContent: `You are a content organization expert helping to structure information.

INPUT:
- Raw HTML content (possibly unstructured)

TASK:
Organize the content into clean, readable GitHub-flavored Markdown:
1. Extract key information
2. Create logical sections with headings (##, ###)
3. Use lists for enumerated items
4. Use tables for structured data
5. **Bold** important terms
6. Add clear visual hierarchy

CRITICAL RULES:
- Return ONLY GitHub-flavored Markdown (no HTML tags)
- Use ## for main sections, ### for subsections
- Use tables for any structured data or comparisons
- Use **bold** for emphasis, not <strong> tags
- Preserve all original information, just reorganize it
- NO code fences around the output - just raw markdown

Return the beautified Markdown directly, with no explanations or code fences.`,
}

// BeautifySystemPrompt returns the system prompt for mode, or false if the
// mode is unknown.
func BeautifySystemPrompt(mode BeautifyMode) (string, bool) {
	p, ok := beautifyPrompts[mode]
	return p, ok
}

// BeautifyUserPrompt wraps the card HTML.
func BeautifyUserPrompt(contentHTML string) string {
	return "Please beautify the following HTML content into clean GitHub-flavored Markdown:\n\n" + contentHTML
}

// BeautifyFallback is the markdown used when the model cannot be reached.
const BeautifyFallback = `## Overview

The content has been reorganized into logical sections with clear headings, making it easier to scan and understand.

### Key Points

| Feature | Description |
|---------|-------------|
| **Structured hierarchy** | Information flows logically from general to specific |
| **Visual separation** | Clear sections help with comprehension |

- Clean markdown formatting with tables
- Organized into logical sections

**Note:** This is a placeholder rendition. Configure an API key to beautify the actual content.`

// CardChatSystemPrompt grounds a chat about one card.
func CardChatSystemPrompt(c *cards.Card) string {
	return fmt.Sprintf(`You are a helpful assistant discussing a note the user saved.

Title: %s
Source: %s

Content:
%s

Answer questions about this content concisely. Say so when the content does not cover the question.`,
		c.Title(), c.Metadata.URL, PlainText(c.Content))
}

// ElementChatSystemPrompt grounds a chat about an element on a web page.
func ElementChatSystemPrompt(pageURL, pageTitle, tagName, text string) string {
	return fmt.Sprintf(`You are a helpful assistant discussing an element on a web page.

Page: %s (%s)
Element: <%s>

Element text:
%s

Answer questions about this element and its page context concisely.`,
		pageTitle, pageURL, tagName, Truncate(text, 2000))
}

// MaxPageContent bounds the page text placed in a page chat prompt.
const MaxPageContent = 16000

const maxPageHeadings = 10

// PageContext is what a page chat knows about the page it discusses.
type PageContext struct {
	URL         string            `json:"url" validate:"required,url"`
	Title       string            `json:"title" validate:"max=500"`
	Description string            `json:"description,omitempty"`
	Content     string            `json:"content"`
	Headings    []string          `json:"headings,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// PageChatSystemPrompt grounds a chat about a whole web page.
func PageChatSystemPrompt(pc PageContext) string {
	var b strings.Builder
	b.WriteString("You are helping the user understand and interact with a web page.\n\n")
	b.WriteString("## Page Details\n")
	fmt.Fprintf(&b, "- **URL**: %s\n", pc.URL)
	fmt.Fprintf(&b, "- **Title**: %s\n", pc.Title)
	if pc.Description != "" {
		fmt.Fprintf(&b, "- **Description**: %s\n", pc.Description)
	}

	if len(pc.Headings) > 0 {
		b.WriteString("\n## Main Headings\n")
		headings := pc.Headings
		if len(headings) > maxPageHeadings {
			headings = headings[:maxPageHeadings]
		}
		for _, h := range headings {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}

	if len(pc.Metadata) > 0 {
		b.WriteString("\n## Metadata\n")
		keys := make([]string, 0, len(pc.Metadata))
		for k := range pc.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- **%s**: %s\n", k, pc.Metadata[k])
		}
	}

	content := pc.Content
	if r := []rune(content); len(r) > MaxPageContent {
		content = string(r[:MaxPageContent]) + "\n\n[Content truncated...]"
	}
	b.WriteString("\n## Page Content\n")
	b.WriteString(content)
	b.WriteString("\n\nAnswer questions about this page, provide explanations, summaries, or analysis as requested. Be concise and helpful.")
	return b.String()
}

func joinTags(tags []string) string {
	if len(tags) == 0 {
		return "none"
	}
	return strings.Join(tags, ", ")
}
