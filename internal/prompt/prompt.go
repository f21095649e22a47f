// Package prompt assembles generation prompts from instructions,
// conversation history and ranked sources under a hard size budget.
//
// Assembly is deterministic: identical inputs always render the identical
// prompt, byte for byte.
package prompt

import (
	"fmt"
	"strings"
)

// Message is one turn of conversation history.
type Message struct {
	Role string
	Text string
}

// Source is a retrieval result to cite in the prompt, highest score first.
type Source struct {
	Title string
	Text  string
}

// Assembler renders prompts under a total size budget measured in rendered
// bytes, section headers and per-item formatting included. Instructions and
// the question are always included; history is capped at a fraction of the
// budget; the remainder is filled by sources in the order given, truncating
// the source that crosses the boundary and dropping the rest.
type Assembler struct {
	instructions    string
	budget          int
	historyFraction float64
}

// New creates an Assembler. budget must be positive and historyFraction must
// be in [0, 1].
func New(instructions string, budget int, historyFraction float64) (*Assembler, error) {
	if strings.TrimSpace(instructions) == "" {
		return nil, fmt.Errorf("instructions must not be empty")
	}
	if budget < 1 {
		return nil, fmt.Errorf("prompt budget must be positive, got %d", budget)
	}
	if historyFraction < 0 || historyFraction > 1 {
		return nil, fmt.Errorf("history fraction %f must be in [0, 1]", historyFraction)
	}
	return &Assembler{
		instructions:    instructions,
		budget:          budget,
		historyFraction: historyFraction,
	}, nil
}

const (
	conversationHeader = "\n## Conversation\n"
	sourcesHeader      = "\n## Sources\n"
	questionHeader     = "\n## Question\n"
)

// messageCost is the rendered size of one history line, role prefix and
// trailing newline included.
func messageCost(m Message) int {
	return len(m.Role) + len(": ") + len(m.Text) + len("\n")
}

// Build renders the prompt. history is ordered oldest first; when it exceeds
// its share of the budget, whole messages are dropped from the oldest end.
// sources are consumed in the order given and never reordered.
func (a *Assembler) Build(question string, history []Message, sources []Source) string {
	remaining := a.budget - len(a.instructions) - len("\n") -
		len(questionHeader) - len(question) - len("\n")
	if remaining < 0 {
		remaining = 0
	}

	historyBudget := int(float64(a.budget)*a.historyFraction) - len(conversationHeader)
	kept := a.selectHistory(history, historyBudget)
	if len(kept) > 0 {
		remaining -= len(conversationHeader)
		for _, m := range kept {
			remaining -= messageCost(m)
		}
		if remaining < 0 {
			remaining = 0
		}
	}

	var b strings.Builder
	b.WriteString(a.instructions)
	b.WriteString("\n")

	if len(kept) > 0 {
		b.WriteString(conversationHeader)
		for _, m := range kept {
			b.WriteString(m.Role)
			b.WriteString(": ")
			b.WriteString(m.Text)
			b.WriteString("\n")
		}
	}

	cited := fitSources(sources, remaining)
	if len(cited) > 0 {
		b.WriteString(sourcesHeader)
		for i, s := range cited {
			fmt.Fprintf(&b, "[%d] %s\n%s\n", i+1, s.Title, s.Text)
		}
	}

	b.WriteString(questionHeader)
	b.WriteString(question)
	b.WriteString("\n")
	return b.String()
}

// selectHistory walks backward from the newest message, keeping whole
// messages until the history budget would be exceeded, and returns the kept
// messages in their original order. Each message is charged at its rendered
// cost, prefix and newline included.
func (a *Assembler) selectHistory(history []Message, budget int) []Message {
	used := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		if used+messageCost(history[i]) > budget {
			break
		}
		used += messageCost(history[i])
		start = i
	}
	return history[start:]
}

// fitSources keeps sources in order while budget lasts, charging each source
// its full rendered cost: the citation marker, the title line and the
// trailing newline alongside the text. The source whose text crosses the
// boundary is truncated rather than dropped, provided a non-trivial prefix
// fits; everything after it is dropped. The section header is charged once
// up front.
func fitSources(sources []Source, budget int) []Source {
	const minUseful = 40

	budget -= len(sourcesHeader)
	var out []Source
	for i, s := range sources {
		overhead := len(fmt.Sprintf("[%d] ", i+1)) + len(s.Title) + 2*len("\n")
		avail := budget - overhead
		if avail <= 0 {
			break
		}
		if len(s.Text) <= avail {
			out = append(out, s)
			budget -= overhead + len(s.Text)
			continue
		}
		if avail >= minUseful {
			out = append(out, Source{Title: s.Title, Text: s.Text[:avail]})
		}
		break
	}
	return out
}
