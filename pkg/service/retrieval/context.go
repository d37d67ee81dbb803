package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/secmon-lab/mnemosyne/pkg/domain/model"
	"github.com/secmon-lab/mnemosyne/pkg/domain/types"
)

// RetrieveAsContext runs the same retrieval and formats the results into
// labeled sections for prompt injection. Returns an empty string when
// nothing was found.
func (r *Retriever) RetrieveAsContext(ctx context.Context, query string, opts Options) (string, error) {
	result, err := r.Retrieve(ctx, query, opts)
	if err != nil {
		return "", err
	}
	return FormatContext(result.Memories), nil
}

// FormatContext renders retrieved memories as sections: compacted
// summaries with their decisions and facts, known entities, then recent
// raw snippets.
func FormatContext(memories []*model.RetrievedMemory) string {
	var summaries, entities, raws []*model.RetrievedMemory
	for _, m := range memories {
		switch m.Kind {
		case types.KindCompactedMemory:
			summaries = append(summaries, m)
		case types.KindEntity:
			entities = append(entities, m)
		default:
			raws = append(raws, m)
		}
	}
	if len(summaries)+len(entities)+len(raws) == 0 {
		return ""
	}

	var sb strings.Builder
	if len(summaries) > 0 {
		sb.WriteString("## Relevant summaries\n")
		for _, m := range summaries {
			writeSummary(&sb, m)
		}
	}
	if len(entities) > 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("## Known entities\n")
		for _, m := range entities {
			writeEntity(&sb, m)
		}
	}
	if len(raws) > 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("## Recent notes\n")
		for _, m := range raws {
			fmt.Fprintf(&sb, "- %s\n", m.Text)
		}
	}
	return sb.String()
}

func writeSummary(sb *strings.Builder, m *model.RetrievedMemory) {
	fmt.Fprintf(sb, "- %s\n", m.Text)

	cm, ok := m.Payload.(*model.CompactedMemory)
	if !ok {
		return
	}
	for _, d := range cm.KeyDecisions {
		fmt.Fprintf(sb, "  - decision: %s\n", d)
	}
	for _, f := range cm.KeyFacts {
		fmt.Fprintf(sb, "  - fact: %s\n", f)
	}
}

func writeEntity(sb *strings.Builder, m *model.RetrievedMemory) {
	if e, ok := m.Payload.(*model.Entity); ok {
		fmt.Fprintf(sb, "- %s (%s): %s\n", e.Name, e.Type, e.Description)
		return
	}
	fmt.Fprintf(sb, "- %s\n", m.Text)
}
