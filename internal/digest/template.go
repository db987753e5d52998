package digest

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"text/template"

	"crmflow/internal/domain"
)

var plainTemplate = template.Must(template.New("digest").Funcs(template.FuncMap{
	"statuses": func(m map[domain.Status]int) string {
		var parts []string
		for _, s := range []domain.Status{domain.StatusPending, domain.StatusExecuted, domain.StatusFailed, domain.StatusRejected, domain.StatusApproved} {
			if n := m[s]; n > 0 {
				parts = append(parts, string(s)+" "+strconv.Itoa(n))
			}
		}
		return strings.Join(parts, ", ")
	},
}).Parse(`{{len .Items}} new proposals{{if .Since}} since {{.Since}}{{end}}.
{{.Pending}} waiting for review{{if .Invalid}}, {{.Invalid}} of them need edits before approval{{end}}.
{{range .Groups}}
- {{.EntityType}} from {{.Source}}: {{.Count}} ({{statuses .ByStatus}})
{{- end}}
`))

// Render is the plain text body used when no summarizer is available.
func Render(d Digest) (string, error) {
	var buf bytes.Buffer
	if err := plainTemplate.Execute(&buf, d); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Completer is the subset of the LLM client the summarizer needs.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

const summarizerPrompt = "You write short, plain-text email digests for a CRM team. " +
	"Summarize the proposed changes below in a few sentences, mention what needs review, and do not invent numbers."

// LLMSummarizer asks a language model to turn the plain digest into prose.
type LLMSummarizer struct {
	LLM Completer
}

func (s LLMSummarizer) Summarize(ctx context.Context, d Digest) (string, error) {
	plain, err := Render(d)
	if err != nil {
		return "", err
	}
	return s.LLM.Complete(ctx, summarizerPrompt, plain)
}
