// Package digest emails a summary of the proposals created since the last
// successful digest.
package digest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"crmflow/internal/domain"
	"crmflow/internal/mail"
	"crmflow/internal/repo"
)

const defaultMaxItems = 200

// Job configures one digest email.
type Job struct {
	Name       string   `yaml:"name" json:"name"`
	TenantID   string   `yaml:"tenant_id" json:"tenant_id"`
	Recipients []string `yaml:"recipients" json:"recipients"`
	Subject    string   `yaml:"subject" json:"subject"`
	MaxItems   int      `yaml:"max_items" json:"max_items"`
}

// Group counts the proposals of one entity type and source.
type Group struct {
	EntityType domain.EntityType
	Source     string
	Count      int
	ByStatus   map[domain.Status]int
}

// Digest is what gets summarized and mailed.
type Digest struct {
	Job     string
	Tenant  string
	Since   string
	Groups  []Group
	Items   []domain.Proposal
	Pending int
	Invalid int
}

type Summarizer interface {
	Summarize(ctx context.Context, d Digest) (string, error)
}

type Mailer interface {
	Send(ctx context.Context, msg mail.Message) error
}

type Notifier struct {
	Repo       repo.Repo
	Summarizer Summarizer
	Mailer     Mailer
	Logger     *slog.Logger
	Now        func() time.Time
}

// Result is the outcome of one digest run.
type Result struct {
	Job      string `json:"job"`
	Included int    `json:"included"`
	Sent     bool   `json:"sent"`
	LastSeq  int64  `json:"last_seq"`
	Fallback bool   `json:"fallback,omitempty"`
}

func (n Notifier) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

func (n Notifier) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

// Run mails the proposals created after the job's watermark. The watermark
// only moves after the mail was accepted, so a failed send is retried with
// the same proposals on the next run.
func (n Notifier) Run(ctx context.Context, job Job) (Result, error) {
	res := Result{Job: job.Name}
	if n.Mailer == nil {
		return res, errors.New("digest: no mailer configured")
	}
	wm, err := n.Repo.GetWatermark(ctx, job.Name, job.TenantID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return res, err
	}
	res.LastSeq = wm.LastSeq
	limit := job.MaxItems
	if limit <= 0 {
		limit = defaultMaxItems
	}
	items, err := n.Repo.ProposalsAfterSeq(ctx, job.TenantID, wm.LastSeq, limit)
	if err != nil {
		return res, err
	}
	if len(items) == 0 {
		n.logger().Debug("digest has nothing new", "job", job.Name)
		return res, nil
	}
	d := Build(job, wm.WatermarkAt, items)
	res.Included = len(items)

	body, fallback := n.body(ctx, d)
	res.Fallback = fallback
	subject := job.Subject
	if subject == "" {
		subject = fmt.Sprintf("%d new CRM proposals", len(items))
	}
	if err := n.Mailer.Send(ctx, mail.Message{To: job.Recipients, Subject: subject, Body: body}); err != nil {
		n.logger().Warn("digest send failed, watermark kept", "job", job.Name, "err", err)
		return res, fmt.Errorf("send digest %s: %w", job.Name, err)
	}
	res.Sent = true

	last := items[len(items)-1]
	if err := n.Repo.UpsertWatermark(ctx, domain.DigestWatermark{
		Job:         job.Name,
		TenantID:    job.TenantID,
		WatermarkAt: last.CreatedAt,
		LastSeq:     last.Seq,
		UpdatedAt:   domain.FormatTime(n.now()),
	}); err != nil {
		return res, fmt.Errorf("advance watermark: %w", err)
	}
	res.LastSeq = last.Seq
	n.logger().Info("digest sent", "job", job.Name, "proposals", len(items), "recipients", len(job.Recipients))
	return res, nil
}

func (n Notifier) body(ctx context.Context, d Digest) (string, bool) {
	if n.Summarizer != nil {
		text, err := n.Summarizer.Summarize(ctx, d)
		if err == nil {
			return text, false
		}
		n.logger().Warn("digest summarizer failed, using plain template", "job", d.Job, "err", err)
	}
	text, err := Render(d)
	if err != nil {
		return fmt.Sprintf("%d new proposals are waiting for review.", len(d.Items)), true
	}
	return text, true
}

// Build groups items by entity type and source.
func Build(job Job, since string, items []domain.Proposal) Digest {
	d := Digest{Job: job.Name, Tenant: job.TenantID, Since: since, Items: items}
	type key struct {
		t domain.EntityType
		s string
	}
	groups := map[key]*Group{}
	for _, p := range items {
		src := "manual"
		if p.Source != nil {
			src = *p.Source
		}
		k := key{p.EntityType, src}
		g, ok := groups[k]
		if !ok {
			g = &Group{EntityType: p.EntityType, Source: src, ByStatus: map[domain.Status]int{}}
			groups[k] = g
		}
		g.Count++
		g.ByStatus[p.Status]++
		if p.Status == domain.StatusPending {
			d.Pending++
			if !p.Valid() {
				d.Invalid++
			}
		}
	}
	for _, g := range groups {
		d.Groups = append(d.Groups, *g)
	}
	sort.Slice(d.Groups, func(i, j int) bool {
		if d.Groups[i].EntityType != d.Groups[j].EntityType {
			return d.Groups[i].EntityType < d.Groups[j].EntityType
		}
		return d.Groups[i].Source < d.Groups[j].Source
	})
	return d
}
