package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmflow/internal/domain"
)

const sample = `
server:
  addr: 0.0.0.0:9090
automations:
  - name: nightly-leads
    tenant_id: t1
    enabled: true
    interval: 1h
    timeout: 10m
    targets:
      - entity_type: job_lead
        query: "series A robotics hiring"
        limit: 25
        field_map:
          company: organization_name
        defaults:
          status: new
digests:
  - name: daily
    tenant_id: t1
    enabled: true
    interval: 24h
    recipients: [sales@example.com]
    subject: Pending CRM proposals
webhooks:
  hooks:
    - name: ops
      url: https://hooks.example.com/crm
      events: [proposal.failed]
`

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.StopTimeout)
	assert.Equal(t, 587, cfg.SMTP.Port)
	assert.Equal(t, 10*time.Second, cfg.Webhooks.Interval)

	require.Len(t, cfg.Automations, 1)
	a := cfg.Automations[0]
	assert.Equal(t, time.Hour, a.Interval)
	assert.Equal(t, domain.EntityJobLead, a.Targets[0].EntityType)
	assert.Equal(t, "organization_name", a.Targets[0].FieldMap["company"])
	assert.Equal(t, "new", a.Targets[0].Defaults["status"])

	require.Len(t, cfg.Digests, 1)
	assert.Equal(t, "daily", cfg.Digests[0].Name)
	assert.Equal(t, 24*time.Hour, cfg.Digests[0].Interval)
	assert.Equal(t, []string{"sales@example.com"}, cfg.Digests[0].Recipients)
	assert.Equal(t, "ops", cfg.Webhooks.Hooks[0].Name)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"missing tenant": `
automations:
  - name: a
    enabled: true
    interval: 1h
    targets: [{entity_type: contact}]`,
		"bad operation": `
automations:
  - name: a
    tenant_id: t1
    interval: 1h
    targets: [{entity_type: contact, operation: upsert}]`,
		"duplicate job name": `
automations:
  - name: daily
    tenant_id: t1
    interval: 1h
    targets: [{entity_type: contact}]
digests:
  - name: daily
    tenant_id: t1
    recipients: [a@example.com]`,
		"digest without recipients": `
digests:
  - name: d
    tenant_id: t1`,
		"webhook url": `
webhooks:
  hooks:
    - name: h
      url: ftp://example.com`,
		"negative timeout": `
scheduler:
  stop_timeout: -1s`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadAppliesEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(Path(dir), []byte(sample), 0o644))

	t.Setenv("CRMFLOW_SMTP_HOST", "smtp.example.com")
	t.Setenv("CRMFLOW_SMTP_PORT", "2525")
	t.Setenv("CRMFLOW_LLM_MODEL", "local-model")
	t.Setenv("CRMFLOW_ADDR", "127.0.0.1:7000")

	cfg, err := Load("", dir, NewViper())
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com", cfg.SMTP.Host)
	assert.Equal(t, 2525, cfg.SMTP.Port)
	assert.Equal(t, "local-model", cfg.LLM.Model)
	assert.Equal(t, "127.0.0.1:7000", cfg.Server.Addr)
	assert.Equal(t, filepath.Join(dir, ".crmflow", "crmflow.db"), cfg.Database.Path)
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load("", dir, NewViper())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)

	_, err = Load(filepath.Join(dir, "nope.yml"), dir, NewViper())
	assert.Error(t, err)
}
