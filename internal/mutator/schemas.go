package mutator

import (
	"fmt"

	"crmflow/internal/crm"
	"crmflow/internal/domain"
)

func leadFields() []Field {
	return []Field{
		{Name: "title", Kind: KindString, Required: true, MaxLen: 200},
		{Name: "organization_id", Kind: KindString},
		{Name: "contact_id", Kind: KindString},
		{Name: "url", Kind: KindURL},
		{Name: "value", Kind: KindNumber},
		{Name: "stage", Kind: KindEnum, Values: []string{"new", "qualified", "contacted", "won", "lost"}},
		{Name: "notes", Kind: KindString},
	}
}

// Schemas returns the built-in schema of every entity type.
func Schemas() []Schema {
	return []Schema{
		{EntityType: domain.EntityContact, Fields: []Field{
			{Name: "first_name", Kind: KindString, Required: true, MaxLen: 100},
			{Name: "last_name", Kind: KindString, Required: true, MaxLen: 100},
			{Name: "email", Kind: KindEmail},
			{Name: "phone", Kind: KindString, MaxLen: 40},
			{Name: "title", Kind: KindString, MaxLen: 200},
			{Name: "organization_id", Kind: KindString},
		}},
		{EntityType: domain.EntityOrganization, Fields: []Field{
			{Name: "name", Kind: KindString, Required: true, MaxLen: 200},
			{Name: "website", Kind: KindURL},
			{Name: "industry", Kind: KindString},
			{Name: "employee_count", Kind: KindInt},
			{Name: "description", Kind: KindString},
		}},
		{EntityType: domain.EntityIndividual, Fields: []Field{
			{Name: "first_name", Kind: KindString, Required: true, MaxLen: 100},
			{Name: "last_name", Kind: KindString, Required: true, MaxLen: 100},
			{Name: "email", Kind: KindEmail},
			{Name: "linkedin_url", Kind: KindURL},
			{Name: "location", Kind: KindString},
		}},
		{EntityType: domain.EntityJob, Fields: []Field{
			{Name: "title", Kind: KindString, Required: true, MaxLen: 200},
			{Name: "organization_id", Kind: KindString, Required: true},
			{Name: "location", Kind: KindString},
			{Name: "url", Kind: KindURL},
			{Name: "salary_min", Kind: KindInt},
			{Name: "salary_max", Kind: KindInt},
			{Name: "posted_at", Kind: KindDate},
			{Name: "remote", Kind: KindBool},
		}},
		{EntityType: domain.EntityNote, Fields: []Field{
			{Name: "content", Kind: KindString, Required: true},
			{Name: "subject_type", Kind: KindEnum, Values: []string{"contact", "organization", "individual", "job", "lead"}},
			{Name: "subject_id", Kind: KindString},
		}},
		{EntityType: domain.EntityTask, Fields: []Field{
			{Name: "title", Kind: KindString, Required: true, MaxLen: 200},
			{Name: "due_date", Kind: KindDate},
			{Name: "priority", Kind: KindEnum, Values: []string{"low", "medium", "high"}},
			{Name: "status", Kind: KindEnum, Values: []string{"open", "in_progress", "done"}},
			{Name: "assignee", Kind: KindString},
		}},
		{EntityType: domain.EntityJobLead, Fields: leadFields()},
		{EntityType: domain.EntityOpportunityLead, Fields: leadFields()},
		{EntityType: domain.EntityPartnershipLead, Fields: leadFields()},
	}
}

// Default builds a registry with a mutator for every built-in schema backed
// by the matching service.
func Default(services map[domain.EntityType]crm.Service) (*Registry, error) {
	reg, err := NewRegistry()
	if err != nil {
		return nil, err
	}
	for _, s := range Schemas() {
		svc, ok := services[s.EntityType]
		if !ok {
			return nil, fmt.Errorf("no service for entity type %q", s.EntityType)
		}
		if err := reg.Register(New(s, svc)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
