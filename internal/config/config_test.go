package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"stagecraft/internal/config"
)

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault("acme")))
	if err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Company.ID != "acme" {
		t.Fatalf("company id %q, want acme", cfg.Company.ID)
	}
	if len(cfg.Template.Stages) != 12 || len(cfg.Template.Questions) != 10 || len(cfg.Template.Transitions) != 10 {
		t.Fatalf("template %d/%d/%d, want 12/10/10",
			len(cfg.Template.Stages), len(cfg.Template.Questions), len(cfg.Template.Transitions))
	}
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := config.Load(dir); err == nil {
		t.Fatalf("expected error for missing config")
	}
	cfg, err := config.LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("LoadOptional: %v %v, want nil,nil", cfg, err)
	}
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stagecraft.yml")
	if err := os.WriteFile(path, []byte(config.GenerateDefault("acme")), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Company.ID != "acme" {
		t.Fatalf("company id %q, want acme", cfg.Company.ID)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			"missing company id",
			func(c *config.Config) { c.Company.ID = "" },
			"company.id",
		},
		{
			"duplicate stage order",
			func(c *config.Config) { c.Template.Stages[1].Order = c.Template.Stages[0].Order },
			"duplicate stage order",
		},
		{
			"duplicate stage name",
			func(c *config.Config) { c.Template.Stages[1].Name = c.Template.Stages[0].Name },
			"duplicate stage name",
		},
		{
			"unknown stage type",
			func(c *config.Config) { c.Template.Stages[0].Type = "funnel" },
			"unknown type",
		},
		{
			"duplicate question key",
			func(c *config.Config) { c.Template.Questions[1].Key = c.Template.Questions[0].Key },
			"duplicate question key",
		},
		{
			"question on unknown stage",
			func(c *config.Config) { c.Template.Questions[0].StageOrder = 404 },
			"does not exist",
		},
		{
			"options on yes_no",
			func(c *config.Config) { c.Template.Questions[0].Options = []string{"a", "b"} },
			"options only allowed",
		},
		{
			"multiple_choice without options",
			func(c *config.Config) {
				for i := range c.Template.Questions {
					if c.Template.Questions[i].ResponseType == "multiple_choice" {
						c.Template.Questions[i].Options = nil
					}
				}
			},
			"requires options",
		},
		{
			"self transition",
			func(c *config.Config) { c.Template.Transitions[0].ToOrder = c.Template.Transitions[0].FromOrder },
			"self-transition",
		},
		{
			"transition from unknown stage",
			func(c *config.Config) {
				c.Template.Transitions[0].FromOrder = 404
			},
			"does not exist",
		},
		{
			"transition on unknown question",
			func(c *config.Config) { c.Template.Transitions[0].Question = "nope" },
			"unknown question",
		},
		{
			"question belongs to another stage",
			func(c *config.Config) {
				// estimate_sent sits on stage 2; point an edge from stage 3 at it.
				c.Template.Transitions[0].FromOrder = 3
				c.Template.Transitions[0].ToOrder = 4
			},
			"belongs to stage order",
		},
		{
			"predicate missing",
			func(c *config.Config) {
				c.Template.Transitions[0].Trigger = nil
				c.Template.Transitions[0].Operator = nil
			},
			"needs trigger or operator",
		},
		{
			"operator without value",
			func(c *config.Config) {
				op := "gte"
				c.Template.Transitions[0].Trigger = nil
				c.Template.Transitions[0].Operator = &op
				c.Template.Transitions[0].Value = nil
			},
			"needs value",
		},
		{
			"between without value_max",
			func(c *config.Config) {
				op := "between"
				v := 1.0
				c.Template.Transitions[0].Trigger = nil
				c.Template.Transitions[0].Operator = &op
				c.Template.Transitions[0].Value = &v
				c.Template.Transitions[0].ValueMax = nil
			},
			"needs value_max",
		},
		{
			"unknown operator",
			func(c *config.Config) {
				op := "approx"
				v := 1.0
				c.Template.Transitions[0].Trigger = nil
				c.Template.Transitions[0].Operator = &op
				c.Template.Transitions[0].Value = &v
			},
			"unknown operator",
		},
		{
			"duplicate trigger edge",
			func(c *config.Config) {
				c.Template.Transitions = append(c.Template.Transitions, c.Template.Transitions[0])
			},
			"duplicate edge",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default("acme")
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidAlternativeTemplatePasses(t *testing.T) {
	yml := `
company:
  id: tiny
template:
  stages:
    - {name: Open, order: 1}
    - {name: Done, order: 2, type: milestone, maps_to_status: closed}
  questions:
    - {key: finished, stage_order: 1, prompt: "Done?", response_type: yes_no, required: true}
  transitions:
    - {from_order: 1, to_order: 2, question: finished, trigger: "yes", automatic: true}
`
	cfg, err := config.FromYAML([]byte(yml))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Template.Stages) != 2 {
		t.Fatalf("stages %d, want 2", len(cfg.Template.Stages))
	}
}
