package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"stagecraft/internal/domain"
)

// Config models stagecraft.yml: the company identity plus the workflow
// template used to provision or rebuild its stage graph.
type Config struct {
	Company struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"company"`
	Template Template `yaml:"template"`
}

// Template is the declarative form of a stage graph. Stages are keyed by
// sequence order and questions by a symbolic key, so the template carries no
// database ids and can be re-applied against a fresh or rebuilt graph.
type Template struct {
	Stages      []StageSpec      `yaml:"stages"`
	Questions   []QuestionSpec   `yaml:"questions"`
	Transitions []TransitionSpec `yaml:"transitions"`
}

type StageSpec struct {
	Name             string `yaml:"name"`
	Order            int    `yaml:"order"`
	Type             string `yaml:"type"`
	MapsToStatus     string `yaml:"maps_to_status"`
	Color            string `yaml:"color"`
	RequiresApproval bool   `yaml:"requires_approval"`
	MinDurationHours *int   `yaml:"min_duration_hours"`
	MaxDurationHours *int   `yaml:"max_duration_hours"`
}

type QuestionSpec struct {
	Key          string   `yaml:"key"`
	StageOrder   int      `yaml:"stage_order"`
	Prompt       string   `yaml:"prompt"`
	ResponseType string   `yaml:"response_type"`
	Required     bool     `yaml:"required"`
	Options      []string `yaml:"options"`
	Order        int      `yaml:"order"`
}

type TransitionSpec struct {
	FromOrder             int      `yaml:"from_order"`
	ToOrder               int      `yaml:"to_order"`
	Question              string   `yaml:"question"`
	Trigger               *string  `yaml:"trigger"`
	Operator              *string  `yaml:"operator"`
	Value                 *float64 `yaml:"value"`
	ValueMax              *float64 `yaml:"value_max"`
	Automatic             bool     `yaml:"automatic"`
	RequiresAdminOverride bool     `yaml:"requires_admin_override"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with sc company config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stagecraft.yml")
}

// Validate checks the template for the shapes the store would reject anyway,
// so a bad file fails at load rather than midway through provisioning.
func (c *Config) Validate() error {
	if c.Company.ID == "" {
		return fmt.Errorf("config.company.id is required")
	}
	orders := map[int]bool{}
	names := map[string]bool{}
	for _, s := range c.Template.Stages {
		if s.Name == "" {
			return fmt.Errorf("template stage with order %d has no name", s.Order)
		}
		if s.Order < 1 {
			return fmt.Errorf("stage %s: order must be >= 1, got %d", s.Name, s.Order)
		}
		if orders[s.Order] {
			return fmt.Errorf("duplicate stage order %d", s.Order)
		}
		orders[s.Order] = true
		if names[s.Name] {
			return fmt.Errorf("duplicate stage name %s", s.Name)
		}
		names[s.Name] = true
		switch s.Type {
		case "", domain.StageTypeStandard, domain.StageTypeMilestone, domain.StageTypeApproval:
		default:
			return fmt.Errorf("stage %s: unknown type %s", s.Name, s.Type)
		}
	}
	questionStage := map[string]int{}
	for _, q := range c.Template.Questions {
		if q.Key == "" {
			return fmt.Errorf("question %q has no key", q.Prompt)
		}
		if _, dup := questionStage[q.Key]; dup {
			return fmt.Errorf("duplicate question key %s", q.Key)
		}
		if !orders[q.StageOrder] {
			return fmt.Errorf("question %s: stage_order %d does not exist", q.Key, q.StageOrder)
		}
		switch q.ResponseType {
		case domain.ResponseTypeYesNo, domain.ResponseTypeText, domain.ResponseTypeNumber,
			domain.ResponseTypeDate, domain.ResponseTypeFileUpload:
			if len(q.Options) > 0 {
				return fmt.Errorf("question %s: options only allowed for multiple_choice", q.Key)
			}
		case domain.ResponseTypeMultipleChoice:
			if len(q.Options) == 0 {
				return fmt.Errorf("question %s: multiple_choice requires options", q.Key)
			}
		default:
			return fmt.Errorf("question %s: unknown response_type %s", q.Key, q.ResponseType)
		}
		questionStage[q.Key] = q.StageOrder
	}
	seenEdge := map[string]bool{}
	for i, t := range c.Template.Transitions {
		if t.FromOrder == t.ToOrder {
			return fmt.Errorf("transition %d: self-transition (from_order and to_order are both %d)", i, t.FromOrder)
		}
		if !orders[t.FromOrder] {
			return fmt.Errorf("transition %d: from_order %d does not exist", i, t.FromOrder)
		}
		if !orders[t.ToOrder] {
			return fmt.Errorf("transition %d: to_order %d does not exist", i, t.ToOrder)
		}
		stageOrder, ok := questionStage[t.Question]
		if !ok {
			return fmt.Errorf("transition %d: unknown question %s", i, t.Question)
		}
		if stageOrder != t.FromOrder {
			return fmt.Errorf("transition %d: question %s belongs to stage order %d, not from_order %d", i, t.Question, stageOrder, t.FromOrder)
		}
		if t.Trigger == nil && t.Operator == nil {
			return fmt.Errorf("transition %d: needs trigger or operator", i)
		}
		if t.Operator != nil {
			if t.Value == nil {
				return fmt.Errorf("transition %d: operator %s needs value", i, *t.Operator)
			}
			switch *t.Operator {
			case domain.OperatorBetween, domain.OperatorBetweenExclusive:
				if t.ValueMax == nil {
					return fmt.Errorf("transition %d: operator %s needs value_max", i, *t.Operator)
				}
			case domain.OperatorEq, domain.OperatorLt, domain.OperatorLte, domain.OperatorGt, domain.OperatorGte:
			default:
				return fmt.Errorf("transition %d: unknown operator %s", i, *t.Operator)
			}
		}
		if t.Trigger != nil {
			edge := fmt.Sprintf("%s|%s", t.Question, *t.Trigger)
			if seenEdge[edge] {
				return fmt.Errorf("transition %d: duplicate edge for question %s trigger %q", i, t.Question, *t.Trigger)
			}
			seenEdge[edge] = true
		}
	}
	return nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault(companyID string) string {
	return fmt.Sprintf(defaultTemplate, companyID)
}

// Default returns the default Config struct for a company.
func Default(companyID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, companyID)), &cfg)
	cfg.Company.ID = companyID
	return &cfg
}

const defaultTemplate = `company:
  id: %s
  name: ""

template:
  stages:
    - {name: New Lead,           order: 1,  type: standard,  maps_to_status: open,        color: "#9e9e9e"}
    - {name: Estimate Requested, order: 2,  type: standard,  maps_to_status: open,        color: "#90caf9"}
    - {name: Estimate Sent,      order: 3,  type: standard,  maps_to_status: open,        color: "#42a5f5"}
    - {name: Estimate Approved,  order: 4,  type: milestone, maps_to_status: confirmed,   color: "#1e88e5"}
    - {name: Scheduled,          order: 5,  type: standard,  maps_to_status: confirmed,   color: "#7e57c2"}
    - {name: Crew Dispatched,    order: 6,  type: standard,  maps_to_status: in_progress, color: "#ffb300"}
    - {name: In Progress,        order: 7,  type: standard,  maps_to_status: in_progress, color: "#fb8c00"}
    - {name: Work Complete,      order: 8,  type: milestone, maps_to_status: in_progress, color: "#43a047"}
    - {name: Final Walkthrough,  order: 9,  type: approval,  maps_to_status: in_progress, color: "#26a69a", requires_approval: true}
    - {name: Invoiced,           order: 10, type: standard,  maps_to_status: billing,     color: "#8d6e63"}
    - {name: Paid,               order: 11, type: milestone, maps_to_status: billing,     color: "#2e7d32"}
    - {name: Closed,             order: 12, type: milestone, maps_to_status: closed,      color: "#455a64"}

  questions:
    - key: estimate_sent
      stage_order: 2
      prompt: "Has the estimate been sent to the customer?"
      response_type: yes_no
      required: true
    - key: estimate_decision
      stage_order: 3
      prompt: "Did the customer approve the estimate?"
      response_type: yes_no
      required: true
    - key: deposit_percent
      stage_order: 4
      prompt: "Deposit received (percent of total)"
      response_type: number
    - key: scheduled_date
      stage_order: 5
      prompt: "Scheduled start date"
      response_type: date
      required: true
    - key: crew_on_site
      stage_order: 6
      prompt: "Is the crew on site?"
      response_type: yes_no
    - key: work_done
      stage_order: 7
      prompt: "Is all contracted work finished?"
      response_type: yes_no
      required: true
    - key: completion_photos
      stage_order: 8
      prompt: "Upload completion photos"
      response_type: file_upload
    - key: walkthrough_result
      stage_order: 9
      prompt: "Final walkthrough result"
      response_type: multiple_choice
      required: true
      options: [Passed, Minor Issues, Failed]
    - key: payment_received
      stage_order: 10
      prompt: "Has payment been received in full?"
      response_type: yes_no
      required: true
    - key: review_requested
      stage_order: 11
      prompt: "Was a customer review requested?"
      response_type: yes_no

  transitions:
    - {from_order: 2,  to_order: 3,  question: estimate_sent,      trigger: "yes", automatic: true}
    - {from_order: 3,  to_order: 4,  question: estimate_decision,  trigger: "yes", automatic: true}
    - {from_order: 3,  to_order: 2,  question: estimate_decision,  trigger: "no"}
    - {from_order: 4,  to_order: 5,  question: deposit_percent,    operator: gte, value: 25, automatic: true}
    - {from_order: 6,  to_order: 7,  question: crew_on_site,       trigger: "yes", automatic: true}
    - {from_order: 7,  to_order: 8,  question: work_done,          trigger: "yes", automatic: true}
    - {from_order: 9,  to_order: 10, question: walkthrough_result, trigger: "Passed", automatic: true}
    - {from_order: 9,  to_order: 7,  question: walkthrough_result, trigger: "Failed", requires_admin_override: true}
    - {from_order: 10, to_order: 11, question: payment_received,   trigger: "yes", automatic: true}
    - {from_order: 11, to_order: 12, question: review_requested,   trigger: "yes"}
`
