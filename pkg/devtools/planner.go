package devtools

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/curie/pkg/conversation"
	"github.com/harun/curie/pkg/provider"
)

//go:embed base_template.json
var defaultBaseTemplate string

const plannerInstructions = `You are a highly skilled Next.js TypeScript developer specialising in Radix UI, Tailwind CSS and the Next.js 14 App Router.
Your task is to plan which files need to be created for the project and describe what needs to be done in each of them.
The base_template is already set up with the Next.js 14 App Router, Radix UI and Tailwind CSS; it is provided below as JSON.

Expand the application by adding routes, components, layouts, styling and features as required.
You will be given the plan of a micro application. Understand it and list the files to create, each with a description precise enough to implement it.

IMPORTANT POINTS:
    - A UI page .tsx file lives inside a folder in the app directory.
    - An API handler is a route.ts file inside a folder in the api directory.

OUTPUT JSON FORMAT:
    {
        "files": [
            {
                "file_path": "src/app/api/chat/route.ts",
                "description": "<description>"
            }
        ]
    }

[base_template]
`

// PlannedFile is one file of a project plan.
type PlannedFile struct {
	FilePath    string `json:"file_path"`
	Description string `json:"description"`
}

// Plan is the file list produced for a problem statement.
type Plan struct {
	Files []PlannedFile `json:"files"`
}

// PlannerConfig configures a Planner.
type PlannerConfig struct {
	Provider     provider.Provider
	Model        string
	Temperature  float64
	BaseTemplate string // JSON; empty uses the bundled Next.js template
}

// Planner asks a JSON-mode backend which files a project needs.
type Planner struct {
	provider     provider.Provider
	model        string
	temperature  float64
	instructions string
}

// NewPlanner creates a Planner.
func NewPlanner(cfg PlannerConfig) (*Planner, error) {
	if cfg.Provider == nil {
		return nil, errors.New("planner provider is required")
	}
	template := cfg.BaseTemplate
	if template == "" {
		template = defaultBaseTemplate
	}
	if !json.Valid([]byte(template)) {
		return nil, errors.New("base template is not valid JSON")
	}
	return &Planner{
		provider:     cfg.Provider,
		model:        cfg.Model,
		temperature:  cfg.Temperature,
		instructions: plannerInstructions + strings.TrimSpace(template),
	}, nil
}

// Plan lists the files to create for problem.
func (p *Planner) Plan(ctx context.Context, problem string) (*Plan, error) {
	thread := conversation.NewThread(p.instructions).Append(conversation.UserMessage(fmt.Sprintf(
		"Create a list of files and their descriptions for micro application building plan: '%s'.\n"+
			"Format the response as a JSON object with the key \"files\".", problem,
	)))

	turn, err := p.provider.Send(ctx, provider.Request{
		Model:          p.model,
		Thread:         thread,
		Temperature:    p.temperature,
		ResponseFormat: provider.FormatJSON,
	})
	if err != nil {
		return nil, err
	}

	content := conversation.Message{Content: turn.Content}.Text()
	var plan Plan
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &plan); err != nil {
		return nil, fmt.Errorf("planner returned invalid JSON: %w", err)
	}
	if plan.Files == nil {
		plan.Files = []PlannedFile{}
	}
	return &plan, nil
}

// stripCodeFence removes a ```json fence some backends add even in JSON mode.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
