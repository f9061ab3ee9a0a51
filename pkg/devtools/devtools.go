package devtools

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/harun/curie/pkg/conversation"
	"github.com/harun/curie/pkg/toolexecutor"
	"github.com/harun/curie/pkg/vectorindex"
)

// DefaultRelevantFiles is the number of files get_relevant_files_for_feature returns.
const DefaultRelevantFiles = 5

// Tool names.
const (
	ToolFilesWithDescription = "get_files_with_description"
	ToolRelevantFiles        = "get_relevant_files_for_feature"
	ToolReadFileContent      = "read_file_content"
	ToolFileSummary          = "get_file_summary"
)

// Options configures tool registration. Tools whose dependencies are nil
// are not registered.
type Options struct {
	WorkspaceRoot string
	MaxFileBytes  int64

	Planner    *Planner
	Summarizer *Summarizer

	Index    *vectorindex.Store
	Embedder vectorindex.Embedder
	TopK     int
}

// Register adds every tool whose dependencies are configured to reg and
// returns the registered names.
func Register(reg *toolexecutor.Registry, opts Options) ([]string, error) {
	if reg == nil {
		return nil, errors.New("tool registry is required")
	}

	root := opts.WorkspaceRoot
	if root == "" {
		root = "."
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	opts.WorkspaceRoot = root

	tools := []toolexecutor.ToolDefinition{readFileContentTool(opts)}
	if opts.Planner != nil {
		tools = append(tools, filesWithDescriptionTool(opts))
	}
	if opts.Summarizer != nil {
		tools = append(tools, fileSummaryTool(opts))
	}
	if opts.Index != nil && opts.Embedder != nil {
		tools = append(tools, relevantFilesTool(opts))
	}

	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		if err := reg.Register(tool); err != nil {
			return nil, fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
		names = append(names, tool.Name)
	}
	return names, nil
}

func filesWithDescriptionTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        ToolFilesWithDescription,
		Description: "Get the list of files which need to be created or updated in the project, each with a description of what goes in it.",
		Tag:         conversation.TagJSONFiles,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "problem_statement", Type: "string", Description: "The application or feature to build", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			problem, _ := params["problem_statement"].(string)
			if strings.TrimSpace(problem) == "" {
				return nil, errors.New("problem_statement is required")
			}
			return opts.Planner.Plan(ctx, problem)
		},
	}
}

func readFileContentTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        ToolReadFileContent,
		Description: "Read the content of a file in the workspace.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "file_path", Type: "string", Description: "File path relative to the workspace", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			pathValue, _ := params["file_path"].(string)
			target, err := resolvePathInWorkspace(opts.WorkspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}
			data, truncated, err := readFileWithLimit(target, opts.MaxFileBytes)
			if err != nil {
				return nil, err
			}
			out := fmt.Sprintf("%s content: \n %s", pathValue, data)
			if truncated {
				out += "\n[truncated]"
			}
			return out, nil
		},
	}
}

func fileSummaryTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        ToolFileSummary,
		Description: "Get a concise summary of what the code in a workspace file does.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "file_path", Type: "string", Description: "File path relative to the workspace", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			pathValue, _ := params["file_path"].(string)
			target, err := resolvePathInWorkspace(opts.WorkspaceRoot, pathValue)
			if err != nil {
				return nil, err
			}
			data, _, err := readFileWithLimit(target, opts.MaxFileBytes)
			if err != nil {
				return nil, err
			}
			rel, err := filepath.Rel(opts.WorkspaceRoot, target)
			if err != nil {
				return nil, err
			}
			return opts.Summarizer.Summarize(ctx, filepath.ToSlash(rel), string(data))
		},
	}
}

func relevantFilesTool(opts Options) toolexecutor.ToolDefinition {
	topK := opts.TopK
	if topK <= 0 {
		topK = DefaultRelevantFiles
	}
	return toolexecutor.ToolDefinition{
		Name:        ToolRelevantFiles,
		Description: "Find the existing workspace files most relevant to a feature description.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "feature_description", Type: "string", Description: "The feature to implement", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			description, _ := params["feature_description"].(string)
			if strings.TrimSpace(description) == "" {
				return nil, errors.New("feature_description is required")
			}
			files, err := RelevantFiles(ctx, opts.Index, opts.Embedder, description, topK)
			if err != nil {
				return nil, err
			}
			return "relevant files: " + strings.Join(files, ", "), nil
		},
	}
}

// RelevantFiles returns the indexed files nearest to description, nearest first.
func RelevantFiles(ctx context.Context, index *vectorindex.Store, embedder vectorindex.Embedder, description string, topK int) ([]string, error) {
	vector, err := vectorindex.EmbedText(ctx, embedder, description)
	if err != nil {
		return nil, fmt.Errorf("failed to embed feature description: %w", err)
	}
	matches, err := index.Query(ctx, vector, topK, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query index: %w", err)
	}

	files := make([]string, 0, len(matches))
	for _, m := range matches {
		if file, ok := m.Metadata["file"].(string); ok && file != "" {
			files = append(files, file)
		} else {
			files = append(files, m.ID)
		}
	}
	return files, nil
}
