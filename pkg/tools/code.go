package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/nstogner/officeagent/pkg/sandbox"
)

type sandboxRunner interface {
	Stream(ctx context.Context, code string, h sandbox.Handlers) *sandbox.Execution
}

// --- Execute Code Tool ---

type executeCodeArgs struct {
	Code string `json:"code" jsonschema:"description=Python code to run. Variables persist between calls. Call declare_artifact(path, kind) for every file you create or modify."`
}

// NewExecuteCode returns the code execution tool.
func NewExecuteCode() Tool {
	return NewDefinition(ToolExecuteCode,
		"Execute Python code in the session's persistent interpreter for data analysis, visualization, and file modification. "+
			"Libraries available include pandas, numpy, matplotlib, plotly, python-pptx and openpyxl. "+
			"Returns JSON with status, stdout, stderr, results, error and artifacts.",
		true,
		func(ctx context.Context, env *Env, args executeCodeArgs) (string, error) {
			return runCode(ctx, env, args.Code)
		})
}

// --- Get Data Analysis Tool ---

type dataAnalysisArgs struct {
	FilePath  string `json:"file_path" jsonschema:"description=Path or mapped name of the Excel file"`
	SheetName string `json:"sheet_name" jsonschema:"description=Sheet to load"`
	Code      string `json:"code" jsonschema:"description=Python code to run with the sheet loaded as the pandas DataFrame df"`
}

// NewGetDataAnalysis returns the tool that runs code against one sheet.
func NewGetDataAnalysis() Tool {
	return NewDefinition(ToolGetDataAnalysis,
		"Run Python code against an Excel sheet that is preloaded as the pandas DataFrame df. Returns the same JSON as execute_code.",
		true,
		func(ctx context.Context, env *Env, args dataAnalysisArgs) (string, error) {
			path := env.resolve(args.FilePath)
			return runCode(ctx, env, dataFramePreamble(path, args.SheetName)+args.Code)
		})
}

// dataFramePreamble loads the sheet into df. JSON string literals are valid
// Python string literals.
func dataFramePreamble(path, sheet string) string {
	p, _ := json.Marshal(path)
	s, _ := json.Marshal(sheet)
	return fmt.Sprintf("import pandas as pd\ndf = pd.read_excel(%s, sheet_name=%s)\n", p, s)
}

// CodeOutput is the JSON returned by the code tools.
type CodeOutput struct {
	Status         string                  `json:"status"`
	Stdout         string                  `json:"stdout"`
	Stderr         string                  `json:"stderr"`
	Results        []map[string]any        `json:"results"`
	Error          *sandbox.ExecutionError `json:"error,omitempty"`
	Artifacts      []sandbox.Artifact      `json:"artifacts"`
	ExecutionCount *int                    `json:"execution_count,omitempty"`
}

// runCode submits code once. Errors raised by the code are reported in
// the output with status "error"; only a missing sandbox fails the call.
func runCode(ctx context.Context, env *Env, code string) (string, error) {
	sb, err := env.sandbox(ctx)
	if err != nil {
		return "", err
	}
	exec := sb.Stream(ctx, code, env.Handlers)
	out := renderExecution(env.FilesDir, exec)
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding execution: %w", err)
	}
	return string(b), nil
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

// imageExts are the formats written to the files directory instead of being
// inlined.
var imageExts = map[sandbox.Format]string{
	sandbox.FormatPNG:  "png",
	sandbox.FormatJPEG: "jpeg",
	sandbox.FormatSVG:  "svg",
}

func renderExecution(filesDir string, exec *sandbox.Execution) CodeOutput {
	out := CodeOutput{
		Status:         "ok",
		Stdout:         strings.Join(exec.Stdout, ""),
		Stderr:         strings.Join(exec.Stderr, ""),
		Results:        []map[string]any{},
		Artifacts:      exec.Artifacts(),
		ExecutionCount: exec.ExecutionCount,
	}
	if out.Artifacts == nil {
		out.Artifacts = []sandbox.Artifact{}
	}
	if exec.Error != nil {
		out.Status = "error"
		e := *exec.Error
		e.Traceback = make([]string, len(exec.Error.Traceback))
		for i, line := range exec.Error.Traceback {
			e.Traceback[i] = ansiEscape.ReplaceAllString(line, "")
		}
		out.Error = &e
	}

	for _, r := range exec.Results {
		view := map[string]any{}
		for _, f := range r.Formats() {
			p, _ := r.Get(f)
			switch v := p.(type) {
			case sandbox.Data:
				if _, ok := v["artifact"]; ok {
					continue
				}
				view[string(f)] = v
			case sandbox.PNG, sandbox.JPEG, sandbox.SVG:
				path, err := saveImage(filesDir, f, p)
				if err != nil {
					slog.Warn("Failed to save result image", "format", f, "error", err)
					view[string(f)] = fmt.Sprintf("<%s omitted>", f)
					continue
				}
				view[string(f)+"_path"] = path
				out.Artifacts = append(out.Artifacts, sandbox.Artifact{Path: path, Kind: "image"})
			case sandbox.PDF:
				view[string(f)] = fmt.Sprintf("<pdf omitted, %d base64 bytes>", len(v))
			default:
				view[string(f)] = p
			}
		}
		if len(view) == 0 {
			continue
		}
		if r.IsMainResult {
			view["is_main_result"] = true
		}
		out.Results = append(out.Results, view)
	}
	return out
}

func saveImage(dir string, f sandbox.Format, p sandbox.Payload) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("no files directory")
	}
	var data []byte
	switch v := p.(type) {
	case sandbox.SVG:
		data = []byte(v)
	case sandbox.PNG:
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(v)))
		if err != nil {
			return "", fmt.Errorf("decoding png: %w", err)
		}
		data = b
	case sandbox.JPEG:
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(v)))
		if err != nil {
			return "", fmt.Errorf("decoding jpeg: %w", err)
		}
		data = b
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("output-%s.%s", uuid.New().String()[:8], imageExts[f]))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}
