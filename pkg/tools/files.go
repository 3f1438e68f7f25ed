package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nstogner/officeagent/pkg/files"
)

// Tool names exposed to the model.
const (
	ToolGetSlide        = "get_slide"
	ToolGetExcelData    = "get_excel_data"
	ToolExecuteCode     = "execute_code"
	ToolGetDataAnalysis = "get_data_analysis"
	ToolGetImage        = "get_image"
)

// --- Get Slide Tool ---

type getSlideArgs struct {
	FilePath   string `json:"file_path" jsonschema:"description=Path or mapped name of the PowerPoint file"`
	SlideIndex int    `json:"slide_index" jsonschema:"description=Zero-based index of the slide to retrieve"`
}

// NewGetSlide returns the slide inspection tool.
func NewGetSlide() Tool {
	return NewDefinition(ToolGetSlide,
		"Get the XML representation of a slide from a PowerPoint file",
		false,
		func(ctx context.Context, env *Env, args getSlideArgs) (string, error) {
			path := env.resolve(args.FilePath)
			slog.Info("Reading slide", "path", path, "index", args.SlideIndex)
			return files.SlideXML(path, args.SlideIndex)
		})
}

// --- Get Excel Data Tool ---

type getExcelDataArgs struct {
	FilePath  string `json:"file_path" jsonschema:"description=Path or mapped name of the Excel file"`
	SheetName string `json:"sheet_name" jsonschema:"description=Name of the sheet to retrieve"`
}

// NewGetExcelData returns the sheet inspection tool. maxRows bounds the
// sample rows; zero means files.DefaultMaxRows.
func NewGetExcelData(maxRows int) Tool {
	return NewDefinition(ToolGetExcelData,
		"Get the data from an Excel sheet as a markdown table, with schema and per-column metrics",
		false,
		func(ctx context.Context, env *Env, args getExcelDataArgs) (string, error) {
			path := env.resolve(args.FilePath)
			slog.Info("Reading sheet", "path", path, "sheet", args.SheetName)
			return files.SheetMarkdown(path, args.SheetName, maxRows)
		})
}

// --- Get Image Tool ---

type getImageArgs struct {
	ImagePath string `json:"image_path" jsonschema:"description=Path to the image file"`
}

// NewGetImage returns the image fetch tool.
func NewGetImage() Tool {
	return NewDefinition(ToolGetImage,
		"Get the base64 encoded data URL of an image file",
		false,
		func(ctx context.Context, env *Env, args getImageArgs) (string, error) {
			return files.ImageDataURL(env.resolve(args.ImagePath))
		}).WithUntruncatedOutput()
}

// Default returns a dispatcher with the full tool set.
func Default(maxRows int) *Dispatcher {
	return NewDispatcher(
		NewGetSlide(),
		NewGetExcelData(maxRows),
		NewExecuteCode(),
		NewGetDataAnalysis(),
		NewGetImage(),
	)
}

func (e *Env) resolve(arg string) string {
	if e == nil {
		return arg
	}
	return e.Paths.Resolve(arg, e.FilesDir)
}

func (e *Env) sandbox(ctx context.Context) (sandboxRunner, error) {
	if e == nil || e.Sandboxes == nil {
		return nil, fmt.Errorf("no sandbox available")
	}
	sb, err := e.Sandboxes.Acquire(ctx, e.SessionID)
	if err != nil {
		return nil, fmt.Errorf("acquiring sandbox: %w", err)
	}
	return sb, nil
}
