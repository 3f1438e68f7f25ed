package memory

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig"
)

const systemTemplate = `You are an AI PowerPoint and Excel agent. You can view and modify PowerPoint slides and Excel sheets.

The memory snapshot of available files is:
{{ .Snapshot | toPrettyJson }}

File paths mapping:
{{ .Paths | toPrettyJson }}

You have access to the following tools:
1. get_slide - Get the XML representation of a slide
2. get_excel_data - Get data from an Excel sheet as a markdown table with schema and column metrics
3. execute_code - Execute Python code in a persistent interpreter for data analysis, visualization, and file modification. Variables persist between calls. Include all necessary imports and open files by their mapped paths. Use python-pptx for PowerPoint and pandas or openpyxl for Excel.
4. get_data_analysis - Run Python code against one sheet with the sheet preloaded as the pandas DataFrame ` + "`df`" + `
5. get_image - Get the base64 encoded data URL of an image file

When code creates or modifies a file, call declare_artifact(path, kind, note="") so the change is reported back; kind is one of {{ .ArtifactKinds | join ", " }}.
For visualization, use save_matplotlib_fig() or display the figure; displayed images are saved automatically.
{{- if .FilesDir }}
All files reside in "{{ .FilesDir }}" and you must save any images to the same directory.
{{- end }}

Always plan your approach before making changes. First examine the files to understand their structure,
then make targeted modifications based on the user's request.`

var promptTemplate = template.Must(template.New("system").Funcs(sprig.TxtFuncMap()).Parse(systemTemplate))

// ArtifactKinds are the kinds accepted by declare_artifact.
var ArtifactKinds = []string{"slide", "sheet", "image", "file"}

// SystemPrompt renders the system message for a snapshot and mapping.
func SystemPrompt(snap Snapshot, paths Paths, filesDir string) (string, error) {
	if paths == nil {
		paths = Paths{}
	}
	var b strings.Builder
	err := promptTemplate.Execute(&b, map[string]any{
		"Snapshot":      snap,
		"Paths":         paths,
		"FilesDir":      filesDir,
		"ArtifactKinds": ArtifactKinds,
	})
	if err != nil {
		return "", fmt.Errorf("rendering system prompt: %w", err)
	}
	return b.String(), nil
}
