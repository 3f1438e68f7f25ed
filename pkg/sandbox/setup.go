package sandbox

import "fmt"

// ArtifactMIME is the display type used by declare_artifact. Results in
// this format surface as Data payloads with an "artifact" key.
const ArtifactMIME = "application/vnd.officeagent.artifact+json"

// SetupScript runs once in every new sandbox before it is handed out.
// Code submitted later reports what it changed by calling declare_artifact
// instead of leaving specially named variables behind.
const SetupScript = `
import os
import uuid
import warnings

import numpy as np
import pandas as pd
import matplotlib.pyplot as plt
from IPython.display import display, HTML, Markdown

%matplotlib inline
warnings.filterwarnings("ignore")

def declare_artifact(path, kind, note=""):
    """Report a file created or modified by this cell."""
    display({"` + ArtifactMIME + `": {"artifact": {"path": str(path), "kind": str(kind), "note": str(note)}}}, raw=True)

def save_matplotlib_fig(filename=None, directory="."):
    if filename is None:
        filename = f"{uuid.uuid4()}.png"
    if not filename.lower().endswith((".png", ".jpg", ".jpeg", ".svg")):
        filename = f"{filename}.png"
    path = os.path.join(directory, filename)
    plt.savefig(path)
    plt.close()
    declare_artifact(path, "image")
    return path
`

// Artifact is a file the executed code declared as created or modified.
type Artifact struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
	Note string `json:"note,omitempty"`
}

// Artifacts returns the artifacts declared during the execution, in order.
func (e *Execution) Artifacts() []Artifact {
	var out []Artifact
	for _, r := range e.Results {
		p, ok := r.Get(FormatData)
		if !ok {
			continue
		}
		raw, ok := p.(Data)["artifact"].(map[string]any)
		if !ok {
			continue
		}
		a := Artifact{
			Path: stringField(raw, "path"),
			Kind: stringField(raw, "kind"),
			Note: stringField(raw, "note"),
		}
		if a.Path == "" {
			continue
		}
		out = append(out, a)
	}
	return out
}

func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
