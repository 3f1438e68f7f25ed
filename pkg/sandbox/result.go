package sandbox

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Format names one representation of a Result. The string value is the
// field name used on the wire.
type Format string

const (
	FormatText       Format = "text"
	FormatHTML       Format = "html"
	FormatMarkdown   Format = "markdown"
	FormatSVG        Format = "svg"
	FormatPNG        Format = "png"
	FormatJPEG       Format = "jpeg"
	FormatPDF        Format = "pdf"
	FormatLaTeX      Format = "latex"
	FormatJSON       Format = "json"
	FormatJavaScript Format = "javascript"
	FormatData       Format = "data"
	FormatChart      Format = "chart"
)

// formatOrder is the order in which representations are reported.
var formatOrder = []Format{
	FormatText, FormatHTML, FormatMarkdown, FormatSVG, FormatPNG, FormatJPEG,
	FormatPDF, FormatLaTeX, FormatJSON, FormatJavaScript, FormatData, FormatChart,
}

// Payload is a single representation of an output. Implementations are the
// closed set of types in this file.
type Payload interface {
	Format() Format
	isPayload()
}

type (
	Text       string
	HTML       string
	Markdown   string
	SVG        string
	PNG        string // base64
	JPEG       string // base64
	PDF        string // base64
	LaTeX      string
	JavaScript string
	JSON       map[string]any
	Data       map[string]any
)

// ChartType classifies a Chart payload.
type ChartType string

const (
	ChartLine          ChartType = "line"
	ChartScatter       ChartType = "scatter"
	ChartBar           ChartType = "bar"
	ChartPie           ChartType = "pie"
	ChartBoxAndWhisker ChartType = "box_and_whisker"
	ChartSuperchart    ChartType = "superchart"
	ChartUnknown       ChartType = "unknown"
)

// Chart is a structured description of a plotted figure.
type Chart struct {
	Type     ChartType `json:"type"`
	Title    string    `json:"title"`
	Elements []any     `json:"elements"`
}

func (Text) Format() Format       { return FormatText }
func (HTML) Format() Format       { return FormatHTML }
func (Markdown) Format() Format   { return FormatMarkdown }
func (SVG) Format() Format        { return FormatSVG }
func (PNG) Format() Format        { return FormatPNG }
func (JPEG) Format() Format       { return FormatJPEG }
func (PDF) Format() Format        { return FormatPDF }
func (LaTeX) Format() Format      { return FormatLaTeX }
func (JavaScript) Format() Format { return FormatJavaScript }
func (JSON) Format() Format       { return FormatJSON }
func (Data) Format() Format       { return FormatData }
func (Chart) Format() Format      { return FormatChart }

func (Text) isPayload()       {}
func (HTML) isPayload()       {}
func (Markdown) isPayload()   {}
func (SVG) isPayload()        {}
func (PNG) isPayload()        {}
func (JPEG) isPayload()       {}
func (PDF) isPayload()        {}
func (LaTeX) isPayload()      {}
func (JavaScript) isPayload() {}
func (JSON) isPayload()       {}
func (Data) isPayload()       {}
func (Chart) isPayload()      {}

// Result is one displayed output of an execution. A single output may be
// available in several representations (e.g. a figure as text and png), so
// a Result holds at most one Payload per Format.
type Result struct {
	payloads     map[Format]Payload
	IsMainResult bool
}

// NewResult builds a Result from the given payloads. Later payloads replace
// earlier ones of the same format.
func NewResult(isMain bool, payloads ...Payload) Result {
	r := Result{IsMainResult: isMain}
	for _, p := range payloads {
		r.Set(p)
	}
	return r
}

// Set stores p, replacing any payload of the same format.
func (r *Result) Set(p Payload) {
	if p == nil {
		return
	}
	if r.payloads == nil {
		r.payloads = make(map[Format]Payload)
	}
	r.payloads[p.Format()] = p
}

// Get returns the payload for f.
func (r Result) Get(f Format) (Payload, bool) {
	p, ok := r.payloads[f]
	return p, ok
}

// Delete removes the payload for f.
func (r *Result) Delete(f Format) {
	delete(r.payloads, f)
}

// Formats lists the available representations in a stable order.
func (r Result) Formats() []Format {
	var out []Format
	for _, f := range formatOrder {
		if _, ok := r.payloads[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

// Text returns the plain text representation, if any.
func (r Result) Text() (string, bool) {
	p, ok := r.payloads[FormatText]
	if !ok {
		return "", false
	}
	return string(p.(Text)), true
}

// MarshalJSON renders the result in wire form: one field per format plus
// is_main_result.
func (r Result) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.payloads)+1)
	for f, p := range r.payloads {
		m[string(f)] = p
	}
	m["is_main_result"] = r.IsMainResult
	return json.Marshal(m)
}

// UnmarshalJSON parses the wire form. Unknown fields are ignored.
func (r *Result) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*r = Result{}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := raw[k]
		if string(v) == "null" {
			continue
		}
		if k == "is_main_result" {
			if err := json.Unmarshal(v, &r.IsMainResult); err != nil {
				return fmt.Errorf("decoding is_main_result: %w", err)
			}
			continue
		}
		p, err := decodePayload(Format(k), v)
		if err != nil {
			return fmt.Errorf("decoding %s: %w", k, err)
		}
		r.Set(p)
	}
	return nil
}

func decodePayload(f Format, v json.RawMessage) (Payload, error) {
	str := func() (string, error) {
		var s string
		err := json.Unmarshal(v, &s)
		return s, err
	}
	obj := func() (map[string]any, error) {
		var m map[string]any
		err := json.Unmarshal(v, &m)
		return m, err
	}
	switch f {
	case FormatText:
		s, err := str()
		return Text(s), err
	case FormatHTML:
		s, err := str()
		return HTML(s), err
	case FormatMarkdown:
		s, err := str()
		return Markdown(s), err
	case FormatSVG:
		s, err := str()
		return SVG(s), err
	case FormatPNG:
		s, err := str()
		return PNG(s), err
	case FormatJPEG:
		s, err := str()
		return JPEG(s), err
	case FormatPDF:
		s, err := str()
		return PDF(s), err
	case FormatLaTeX:
		s, err := str()
		return LaTeX(s), err
	case FormatJavaScript:
		s, err := str()
		return JavaScript(s), err
	case FormatJSON:
		m, err := obj()
		return JSON(m), err
	case FormatData:
		m, err := obj()
		return Data(m), err
	case FormatChart:
		var c Chart
		err := json.Unmarshal(v, &c)
		return c, err
	default:
		return nil, nil
	}
}
