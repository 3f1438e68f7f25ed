package sandbox

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// OutputType is the discriminator of a wire output.
type OutputType string

const (
	OutputStdout         OutputType = "stdout"
	OutputStderr         OutputType = "stderr"
	OutputResult         OutputType = "result"
	OutputError          OutputType = "error"
	OutputExecutionCount OutputType = "number_of_executions"
)

// Output is one classified kernel message. Which fields are meaningful
// depends on Type.
type Output struct {
	Type           OutputType
	Text           string
	Timestamp      int64
	Result         *Result
	Error          *ExecutionError
	ExecutionCount int
}

// MarshalJSON renders the flat wire object, e.g.
// {"type":"stdout","text":"hi\n","timestamp":1700000000000}.
func (o Output) MarshalJSON() ([]byte, error) {
	switch o.Type {
	case OutputStdout, OutputStderr:
		return json.Marshal(struct {
			Type      OutputType `json:"type"`
			Text      string     `json:"text"`
			Timestamp int64      `json:"timestamp"`
		}{o.Type, o.Text, o.Timestamp})
	case OutputResult:
		if o.Result == nil {
			return nil, fmt.Errorf("result output without result")
		}
		b, err := json.Marshal(o.Result)
		if err != nil {
			return nil, err
		}
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, err
		}
		m["type"] = OutputResult
		return json.Marshal(m)
	case OutputError:
		if o.Error == nil {
			return nil, fmt.Errorf("error output without error")
		}
		tb := o.Error.Traceback
		if tb == nil {
			tb = []string{}
		}
		return json.Marshal(struct {
			Type      OutputType `json:"type"`
			Name      string     `json:"name"`
			Value     string     `json:"value"`
			Traceback []string   `json:"traceback"`
		}{o.Type, o.Error.Name, o.Error.Value, tb})
	case OutputExecutionCount:
		return json.Marshal(struct {
			Type           OutputType `json:"type"`
			ExecutionCount int        `json:"execution_count"`
		}{o.Type, o.ExecutionCount})
	default:
		return nil, fmt.Errorf("unknown output type %q", o.Type)
	}
}

// ParseOutput decodes one wire object.
func ParseOutput(b []byte) (Output, error) {
	var head struct {
		Type OutputType `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return Output{}, fmt.Errorf("decoding output: %w", err)
	}

	out := Output{Type: head.Type}
	switch head.Type {
	case OutputStdout, OutputStderr:
		var v struct {
			Text      string `json:"text"`
			Timestamp int64  `json:"timestamp"`
		}
		if err := json.Unmarshal(b, &v); err != nil {
			return Output{}, fmt.Errorf("decoding %s: %w", head.Type, err)
		}
		out.Text, out.Timestamp = v.Text, v.Timestamp
	case OutputResult:
		var r Result
		if err := json.Unmarshal(b, &r); err != nil {
			return Output{}, fmt.Errorf("decoding result: %w", err)
		}
		out.Result = &r
	case OutputError:
		var v struct {
			Name      string          `json:"name"`
			Value     string          `json:"value"`
			Traceback json.RawMessage `json:"traceback"`
		}
		if err := json.Unmarshal(b, &v); err != nil {
			return Output{}, fmt.Errorf("decoding error: %w", err)
		}
		out.Error = &ExecutionError{Name: v.Name, Value: v.Value, Traceback: decodeTraceback(v.Traceback)}
	case OutputExecutionCount:
		var v struct {
			ExecutionCount int `json:"execution_count"`
		}
		if err := json.Unmarshal(b, &v); err != nil {
			return Output{}, fmt.Errorf("decoding execution count: %w", err)
		}
		out.ExecutionCount = v.ExecutionCount
	default:
		return Output{}, fmt.Errorf("unknown output type %q", head.Type)
	}
	return out, nil
}

// decodeTraceback accepts either a list of frames or a single string.
func decodeTraceback(raw json.RawMessage) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return []string{}
	}
	var frames []string
	if err := json.Unmarshal(raw, &frames); err == nil {
		return frames
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return []string{s}
	}
	return []string{}
}

// KernelMessage is a message read from a kernel's iopub or shell channel.
type KernelMessage struct {
	MsgType  string          `json:"msg_type"`
	ParentID string          `json:"parent_id"`
	Content  json.RawMessage `json:"content"`
}

// IsIdle reports whether the message marks the end of the parent request.
func (m KernelMessage) IsIdle() bool {
	if m.MsgType != "status" {
		return false
	}
	var c struct {
		ExecutionState string `json:"execution_state"`
	}
	if err := json.Unmarshal(m.Content, &c); err != nil {
		return false
	}
	return c.ExecutionState == "idle"
}

// mimeFormats maps display MIME types to result formats.
var mimeFormats = map[string]Format{
	"text/plain":             FormatText,
	"text/html":              FormatHTML,
	"text/markdown":          FormatMarkdown,
	"image/svg+xml":          FormatSVG,
	"image/png":              FormatPNG,
	"image/jpeg":             FormatJPEG,
	"application/pdf":        FormatPDF,
	"text/latex":             FormatLaTeX,
	"application/json":       FormatJSON,
	"application/javascript": FormatJavaScript,
}

// Classify maps a kernel message onto a wire output. Messages that carry
// nothing for the execution (status, execute_request echoes, comms) report
// false.
func Classify(m KernelMessage, now time.Time) (Output, bool) {
	ts := now.UnixMilli()
	switch m.MsgType {
	case "stream":
		var c struct {
			Name string `json:"name"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(m.Content, &c); err != nil {
			slog.Warn("Skipping malformed stream message", "error", err)
			return Output{}, false
		}
		typ := OutputStdout
		if c.Name == "stderr" {
			typ = OutputStderr
		}
		return Output{Type: typ, Text: c.Text, Timestamp: ts}, true

	case "execute_result", "display_data":
		var c struct {
			Data map[string]json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(m.Content, &c); err != nil {
			slog.Warn("Skipping malformed display message", "type", m.MsgType, "error", err)
			return Output{}, false
		}
		r := NewResult(m.MsgType == "execute_result")
		for mime, v := range c.Data {
			f, ok := formatForMIME(mime)
			if !ok {
				continue
			}
			p, err := decodeMIME(f, v)
			if err != nil {
				slog.Warn("Skipping undecodable representation", "mime", mime, "error", err)
				continue
			}
			r.Set(p)
		}
		return Output{Type: OutputResult, Result: &r, Timestamp: ts}, true

	case "error":
		var c struct {
			Ename     string   `json:"ename"`
			Evalue    string   `json:"evalue"`
			Traceback []string `json:"traceback"`
		}
		if err := json.Unmarshal(m.Content, &c); err != nil {
			slog.Warn("Skipping malformed error message", "error", err)
			return Output{}, false
		}
		if c.Traceback == nil {
			c.Traceback = []string{}
		}
		return Output{Type: OutputError, Error: &ExecutionError{Name: c.Ename, Value: c.Evalue, Traceback: c.Traceback}, Timestamp: ts}, true

	case "execute_input", "execute_reply":
		var c struct {
			ExecutionCount *int `json:"execution_count"`
		}
		if err := json.Unmarshal(m.Content, &c); err != nil || c.ExecutionCount == nil {
			return Output{}, false
		}
		return Output{Type: OutputExecutionCount, ExecutionCount: *c.ExecutionCount, Timestamp: ts}, true
	}
	return Output{}, false
}

func formatForMIME(mime string) (Format, bool) {
	if f, ok := mimeFormats[mime]; ok {
		return f, true
	}
	if mime == ArtifactMIME {
		return FormatData, true
	}
	return "", false
}

// decodeMIME converts a display_data value. Text-like values may arrive as
// a list of lines.
func decodeMIME(f Format, v json.RawMessage) (Payload, error) {
	if f == FormatJSON || f == FormatData {
		var anyv any
		if err := json.Unmarshal(v, &anyv); err != nil {
			return nil, err
		}
		m, ok := anyv.(map[string]any)
		if !ok {
			m = map[string]any{"value": anyv}
		}
		if f == FormatData {
			return Data(m), nil
		}
		return JSON(m), nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		var lines []string
		if err2 := json.Unmarshal(v, &lines); err2 != nil {
			return nil, err
		}
		for _, l := range lines {
			s += l
		}
	}
	return decodePayload(f, mustJSON(s))
}

func mustJSON(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
