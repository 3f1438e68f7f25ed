package sandbox

// Execution is the accumulated outcome of one code submission.
type Execution struct {
	Results []Result `json:"results"`
	Stdout  []string `json:"stdout"`
	Stderr  []string `json:"stderr"`
	// Error holds the first error reported for the submission.
	Error          *ExecutionError `json:"error,omitempty"`
	ExecutionCount *int            `json:"execution_count,omitempty"`
}

// ExecutionError describes an error raised by the executed code, or one
// synthesized when the kernel could not be read.
type ExecutionError struct {
	Name      string   `json:"name"`
	Value     string   `json:"value"`
	Traceback []string `json:"traceback"`
}

func (e *ExecutionError) Error() string {
	return e.Name + ": " + e.Value
}

// OutputMessage is a single stdout or stderr chunk.
type OutputMessage struct {
	Line      string `json:"line"`
	Timestamp int64  `json:"timestamp"` // unix millis
	Error     bool   `json:"error"`
}

// Handlers receive outputs as they are classified. Any field may be nil.
type Handlers struct {
	OnStdout func(OutputMessage)
	OnStderr func(OutputMessage)
	OnResult func(Result)
	OnError  func(ExecutionError)
}

// Apply folds a classified output into the execution and notifies h.
func (e *Execution) Apply(o Output, h Handlers) {
	switch o.Type {
	case OutputStdout:
		e.Stdout = append(e.Stdout, o.Text)
		if h.OnStdout != nil {
			h.OnStdout(OutputMessage{Line: o.Text, Timestamp: o.Timestamp})
		}
	case OutputStderr:
		e.Stderr = append(e.Stderr, o.Text)
		if h.OnStderr != nil {
			h.OnStderr(OutputMessage{Line: o.Text, Timestamp: o.Timestamp, Error: true})
		}
	case OutputResult:
		if o.Result == nil {
			return
		}
		e.Results = append(e.Results, *o.Result)
		if h.OnResult != nil {
			h.OnResult(*o.Result)
		}
	case OutputError:
		if o.Error == nil || e.Error != nil {
			return
		}
		errCopy := *o.Error
		e.Error = &errCopy
		if h.OnError != nil {
			h.OnError(errCopy)
		}
	case OutputExecutionCount:
		n := o.ExecutionCount
		e.ExecutionCount = &n
	}
}

// MainResult returns the execute_result output, if the code produced one.
func (e *Execution) MainResult() (Result, bool) {
	for _, r := range e.Results {
		if r.IsMainResult {
			return r, true
		}
	}
	return Result{}, false
}
