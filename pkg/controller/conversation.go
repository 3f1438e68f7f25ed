package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"unicode/utf8"

	"github.com/nstogner/officeagent/pkg/domain"
	"github.com/nstogner/officeagent/pkg/memory"
	"github.com/nstogner/officeagent/pkg/model"
	"github.com/nstogner/officeagent/pkg/sandbox"
	"github.com/nstogner/officeagent/pkg/store"
	"github.com/nstogner/officeagent/pkg/tools"
)

var (
	// ErrTurnInProgress is returned by Submit while a turn is running.
	ErrTurnInProgress = errors.New("turn in progress")
	// ErrStepLimit ends a turn that used up its model calls.
	ErrStepLimit = errors.New("step limit reached")
	// ErrInvalidFileRef rejects file refs of an unknown kind or without a path.
	ErrInvalidFileRef = errors.New("invalid file ref")
)

const (
	DefaultMaxSteps      = 25
	DefaultMaxToolOutput = 20000
)

// State is the in-memory turn state of a conversation.
type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
)

// Notifier observes conversation activity. *events.Bus implements it.
type Notifier interface {
	MessageAppended(sessionID string, m domain.Message)
	TurnStateChanged(sessionID, state string, turnErr error)
}

// Deps are the collaborators shared by all conversations.
type Deps struct {
	Store     store.TranscriptStore
	Provider  model.Provider
	Tools     *tools.Dispatcher
	Sandboxes tools.Sandboxes
	// Notifier may be nil.
	Notifier Notifier
}

// Options tune every conversation.
type Options struct {
	Model string
	// FilesDir holds generated images and is scanned for the memory snapshot.
	FilesDir string
	// MaxSteps bounds the model calls of one turn.
	MaxSteps int
	// MaxToolOutput truncates tool messages in the model view. The
	// transcript keeps the full text.
	MaxToolOutput int
	Compaction    CompactionOptions
	Logger        *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxSteps <= 0 {
		o.MaxSteps = DefaultMaxSteps
	}
	if o.MaxToolOutput == 0 {
		o.MaxToolOutput = DefaultMaxToolOutput
	}
	if o.Compaction.Threshold <= 0 {
		o.Compaction.Threshold = DefaultCompactionThreshold
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Conversation is the per-session turn state machine. A turn starts with
// Submit, alternates model calls and tool dispatches, and ends when the
// model answers without tool calls. Every message is persisted before it
// becomes visible in History.
type Conversation struct {
	id     string
	deps   Deps
	opts   Options
	memory *memory.Builder
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	errs   chan error

	mu         sync.Mutex
	state      State
	refs       []domain.FileRef
	transcript []domain.Message
	compaction *domain.Compaction
	snapshot   memory.Snapshot
	system     string
	// starting is set while Submit persists a new turn.
	starting   bool
	turnDone   chan struct{}
}

func newConversation(parent context.Context, sess *domain.Session, deps Deps, opts Options) *Conversation {
	ctx, cancel := context.WithCancel(parent)
	c := &Conversation{
		id:     sess.ID,
		deps:   deps,
		opts:   opts,
		memory: &memory.Builder{FilesDir: opts.FilesDir},
		log:    opts.Logger.With("sessionID", sess.ID),
		ctx:    ctx,
		cancel: cancel,
		errs:   make(chan error, 16),
		state:  StateIdle,
		refs:   slices.Clone(sess.FileRefs),
	}
	if err := c.refreshMemory(); err != nil {
		c.log.Warn("Failed to build initial system message", "error", err)
	}
	return c
}

// load reads the persisted transcript and latest compaction.
func (c *Conversation) load(ctx context.Context) error {
	msgs, err := c.deps.Store.Messages(ctx, c.id)
	if err != nil {
		return fmt.Errorf("loading transcript: %w", err)
	}
	comp, err := c.deps.Store.LatestCompaction(ctx, c.id)
	if err != nil {
		return fmt.Errorf("loading compaction: %w", err)
	}
	c.mu.Lock()
	c.transcript = msgs
	c.compaction = comp
	c.mu.Unlock()
	return nil
}

// ID returns the session id.
func (c *Conversation) ID() string { return c.id }

// State returns Idle or Processing.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Errors delivers turn-level failures. Errors are dropped when nobody reads
// them and the buffer is full.
func (c *Conversation) Errors() <-chan error {
	return c.errs
}

// FileRefs returns the files of the current turn.
func (c *Conversation) FileRefs() []domain.FileRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.refs)
}

// Memory returns the snapshot embedded in the current system message.
func (c *Conversation) Memory() memory.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// History returns a copy of the transcript with the live system message
// first.
func (c *Conversation) History() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Message, 0, len(c.transcript)+1)
	out = append(out, domain.Message{SessionID: c.id, Role: domain.RoleSystem, Content: c.system})
	for _, m := range c.transcript {
		m.ToolCalls = slices.Clone(m.ToolCalls)
		out = append(out, m)
	}
	return out
}

// Submit starts a turn for query. refs, when non-empty, replace the files
// of the session. It returns ErrTurnInProgress without side effects while a
// turn is running or starting.
func (c *Conversation) Submit(ctx context.Context, query string, refs []domain.FileRef) error {
	if err := validateRefs(refs); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == StateProcessing || c.starting {
		c.mu.Unlock()
		return ErrTurnInProgress
	}
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return fmt.Errorf("session %s is closed", c.id)
	}
	// Readers keep going while the turn is persisted; Wait blocks on done.
	c.starting = true
	done := make(chan struct{})
	c.turnDone = done
	c.mu.Unlock()

	user, err := c.persistSubmit(ctx, query, refs)

	c.mu.Lock()
	c.starting = false
	if err == nil {
		c.transcript = append(c.transcript, *user)
		if len(refs) > 0 {
			c.refs = slices.Clone(refs)
		}
		if c.ctx.Err() != nil {
			// Stopped while persisting. The status stays processing so a
			// restart picks the turn up.
			err = fmt.Errorf("session %s is closed", c.id)
		}
	}
	if err != nil {
		close(done)
		c.mu.Unlock()
		return err
	}
	c.state = StateProcessing
	c.mu.Unlock()

	c.notifyMessage(*user)
	c.startTurn(nil)
	return nil
}

// persistSubmit writes the file refs, the processing status and the user
// message of a new turn.
func (c *Conversation) persistSubmit(ctx context.Context, query string, refs []domain.FileRef) (*domain.Message, error) {
	if len(refs) > 0 {
		if err := c.deps.Store.SetFileRefs(ctx, c.id, refs); err != nil {
			return nil, fmt.Errorf("saving file refs: %w", err)
		}
	}
	if err := c.deps.Store.SetStatus(ctx, c.id, domain.SessionStatusProcessing); err != nil {
		return nil, fmt.Errorf("saving status: %w", err)
	}
	user := &domain.Message{Role: domain.RoleUser, Content: query}
	if err := c.deps.Store.Append(ctx, c.id, user); err != nil {
		if serr := c.deps.Store.SetStatus(ctx, c.id, domain.SessionStatusIdle); serr != nil {
			c.log.Error("Failed to reset status", "error", serr)
		}
		return nil, fmt.Errorf("appending user message: %w", err)
	}
	return user, nil
}

// startTurn announces Processing and runs the turn loop in the background,
// dispatching pending calls first. The state must already be Processing.
func (c *Conversation) startTurn(pending []domain.ToolCall) {
	c.notifyState(StateProcessing, nil)
	go c.runTurn(pending)
}

// Wait blocks until no turn is running.
func (c *Conversation) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.turnDone
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resume continues a turn interrupted by a restart, starting from the last
// committed message.
func (c *Conversation) resume() {
	c.mu.Lock()
	if c.state == StateProcessing || c.starting {
		c.mu.Unlock()
		return
	}
	pending, done := pendingWork(c.transcript)
	if !done {
		c.state = StateProcessing
		c.turnDone = make(chan struct{})
	}
	c.mu.Unlock()

	if done {
		c.log.Info("Persisted turn was already complete")
		if err := c.deps.Store.SetStatus(c.ctx, c.id, domain.SessionStatusIdle); err != nil {
			c.log.Error("Failed to reset status", "error", err)
		}
		return
	}
	c.log.Info("Resuming turn", "pendingToolCalls", len(pending))
	c.startTurn(pending)
}

// pendingWork inspects the tail of a transcript. done is true when the last
// turn ended with a plain assistant answer (or nothing happened yet);
// otherwise pending lists the tool calls of the last assistant message that
// have no tool message yet.
func pendingWork(transcript []domain.Message) (pending []domain.ToolCall, done bool) {
	if len(transcript) == 0 {
		return nil, true
	}
	last := transcript[len(transcript)-1]
	if last.Role == domain.RoleAssistant && len(last.ToolCalls) == 0 {
		return nil, true
	}

	answered := map[string]bool{}
	for i := len(transcript) - 1; i >= 0; i-- {
		m := transcript[i]
		switch m.Role {
		case domain.RoleTool:
			answered[m.ToolCallID] = true
		case domain.RoleAssistant:
			for _, tc := range m.ToolCalls {
				if !answered[tc.ID] {
					pending = append(pending, tc)
				}
			}
			return pending, false
		case domain.RoleUser:
			return nil, false
		}
	}
	return nil, false
}

func (c *Conversation) runTurn(pending []domain.ToolCall) {
	err := c.loop(c.ctx, pending)
	c.finishTurn(err)
}

func (c *Conversation) loop(ctx context.Context, pending []domain.ToolCall) error {
	if err := c.refreshMemory(); err != nil {
		return err
	}
	if len(pending) > 0 {
		if err := c.dispatchAll(ctx, pending); err != nil {
			return err
		}
	}

	for calls := 1; ; calls++ {
		req := c.request()
		reply, err := c.deps.Provider.Complete(ctx, req)
		if err != nil {
			return fmt.Errorf("calling model: %w", err)
		}

		msg := model.ToDomain(reply, c.opts.Model)
		if err := c.append(ctx, &msg); err != nil {
			return fmt.Errorf("appending assistant message: %w", err)
		}
		if len(msg.ToolCalls) == 0 {
			return nil
		}
		if err := c.dispatchAll(ctx, msg.ToolCalls); err != nil {
			return err
		}
		if calls >= c.opts.MaxSteps {
			return fmt.Errorf("%w after %d model calls", ErrStepLimit, calls)
		}
	}
}

// dispatchAll runs calls in order. Tool failures become tool messages; only
// store failures and cancellation end the turn.
func (c *Conversation) dispatchAll(ctx context.Context, calls []domain.ToolCall) error {
	for _, tc := range calls {
		if err := ctx.Err(); err != nil {
			return err
		}
		env := c.toolEnv()
		c.log.Debug("Dispatching tool", "tool", tc.Name, "toolCallID", tc.ID)
		out := c.deps.Tools.Dispatch(ctx, env, tc.Name, tc.Input)

		msg := &domain.Message{
			Role:       domain.RoleTool,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			Content:    out.Content,
			IsError:    out.IsError,
		}
		if err := c.append(ctx, msg); err != nil {
			return fmt.Errorf("appending tool message: %w", err)
		}
		if out.Mutated {
			if err := c.refreshMemory(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Conversation) toolEnv() *tools.Env {
	return &tools.Env{
		SessionID: c.id,
		FilesDir:  c.opts.FilesDir,
		Paths:     memory.NewPaths(c.FileRefs()),
		Sandboxes: c.deps.Sandboxes,
		Handlers: sandbox.Handlers{
			OnStdout: func(m sandbox.OutputMessage) { c.log.Debug("Sandbox stdout", "line", m.Line) },
			OnStderr: func(m sandbox.OutputMessage) { c.log.Debug("Sandbox stderr", "line", m.Line) },
		},
	}
}

func (c *Conversation) finishTurn(err error) {
	ctx := c.ctx
	shutdown := ctx.Err() != nil

	if err != nil && !shutdown {
		c.log.Error("Turn failed", "error", err)
		select {
		case c.errs <- err:
		default:
			c.log.Warn("Dropping turn error, nobody is reading")
		}
	}
	if err == nil {
		if cerr := c.maybeCompact(ctx); cerr != nil {
			c.log.Warn("Compaction failed", "error", cerr)
		}
	}

	// On shutdown the status stays processing so the turn resumes on restart.
	if !shutdown {
		if serr := c.deps.Store.SetStatus(ctx, c.id, domain.SessionStatusIdle); serr != nil {
			c.log.Error("Failed to reset status", "error", serr)
		}
	}

	c.mu.Lock()
	c.state = StateIdle
	close(c.turnDone)
	c.mu.Unlock()
	c.notifyState(StateIdle, err)
}

// append persists m and only then adds it to the in-memory transcript.
func (c *Conversation) append(ctx context.Context, m *domain.Message) error {
	if err := c.deps.Store.Append(ctx, c.id, m); err != nil {
		return err
	}
	c.mu.Lock()
	c.transcript = append(c.transcript, *m)
	c.mu.Unlock()
	c.notifyMessage(*m)
	return nil
}

// refreshMemory rebuilds the snapshot from the files on disk and renders
// the system message.
func (c *Conversation) refreshMemory() error {
	refs := c.FileRefs()
	snap := c.memory.Snapshot(refs)
	system, err := memory.SystemPrompt(snap, memory.NewPaths(refs), c.opts.FilesDir)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.snapshot = snap
	c.system = system
	c.mu.Unlock()
	return nil
}

// request builds the model view: the compaction summary (if any), the
// messages after it, and truncated tool output.
func (c *Conversation) request() model.Request {
	c.mu.Lock()
	msgs := c.viewLocked()
	system := c.system
	summary := ""
	if c.compaction != nil {
		summary = c.compaction.Summary
	}
	c.mu.Unlock()

	for i := range msgs {
		if msgs[i].Role == domain.RoleTool && c.truncatable(msgs[i]) {
			msgs[i].Content = truncate(msgs[i].Content, c.opts.MaxToolOutput)
		}
	}
	view := model.FromTranscript(msgs)
	if summary != "" {
		view = append([]model.Message{{
			Role:    domain.RoleCompactionSummary,
			Content: []model.Content{{Type: domain.ContentTypeText, Text: summary}},
		}}, view...)
	}

	return model.Request{
		Model:        c.opts.Model,
		Instructions: system,
		Messages:     view,
		Tools:        toolSpecs(c.deps.Tools),
	}
}

// truncatable reports whether a tool message may be cut in the model view.
// Errors always may; encoded payloads such as images may not.
func (c *Conversation) truncatable(m domain.Message) bool {
	if m.IsError || c.deps.Tools == nil {
		return true
	}
	return c.deps.Tools.Truncatable(m.ToolName)
}

// viewLocked returns a copy of the messages after the latest compaction.
func (c *Conversation) viewLocked() []domain.Message {
	var after int64
	if c.compaction != nil {
		after = c.compaction.UpToSeq
	}
	var out []domain.Message
	for _, m := range c.transcript {
		if m.Seq > after {
			out = append(out, m)
		}
	}
	return out
}

func toolSpecs(d *tools.Dispatcher) []model.ToolSpec {
	var specs []model.ToolSpec
	for _, t := range d.Tools() {
		params, err := tools.ParametersMap(t)
		if err != nil {
			slog.Error("Skipping tool with invalid schema", "tool", t.Name(), "error", err)
			continue
		}
		specs = append(specs, model.ToolSpec{Name: t.Name(), Description: t.Description(), Parameters: params})
	}
	return specs
}

func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit]) + fmt.Sprintf("\n... [truncated %d characters]", len(r)-limit)
}

func validateRefs(refs []domain.FileRef) error {
	for _, r := range refs {
		if r.Path == "" {
			return fmt.Errorf("%w: empty path", ErrInvalidFileRef)
		}
		if r.Kind != domain.FileKindSlide && r.Kind != domain.FileKindSheet {
			return fmt.Errorf("%w: unknown kind %q for %s", ErrInvalidFileRef, r.Kind, r.Path)
		}
	}
	return nil
}

func (c *Conversation) notifyMessage(m domain.Message) {
	if c.deps.Notifier != nil {
		c.deps.Notifier.MessageAppended(c.id, m)
	}
}

func (c *Conversation) notifyState(s State, err error) {
	if c.deps.Notifier != nil {
		c.deps.Notifier.TurnStateChanged(c.id, string(s), err)
	}
}

// stop cancels a running turn and waits for it to unwind.
func (c *Conversation) stop(ctx context.Context) error {
	c.cancel()
	return c.Wait(ctx)
}
