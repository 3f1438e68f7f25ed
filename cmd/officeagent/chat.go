package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/nstogner/officeagent/pkg/config"
	"github.com/nstogner/officeagent/pkg/controller"
	"github.com/nstogner/officeagent/pkg/domain"
	"github.com/nstogner/officeagent/pkg/events"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	senderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("5")).
			Bold(true)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")).
			Bold(true)

	toolStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true)

	cursorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	selectedItemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	errorStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Padding(0, 1) // Red
)

// maxToolPreview bounds how much of a tool result the chat view shows.
const maxToolPreview = 600

func newChatCmd(load func() (*config.Config, error)) *cobra.Command {
	var sheets, slides []string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			var refs []domain.FileRef
			for _, p := range sheets {
				refs = append(refs, domain.FileRef{Kind: domain.FileKindSheet, Path: absPath(p)})
			}
			for _, p := range slides {
				refs = append(refs, domain.FileRef{Kind: domain.FileKindSlide, Path: absPath(p)})
			}
			return chat(cmd.Context(), cfg, refs)
		},
	}
	cmd.Flags().StringSliceVar(&sheets, "sheet", nil, "workbook to attach to a new session (repeatable)")
	cmd.Flags().StringSliceVar(&slides, "slide", nil, "slide deck to attach to a new session (repeatable)")
	return cmd
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func chat(ctx context.Context, cfg *config.Config, refs []domain.FileRef) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The terminal belongs to the UI, so logs go to a file.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(cfg.DataDir, "chat.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	log := newLogger(cfg.Log, f)
	slog.SetDefault(log)

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.close(closeCtx); err != nil {
			log.Error("Shutdown incomplete", "error", err)
		}
	}()
	if err := a.manager.Resume(ctx); err != nil {
		log.Error("Failed to resume some sessions", "error", err)
	}

	p := tea.NewProgram(initialChatModel(ctx, a, refs))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running chat: %w", err)
	}
	return nil
}

type chatState int

const (
	stateMenu chatState = iota
	stateSelectingSession
	stateChatting
	stateConfirmExit
)

type errMsg struct{ err error }
type sessionEventMsg events.Event
type turnErrorMsg struct{ err error }
type updateViewMsg struct{ content string }
type sessionOpenedMsg struct{ conv *controller.Conversation }
type sessionsListedMsg struct{ sessions []domain.Session }

type chatModel struct {
	ctx     context.Context
	app     *app
	newRefs []domain.FileRef

	conv         *controller.Conversation
	updates      <-chan events.Event
	cancelUpdate context.CancelFunc

	// State
	state             chatState
	availableSessions []domain.Session
	cursor            int
	listOffset        int
	width             int
	height            int
	processing        bool
	err               error

	// UI Components
	viewport viewport.Model
	textarea textarea.Model
	renderer *glamour.TermRenderer
}

func initialChatModel(ctx context.Context, a *app, refs []domain.FileRef) chatModel {
	ta := textarea.New()
	ta.Placeholder = "Send a message..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 4000

	ta.SetWidth(80)
	ta.SetHeight(3)

	// Remove cursor line styling
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	vp := viewport.New(80, 20)
	vp.SetContent("Welcome! Select an option.")

	// Use "light" style to avoid terminal queries that leak into input
	r, _ := glamour.NewTermRenderer(
		glamour.WithStandardStyle("light"),
		glamour.WithWordWrap(80),
	)

	return chatModel{
		ctx:      ctx,
		app:      a,
		newRefs:  refs,
		state:    stateMenu,
		viewport: vp,
		textarea: ta,
		renderer: r,
	}
}

func (m chatModel) Init() tea.Cmd {
	return textarea.Blink
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	var tiCmd, vpCmd tea.Cmd
	// This prevents the Enter key used for menu selection from leaking into the textarea.
	switch msg.(type) {
	case tea.KeyMsg:
		if m.state == stateChatting {
			m.textarea, tiCmd = m.textarea.Update(msg)
			cmds = append(cmds, tiCmd)
		}
	default:
		m.textarea, tiCmd = m.textarea.Update(msg)
		cmds = append(cmds, tiCmd)
	}

	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, vpCmd)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.textarea.SetWidth(msg.Width)
		m.viewport.Height = max(msg.Height-m.textarea.Height()-3, 0) // Header + Status + Margin
		m.viewport.YPosition = 2

		// Using standard style avoids "Querying terminal..." escape sequences leaking into input
		m.renderer, _ = glamour.NewTermRenderer(
			glamour.WithStandardStyle("light"),
			glamour.WithWordWrap(max(m.width-4, 20)),
		)
		m.clampList()
		if m.conv != nil {
			cmds = append(cmds, m.reloadMessages())
		}

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			if m.state == stateConfirmExit && msg.Type == tea.KeyEsc {
				m.state = stateChatting
				return m, nil
			}
			if m.conv != nil {
				m.state = stateConfirmExit
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyEnter:
			switch m.state {
			case stateMenu:
				if m.cursor == 0 {
					return m, m.createSession()
				}
				return m, m.listSessions()
			case stateSelectingSession:
				if len(m.availableSessions) == 0 {
					return m, nil
				}
				return m, m.openSession(m.availableSessions[m.cursor].ID)
			case stateChatting:
				m.err = nil // Clear error on new message
				return m.sendMessage()
			}
		case tea.KeyUp:
			if m.cursor > 0 {
				m.cursor--
				m.clampList()
			}
		case tea.KeyDown:
			var maxCursor int
			switch m.state {
			case stateMenu:
				maxCursor = 1 // 2 options
			case stateSelectingSession:
				maxCursor = len(m.availableSessions) - 1
			}
			if m.cursor < maxCursor {
				m.cursor++
				m.clampList()
			}
		default:
			if m.state == stateConfirmExit {
				switch msg.String() {
				case "y", "Y":
					// End Session
					return m, tea.Sequence(m.endSessionCmd(), tea.Quit)
				case "n", "N":
					// Leave it for later
					return m, tea.Quit
				}
			}
		}

	case sessionsListedMsg:
		if len(msg.sessions) == 0 {
			m.err = fmt.Errorf("no existing sessions found")
			break
		}
		m.availableSessions = msg.sessions
		m.state = stateSelectingSession
		m.cursor = 0
		m.listOffset = 0

	case sessionOpenedMsg:
		return m.enterChat(msg.conv)

	case sessionEventMsg:
		slog.Debug("Chat received event", "type", msg.Type, "state", msg.State)
		if msg.Type == events.TypeTurn {
			m.processing = msg.State == string(controller.StateProcessing)
		}
		cmds = append(cmds, m.reloadMessages(), waitForEvent(m.updates))

	case turnErrorMsg:
		m.err = msg.err
		cmds = append(cmds, waitForTurnError(m.conv.Errors()))

	case updateViewMsg:
		m.viewport.SetContent(msg.content)
		m.viewport.GotoBottom()

	case errMsg:
		m.err = msg.err
	}

	return m, tea.Batch(cmds...)
}

func (m *chatModel) clampList() {
	// Header: ~3 lines, Footer: ~3 lines
	maxViewable := max(m.height-7, 1)
	if m.cursor < m.listOffset {
		m.listOffset = m.cursor
	}
	if m.cursor >= m.listOffset+maxViewable {
		m.listOffset = m.cursor - maxViewable + 1
	}
	if m.listOffset < 0 {
		m.listOffset = 0
	}
}

func (m chatModel) View() string {
	var errorView string
	if m.err != nil {
		errorView = errorStyle.Width(m.width).Render(fmt.Sprintf("\nError: %v", m.err))
	}

	switch m.state {
	case stateMenu:
		header := titleStyle.Render("Main Menu")

		options := []string{"New Session", "Continue Session"}
		var optionsView []string
		for i, choice := range options {
			cursor := " "
			if m.cursor == i {
				cursor = ">"
				choice = selectedItemStyle.Render(choice)
			}
			optionsView = append(optionsView, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), choice))
		}

		list := lipgloss.JoinVertical(lipgloss.Left, optionsView...)
		footer := "Press Enter to select, Esc to quit."
		return lipgloss.JoinVertical(lipgloss.Left, header, "", list, "", footer, errorView)

	case stateSelectingSession:
		header := titleStyle.Render("Select Session")

		end := min(m.listOffset+max(m.height-7, 1), len(m.availableSessions))
		var optionsView []string
		for i := m.listOffset; i < end; i++ {
			choice := m.availableSessions[i]
			cursor := " "
			line := fmt.Sprintf("%s (%s, %s)", choice.ID, choice.Status, choice.UpdatedAt.Format(time.RFC822))
			if m.cursor == i {
				cursor = ">"
				line = selectedItemStyle.Render(line)
			}
			optionsView = append(optionsView, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), line))
		}

		list := lipgloss.JoinVertical(lipgloss.Left, optionsView...)
		footer := "Press Enter to select, Esc to quit."
		return lipgloss.JoinVertical(lipgloss.Left, header, "", list, "", footer, errorView)

	case stateConfirmExit:
		return lipgloss.JoinVertical(
			lipgloss.Left,
			titleStyle.Render("Confirm Exit"),
			"",
			"End Session? (y/n)",
			"Ending the session removes its sandbox. Esc returns to the chat.",
			errorView,
		)
	}

	status := ""
	if m.processing {
		status = statusStyle.Render("working...")
	}
	return lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Render("Office Agent "+m.conv.ID()),
		"",
		m.viewport.View(),
		status,
		errorView,
		m.textarea.View(),
	)
}

// Actions

func (m chatModel) createSession() tea.Cmd {
	return func() tea.Msg {
		conv, err := m.app.manager.Create(m.ctx, m.newRefs)
		if err != nil {
			return errMsg{err}
		}
		return sessionOpenedMsg{conv}
	}
}

func (m chatModel) listSessions() tea.Cmd {
	return func() tea.Msg {
		sessions, err := m.app.manager.List(m.ctx, domain.SessionStatusIdle, domain.SessionStatusProcessing)
		if err != nil {
			return errMsg{err}
		}
		return sessionsListedMsg{sessions}
	}
}

func (m chatModel) openSession(id string) tea.Cmd {
	return func() tea.Msg {
		conv, err := m.app.manager.Get(m.ctx, id)
		if err != nil {
			return errMsg{err}
		}
		return sessionOpenedMsg{conv}
	}
}

func (m chatModel) enterChat(conv *controller.Conversation) (chatModel, tea.Cmd) {
	if m.cancelUpdate != nil {
		m.cancelUpdate()
	}
	subCtx, cancel := context.WithCancel(m.ctx)
	updates, err := m.app.bus.Subscribe(subCtx, conv.ID())
	if err != nil {
		cancel()
		m.err = err
		return m, nil
	}
	m.conv = conv
	m.updates = updates
	m.cancelUpdate = cancel
	m.processing = conv.State() == controller.StateProcessing

	m.state = stateChatting
	m.textarea.Placeholder = "Type a message..."
	m.textarea.Focus()

	// Initial load + start listening
	return m, tea.Batch(
		m.reloadMessages(),
		waitForEvent(m.updates),
		waitForTurnError(conv.Errors()),
	)
}

func (m chatModel) sendMessage() (chatModel, tea.Cmd) {
	v := strings.TrimSpace(m.textarea.Value())
	if v == "" {
		return m, nil
	}
	if v == "/exit" {
		m.state = stateConfirmExit
		return m, nil
	}

	// Clear input
	m.textarea.Reset()

	conv := m.conv
	return m, func() tea.Msg {
		if err := conv.Submit(m.ctx, v, nil); err != nil {
			return errMsg{err}
		}
		// The append publishes an event which reloads the view.
		return nil
	}
}

func (m chatModel) endSessionCmd() tea.Cmd {
	return func() tea.Msg {
		if m.conv != nil {
			if err := m.app.manager.Teardown(m.ctx, m.conv.ID()); err != nil {
				slog.Error("Failed to end session", "sessionID", m.conv.ID(), "error", err)
			}
		}
		return nil
	}
}

func (m chatModel) reloadMessages() tea.Cmd {
	conv, renderer := m.conv, m.renderer
	return func() tea.Msg {
		return updateViewMsg{content: renderHistory(conv.History(), renderer)}
	}
}

// renderHistory formats the transcript for the chat view. The system
// message is skipped.
func renderHistory(msgs []domain.Message, renderer *glamour.TermRenderer) string {
	var sb strings.Builder
	for _, msg := range msgs {
		switch msg.Role {
		case domain.RoleUser:
			sb.WriteString(userStyle.Render("User: "))
			sb.WriteString("\n")
			sb.WriteString(renderMarkdown(renderer, msg.Content))
		case domain.RoleAssistant:
			sb.WriteString(senderStyle.Render("AI: "))
			sb.WriteString("\n")
			if msg.Content != "" {
				sb.WriteString(renderMarkdown(renderer, msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				line := fmt.Sprintf("[Tool Usage: %s]", tc.Name)
				if code, ok := tc.Input["code"].(string); ok {
					line += "\n\n" + code
				} else if path, ok := tc.Input["file_path"].(string); ok {
					line += " " + path
				}
				sb.WriteString(toolStyle.Render(line))
				sb.WriteString("\n")
			}
		case domain.RoleTool:
			status := "Success"
			if msg.IsError {
				status = "Error"
			}
			content := msg.Content
			if len(content) > maxToolPreview {
				content = content[:maxToolPreview] + "..."
			}
			sb.WriteString(toolStyle.Render(fmt.Sprintf("[%s: %s]\n%s", status, msg.ToolName, content)))
			sb.WriteString("\n")
		default:
			continue
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func renderMarkdown(renderer *glamour.TermRenderer, s string) string {
	if renderer == nil {
		return s + "\n"
	}
	out, err := renderer.Render(s)
	if err != nil {
		return s + "\n" // Fallback
	}
	return out
}

func waitForTurnError(ch <-chan error) tea.Cmd {
	return func() tea.Msg {
		err, ok := <-ch
		if !ok {
			return nil
		}
		return turnErrorMsg{err}
	}
}

func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub
		if !ok {
			return nil
		}
		return sessionEventMsg(ev)
	}
}
