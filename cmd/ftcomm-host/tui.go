package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/big-pixel-media/ftcomm"
)

var (
	primaryColor = lipgloss.Color("#7C3AED")
	accentColor  = lipgloss.Color("#10B981")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	logPanelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	inputStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(accentColor).
			Padding(0, 1)

	statusStyle    = lipgloss.NewStyle().Foreground(mutedColor)
	sentStyle      = lipgloss.NewStyle().Foreground(primaryColor)
	failureStyle   = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	timestampStyle = lipgloss.NewStyle().Foreground(mutedColor).Faint(true)
)

type logLine struct {
	at   time.Time
	text string
	bad  bool
}

type tickMsg time.Time

type eventMsg string

// console is a bubbletea model: a scrolling event log, a status line with
// the live link count and a one-line input that broadcasts on Enter.
type console struct {
	comm   *ftcomm.Comm
	events <-chan string

	lines    []logLine
	sent     int
	viewport viewport.Model
	input    textarea.Model
	ready    bool
	width    int
	height   int
}

// runConsole runs m until the user quits or ctx is done. A cancelled ctx
// (SIGINT, SIGTERM) is a normal exit.
func runConsole(ctx context.Context, m tea.Model, opts ...tea.ProgramOption) error {
	opts = append([]tea.ProgramOption{tea.WithContext(ctx)}, opts...)
	_, err := tea.NewProgram(m, opts...).Run()
	if err != nil && errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func newConsole(comm *ftcomm.Comm, events <-chan string) *console {
	ta := textarea.New()
	ta.Placeholder = "Type a message and press Enter to broadcast..."
	ta.Focus()
	ta.CharLimit = ftcomm.DefaultMaxDataLen
	ta.SetWidth(80)
	ta.SetHeight(1)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	return &console{
		comm:     comm,
		events:   events,
		viewport: viewport.New(80, 20),
		input:    ta,
	}
}

func (c *console) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, c.waitEvent(), c.tick())
}

func (c *console) waitEvent() tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-c.events)
	}
}

func (c *console) tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (c *console) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var tiCmd, vpCmd tea.Cmd
	c.input, tiCmd = c.input.Update(msg)
	c.viewport, vpCmd = c.viewport.Update(msg)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return c, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(c.input.Value())
			c.input.Reset()
			if text == "" {
				return c, nil
			}
			if err := c.comm.Send([]byte(text)); err != nil {
				c.add("send failed: "+err.Error(), true)
			} else {
				c.sent++
				c.add(fmt.Sprintf("sent #%d %q", c.sent, text), false)
			}
			return c, nil
		}

	case tea.WindowSizeMsg:
		c.width, c.height = msg.Width, msg.Height
		c.ready = true
		c.viewport.Width = c.width - 4
		c.viewport.Height = c.height - 11
		c.input.SetWidth(c.width - 4)
		c.refresh()

	case eventMsg:
		c.add(string(msg), true)
		return c, c.waitEvent()

	case tickMsg:
		return c, c.tick()
	}

	return c, tea.Batch(tiCmd, vpCmd)
}

func (c *console) add(text string, bad bool) {
	c.lines = append(c.lines, logLine{at: time.Now(), text: text, bad: bad})
	c.refresh()
	c.viewport.GotoBottom()
}

func (c *console) refresh() {
	var b strings.Builder
	for _, l := range c.lines {
		style := sentStyle
		if l.bad {
			style = failureStyle
		}
		fmt.Fprintf(&b, "%s %s\n", timestampStyle.Render(l.at.Format("15:04:05")), style.Render(l.text))
	}
	c.viewport.SetContent(b.String())
}

func (c *console) View() string {
	if !c.ready {
		return "\n  Starting console...\n"
	}
	header := headerStyle.Render(fmt.Sprintf("ftcomm host  session %d", c.comm.Session()))
	logPanel := logPanelStyle.Width(c.width - 2).Render(c.viewport.View())
	status := statusStyle.Render(fmt.Sprintf(" links connected: %d   sent: %d   Esc to quit",
		c.comm.ConnectedLinks(), c.sent))
	input := inputStyle.Width(c.width - 4).Render(c.input.View())
	return lipgloss.JoinVertical(lipgloss.Left, header, logPanel, status, input)
}
