package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/wasm-sandbox/config"
	"github.com/wippyai/wasm-sandbox/runtime"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	nameStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

const maxHistory = 8

type interactiveModel struct {
	err      error
	cfg      config.Config
	opts     options
	rt       *runtime.Runtime
	provider *fileProvider
	inputs   []textinput.Model
	history  []callRecord
	focusIdx int
	block    uint32
	state    modelState
}

type callRecord struct {
	err    error
	action string
	output string
	block  uint32
}

type modelState int

const (
	stateLoading modelState = iota
	stateInput
	stateRunning
)

const (
	fieldAction = iota
	fieldData
	fieldReceiver
)

func newInteractiveModel(cfg config.Config, opts options) *interactiveModel {
	fields := []struct {
		prompt, value, placeholder string
	}{
		{"action: ", opts.action, "name"},
		{"data: ", opts.data, "0x... or text"},
		{"receiver: ", opts.receiver, "name"},
	}
	inputs := make([]textinput.Model, len(fields))
	for i, f := range fields {
		ti := textinput.New()
		ti.Prompt = f.prompt
		ti.Placeholder = f.placeholder
		ti.SetValue(f.value)
		ti.Width = 40
		if i == 0 {
			ti.Focus()
		}
		inputs[i] = ti
	}
	return &interactiveModel{
		cfg:    cfg,
		opts:   opts,
		inputs: inputs,
		block:  opts.block,
		state:  stateLoading,
	}
}

type loadedMsg struct {
	err      error
	rt       *runtime.Runtime
	provider *fileProvider
}

type callResultMsg struct {
	record callRecord
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.loadContract
}

func (m *interactiveModel) loadContract() tea.Msg {
	ctx := context.Background()
	vm, _ := m.cfg.VMType()
	provider, err := loadContract(m.opts.wasmFile, vm)
	if err != nil {
		return loadedMsg{err: err}
	}
	rt, err := runtime.New(ctx, m.cfg, provider)
	if err != nil {
		return loadedMsg{err: err}
	}
	if err := rt.Validate(ctx, provider.code); err != nil {
		rt.Close(ctx)
		return loadedMsg{err: err}
	}
	return loadedMsg{rt: rt, provider: provider}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			if m.rt != nil {
				m.rt.Close(context.Background())
			}
			return m, tea.Quit

		case "tab", "down":
			m.focus((m.focusIdx + 1) % len(m.inputs))
			return m, nil

		case "shift+tab", "up":
			m.focus((m.focusIdx + len(m.inputs) - 1) % len(m.inputs))
			return m, nil

		case "enter":
			if m.state == stateInput {
				m.state = stateRunning
				return m, m.apply(m.snapshot())
			}
			return m, nil
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.rt = msg.rt
		m.provider = msg.provider
		m.state = stateInput

	case callResultMsg:
		m.history = append(m.history, msg.record)
		if len(m.history) > maxHistory {
			m.history = m.history[len(m.history)-maxHistory:]
		}
		m.rt.CodeBlockNumLastUsed(m.provider.id, msg.record.block)
		m.block++
		m.state = stateInput
	}

	if m.state == stateInput {
		var cmd tea.Cmd
		m.inputs[m.focusIdx], cmd = m.inputs[m.focusIdx].Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *interactiveModel) focus(i int) {
	m.inputs[m.focusIdx].Blur()
	m.focusIdx = i
	m.inputs[m.focusIdx].Focus()
}

// snapshot captures the call parameters from the form.
func (m *interactiveModel) snapshot() options {
	opts := m.opts
	opts.action = strings.TrimSpace(m.inputs[fieldAction].Value())
	opts.data = m.inputs[fieldData].Value()
	opts.receiver = strings.TrimSpace(m.inputs[fieldReceiver].Value())
	opts.block = m.block
	return opts
}

func (m *interactiveModel) apply(opts options) tea.Cmd {
	rt, id, cfg := m.rt, m.provider.id, m.cfg
	return func() tea.Msg {
		rec := callRecord{action: opts.action, block: opts.block}
		ac, err := newApplyContext(opts)
		if err != nil {
			rec.err = err
			return callResultMsg{record: rec}
		}
		ac.deadline.Start(deadline(cfg))
		defer ac.deadline.Stop()

		rec.err = rt.Apply(context.Background(), id, ac)
		rec.output = ac.Output()
		return callResultMsg{record: rec}
	}
}

func (m *interactiveModel) View() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress esc to quit.", m.err))
	}
	if m.state == stateLoading {
		return "Loading contract..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("Contract Runner"))
	b.WriteString(" ")
	b.WriteString(m.opts.wasmFile)
	b.WriteString("\n")
	b.WriteString(infoStyle.Render(fmt.Sprintf("code %s • vm %s • block %d", m.provider.id, m.cfg.VM, m.block)))
	b.WriteString("\n\n")

	for _, input := range m.inputs {
		b.WriteString(input.View())
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if m.state == stateRunning {
		b.WriteString(infoStyle.Render("Applying..."))
		b.WriteString("\n\n")
	}

	for i := len(m.history) - 1; i >= 0; i-- {
		rec := m.history[i]
		b.WriteString(fmt.Sprintf("#%d %s ", rec.block, nameStyle.Render(rec.action)))
		if rec.err != nil {
			b.WriteString(errorStyle.Render(rec.err.Error()))
		} else {
			b.WriteString(resultStyle.Render("ok"))
		}
		if rec.output != "" {
			b.WriteString("\n   ")
			b.WriteString(rec.output)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("tab/↑/↓ field • enter apply • esc quit"))
	return b.String()
}

func runInteractive(cfg config.Config, opts options) error {
	p := tea.NewProgram(newInteractiveModel(cfg, opts), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
