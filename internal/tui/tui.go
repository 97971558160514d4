package tui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"example.com/egressgen/internal/loader"
	"example.com/egressgen/internal/model"
	"example.com/egressgen/internal/names"
	"example.com/egressgen/internal/resolve"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213"))
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("36")).Bold(true)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	hintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).PaddingLeft(2)
)

type screen int

const (
	scrRules screen = iota
	scrDetail
	scrIssues
)

type modelT struct {
	path string
	env  string

	width, height int
	errMsg, okMsg string

	scr screen

	rules  []model.Rule
	issues loader.ValidationErrors

	rulesTbl table.Model
	detail   viewport.Model
	issuesVP viewport.Model

	quit bool
}

// Run opens the allowlist browser.
func Run(path, env string) error {
	m := newModel(path, env)
	m.reload()
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

func newModel(path, env string) *modelT {
	cols := []table.Column{
		{Title: "#", Width: 4}, {Title: "PROTO", Width: 6}, {Title: "PORT(S)", Width: 12},
		{Title: "ENVS", Width: 14}, {Title: "ACT", Width: 4}, {Title: "NAME", Width: 30},
		{Title: "DESTINATIONS", Width: 40},
	}
	return &modelT{
		path:     path,
		env:      env,
		scr:      scrRules,
		rulesTbl: table.New(table.WithColumns(cols), table.WithFocused(true), table.WithHeight(14)),
	}
}

func (m *modelT) reload() {
	m.errMsg, m.okMsg = "", ""
	m.rules, m.issues = nil, nil

	rules, err := loader.Load(m.path)
	if err != nil {
		var verrs loader.ValidationErrors
		if errors.As(err, &verrs) {
			m.issues = verrs
			m.scr = scrIssues
			m.fillIssues()
			return
		}
		m.errMsg = err.Error()
		return
	}
	m.rules = rules
	m.fillRules()
	m.okMsg = fmt.Sprintf("%d rule(s) loaded", len(rules))
}

func (m *modelT) fillRules() {
	rows := make([]table.Row, 0, len(m.rules))
	for i, r := range m.rules {
		act := "-"
		if m.env == "" || r.ActiveIn(m.env) {
			act = "✓"
		}
		rows = append(rows, table.Row{
			fmt.Sprint(i + 1), r.Protocol, portSpec(r), envSpec(r.Envs), act,
			names.Derive(r), strings.Join(r.DestinationTokens(), ","),
		})
	}
	m.rulesTbl.SetRows(rows)
}

func (m *modelT) fillIssues() {
	var b strings.Builder
	for _, e := range m.issues {
		b.WriteString(errStyle.Render("✗ " + e.Error()))
		b.WriteByte('\n')
	}
	m.issuesVP.SetContent(b.String())
}

func (m *modelT) fillDetail() {
	cur := m.rulesTbl.Cursor()
	if cur < 0 || cur >= len(m.rules) {
		return
	}
	r := m.rules[cur]
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n\n", headerStyle.Render("Rule"), fmt.Sprintf("#%d", cur+1))
	if r.Description != "" {
		fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("Description:"), r.Description)
	}
	fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("Protocol:"), r.Protocol)
	fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("Port(s):"), portSpec(r))
	fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("Environments:"), envSpec(r.Envs))
	fmt.Fprintf(&b, "%s %s\n\n", headerStyle.Render("Chain name:"), names.Derive(r))

	if r.Protocol == model.ProtoHTTP {
		b.WriteString(headerStyle.Render("Domain matches:") + "\n")
		for _, rd := range resolve.ExpandHTTP(r) {
			for _, d := range rd.Domains {
				fmt.Fprintf(&b, "  %s  %s\n", d, dimStyle.Render(string(rd.Kind)))
			}
		}
	} else {
		b.WriteString(headerStyle.Render("Destinations:") + "\n")
		for _, tok := range r.DestinationTokens() {
			kind := resolve.Classify(tok)
			note := ""
			if kind == model.KindHostname {
				note = dimStyle.Render("(resolved via DNS at generation time)")
			}
			fmt.Fprintf(&b, "  %s  %s %s\n", tok, dimStyle.Render(string(kind)), note)
		}
	}
	m.detail.SetContent(b.String())
}

// ---------- Bubble Tea ----------

func (m *modelT) Init() tea.Cmd { return nil }

func (m *modelT) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.detail = viewport.Model{Width: m.width - 4, Height: m.height - 8}
		m.issuesVP = viewport.Model{Width: m.width - 4, Height: m.height - 8}
		m.fillIssues()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quit = true
			return m, tea.Quit
		case "esc":
			switch m.scr {
			case scrRules:
				m.quit = true
				return m, tea.Quit
			case scrIssues:
				if len(m.rules) == 0 {
					m.quit = true
					return m, tea.Quit
				}
				m.scr = scrRules
			default:
				m.scr = scrRules
			}
			return m, nil
		case "r":
			m.reload()
			return m, nil
		}

		switch m.scr {
		case scrRules:
			return m.updateRules(msg)
		case scrDetail:
			var cmd tea.Cmd
			m.detail, cmd = m.detail.Update(msg)
			return m, cmd
		case scrIssues:
			var cmd tea.Cmd
			m.issuesVP, cmd = m.issuesVP.Update(msg)
			return m, cmd
		}
	}
	return m, nil
}

func (m *modelT) updateRules(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		m.fillDetail()
		m.scr = scrDetail
		return m, nil
	}
	var cmd tea.Cmd
	m.rulesTbl, cmd = m.rulesTbl.Update(msg)
	return m, cmd
}

func (m *modelT) View() string {
	if m.quit {
		return ""
	}
	title := titleStyle.Render(" egressgen ") + dimStyle.Render(m.path)
	if m.env != "" {
		title += dimStyle.Render("  env=" + m.env)
	}

	var body, hint string
	switch m.scr {
	case scrRules:
		body = m.rulesTbl.View()
		hint = hintStyle.Render("enter: detail  r: reload  q: quit")
	case scrDetail:
		body = m.detail.View()
		hint = hintStyle.Render("esc: back  q: quit")
	case scrIssues:
		body = headerStyle.Render("Allowlist has validation errors") + "\n\n" + m.issuesVP.View()
		hint = hintStyle.Render("r: reload after fixing  q: quit")
	}

	status := ""
	if m.errMsg != "" {
		status = errStyle.Render(m.errMsg)
	} else if m.okMsg != "" {
		status = okStyle.Render(m.okMsg)
	}
	return strings.Join([]string{title, "", body, "", status, hint}, "\n")
}

func portSpec(r model.Rule) string {
	switch {
	case r.Port != nil:
		return fmt.Sprint(*r.Port)
	case r.PortRange != nil:
		return fmt.Sprintf("%d-%d", r.PortRange.Start, r.PortRange.End)
	}
	return "-"
}

func envSpec(envs []string) string {
	if len(envs) == 0 {
		return "all"
	}
	return strings.Join(envs, ",")
}
