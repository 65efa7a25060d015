package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/animus-labs/custsat/internal/dataset"
)

const predictedColumn = "predicted"

type viewState int

const (
	stateInput viewState = iota
	stateLoading
	stateResult
	stateFailed
)

type predictionMsg struct {
	frame  *dataset.Frame
	result predictResult
	err    error
}

type savedMsg struct {
	path string
	err  error
}

type model struct {
	client     *predictorClient
	outputPath string

	state  viewState
	input  textinput.Model
	table  table.Model
	frame  *dataset.Frame
	target []float64
	failed string
	notice string
}

func newModel(client *predictorClient, outputPath string) model {
	input := textinput.New()
	input.Placeholder = "path/to/customers.csv"
	input.Prompt = "CSV file: "
	input.Focus()
	return model{client: client, outputPath: outputPath, state: stateInput, input: input}
}

func (m model) Init() tea.Cmd {
	return textinput.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "esc":
			if m.state == stateResult || m.state == stateFailed {
				m.state = stateInput
				m.notice = ""
				return m, nil
			}
		}
		switch m.state {
		case stateInput:
			if msg.Type == tea.KeyEnter {
				path := strings.TrimSpace(m.input.Value())
				if path == "" {
					return m, nil
				}
				m.state = stateLoading
				m.notice = ""
				return m, predictCmd(m.client, path)
			}
			var cmd tea.Cmd
			m.input, cmd = m.input.Update(msg)
			return m, cmd
		case stateResult:
			switch msg.String() {
			case "q":
				return m, tea.Quit
			case "s":
				return m, saveCmd(m.frame, m.outputPath)
			}
			var cmd tea.Cmd
			m.table, cmd = m.table.Update(msg)
			return m, cmd
		case stateFailed:
			if msg.String() == "q" {
				return m, tea.Quit
			}
		}
	case predictionMsg:
		return m.handlePrediction(msg), nil
	case savedMsg:
		if msg.err != nil {
			m.notice = "save failed: " + msg.err.Error()
		} else {
			m.notice = "saved " + msg.path
		}
		return m, nil
	}
	return m, nil
}

func (m model) handlePrediction(msg predictionMsg) model {
	if msg.err != nil {
		m.state = stateFailed
		m.failed = msg.err.Error()
		return m
	}
	if msg.result.Status != 200 {
		m.state = stateFailed
		m.failed = string(msg.result.Body)
		return m
	}

	labels := make([]string, len(msg.result.Target))
	for i, v := range msg.result.Target {
		labels[i] = dataset.FormatNumber(v)
	}
	if err := msg.frame.AppendColumn(predictedColumn, labels); err != nil {
		m.state = stateFailed
		m.failed = err.Error()
		return m
	}
	m.frame = msg.frame
	m.target = msg.result.Target
	m.table = buildTable(msg.frame)
	m.state = stateResult
	return m
}

func buildTable(frame *dataset.Frame) table.Model {
	columns := make([]table.Column, len(frame.Header))
	for i, title := range frame.Header {
		width := len(title)
		for _, row := range frame.Rows {
			if i < len(row) && len(row[i]) > width {
				width = len(row[i])
			}
		}
		columns[i] = table.Column{Title: title, Width: min(width, 20)}
	}
	rows := make([]table.Row, len(frame.Rows))
	for i, row := range frame.Rows {
		rows[i] = table.Row(row)
	}
	return table.New(
		table.WithColumns(columns),
		table.WithRows(rows),
		table.WithHeight(min(len(rows)+1, 15)),
		table.WithFocused(true),
	)
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	hintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	tableBorder = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444444"))
)

func (m model) View() string {
	title := titleStyle.Render("Customer satisfaction predictor")
	var body, hint string
	switch m.state {
	case stateInput:
		body = m.input.View()
		hint = "enter: predict • ctrl+c: quit"
	case stateLoading:
		body = "Calling predictor..."
	case stateResult:
		body = lipgloss.JoinVertical(lipgloss.Left,
			tableBorder.Render(m.table.View()),
			fmt.Sprintf("target: %v", m.target),
		)
		hint = fmt.Sprintf("s: save %s • esc: new file • q: quit", m.outputPath)
	case stateFailed:
		body = errorStyle.Render(m.failed)
		hint = "esc: try again • q: quit"
	}
	parts := []string{title, "", body}
	if m.notice != "" {
		parts = append(parts, "", m.notice)
	}
	if hint != "" {
		parts = append(parts, "", hintStyle.Render(hint))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n"
}

// predictCmd reads the CSV, sends every column as input, and reports the response.
func predictCmd(client *predictorClient, path string) tea.Cmd {
	return func() tea.Msg {
		f, err := os.Open(path)
		if err != nil {
			return predictionMsg{err: err}
		}
		defer f.Close()
		frame, err := dataset.ReadCSV(f)
		if err != nil {
			return predictionMsg{err: err}
		}
		matrix, err := frame.Matrix()
		if err != nil {
			return predictionMsg{err: err}
		}
		result, err := client.Predict(context.Background(), matrix)
		return predictionMsg{frame: frame, result: result, err: err}
	}
}

func saveCmd(frame *dataset.Frame, path string) tea.Cmd {
	return func() tea.Msg {
		data, err := frame.Bytes()
		if err != nil {
			return savedMsg{path: path, err: err}
		}
		return savedMsg{path: path, err: os.WriteFile(path, data, 0o644)}
	}
}
