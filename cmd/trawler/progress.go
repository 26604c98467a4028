package main

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog/log"

	"github.com/castnet/trawler/internal/engine"
)

var (
	progressTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	progressDimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type tickMsg time.Time

type runDoneMsg struct {
	res *engine.Result
	err error
}

// progressModel shows a minimal live view while an engine run is going:
// the pipeline, elapsed time, and the size of the session fleet.
type progressModel struct {
	pipeline string
	rt       *runtime
	start    time.Time
	frame    int
	done     bool
}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

func tick() tea.Cmd {
	return tea.Tick(120*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m progressModel) Init() tea.Cmd {
	return tick()
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.frame++
		return m, tick()
	case runDoneMsg:
		m.done = true
		return m, tea.Quit
	case tea.KeyMsg:
		// Dropping the view does not cancel the run; the engine keeps
		// going and the summary still prints.
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m progressModel) View() string {
	if m.done {
		return ""
	}
	spinner := spinnerFrames[m.frame%len(spinnerFrames)]
	elapsed := time.Since(m.start).Round(time.Second)
	line := fmt.Sprintf("%s %s %s",
		progressTitleStyle.Render(spinner+" "+m.pipeline),
		progressDimStyle.Render(fmt.Sprintf("elapsed %s", elapsed)),
		progressDimStyle.Render(fmt.Sprintf("sessions %d", m.rt.sessions.Count())),
	)
	if active := m.rt.sites.ActivePartialDomains(); len(active) > 0 {
		line += " " + progressDimStyle.Render(fmt.Sprintf("paginating %d", len(active)))
	}
	return line + "\n"
}

// runWithOptionalProgress runs the pipeline, optionally under a live
// terminal view. The run itself always finishes regardless of what
// happens to the view.
func runWithOptionalProgress(ctx context.Context, rt *runtime, pipeline string, showProgress bool, run func(context.Context) (*engine.Result, error)) (*engine.Result, error) {
	if !showProgress {
		return run(ctx)
	}

	model := progressModel{pipeline: pipeline, rt: rt, start: time.Now()}
	program := tea.NewProgram(model, tea.WithContext(ctx), tea.WithOutput(os.Stderr))

	resCh := make(chan runDoneMsg, 1)
	go func() {
		res, err := run(ctx)
		msg := runDoneMsg{res: res, err: err}
		resCh <- msg
		program.Send(msg)
	}()

	if _, err := program.Run(); err != nil {
		log.Debug().Err(err).Msg("Progress view exited early")
	}

	out := <-resCh
	return out.res, out.err
}
