// statsdash is a terminal dashboard that polls a running randopair server's
// /api/stats and /api/health endpoints and renders them live, for operators
// watching a deployment without opening a browser.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	purple = lipgloss.Color("99")
	cyan   = lipgloss.Color("86")
	green  = lipgloss.Color("82")
	red    = lipgloss.Color("196")
	gray   = lipgloss.Color("241")
	white  = lipgloss.Color("255")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Background(purple).
			Foreground(white).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().Foreground(gray).Width(16)
	valueStyle = lipgloss.NewStyle().Bold(true).Foreground(cyan)
	okStyle    = lipgloss.NewStyle().Foreground(green)
	errStyle   = lipgloss.NewStyle().Foreground(red)
	hintStyle  = lipgloss.NewStyle().Foreground(gray).Italic(true)
)

type statsResponse struct {
	ActiveUsers  int       `json:"activeUsers"`
	ChatsToday   int       `json:"chatsToday"`
	Countries    int       `json:"countries"`
	TextUsers    int       `json:"textUsers"`
	VideoUsers   int       `json:"videoUsers"`
	AvgWaitTime  int       `json:"avgWaitTime"`
	ServerUptime int       `json:"serverUptime"`
	LastUpdated  time.Time `json:"lastUpdated"`
}

type healthResponse struct {
	Status      string `json:"status"`
	Uptime      int    `json:"uptime"`
	Connections int    `json:"connections"`
}

type pollResultMsg struct {
	stats   *statsResponse
	health  *healthResponse
	err     error
	fetched time.Time
}

type tickMsg time.Time

type model struct {
	baseURL  string
	interval time.Duration
	client   *http.Client

	stats   *statsResponse
	health  *healthResponse
	lastErr error
	polled  time.Time
	width   int
}

func newModel(baseURL string, interval time.Duration) model {
	return model{
		baseURL:  baseURL,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.poll(), tick(m.interval))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		}
		if msg.String() == "q" {
			return m, tea.Quit
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.poll(), tick(m.interval))

	case pollResultMsg:
		m.polled = msg.fetched
		m.lastErr = msg.err
		if msg.err == nil {
			m.stats = msg.stats
			m.health = msg.health
		}
		return m, nil
	}
	return m, nil
}

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// poll fetches /api/stats and /api/health sequentially; both must succeed
// for the dashboard to consider the server healthy.
func (m model) poll() tea.Cmd {
	return func() tea.Msg {
		stats, err := fetchStats(m.client, m.baseURL)
		if err != nil {
			return pollResultMsg{err: err, fetched: time.Now()}
		}
		health, err := fetchHealth(m.client, m.baseURL)
		if err != nil {
			return pollResultMsg{err: err, fetched: time.Now()}
		}
		return pollResultMsg{stats: stats, health: health, fetched: time.Now()}
	}
}

func fetchStats(client *http.Client, baseURL string) (*statsResponse, error) {
	resp, err := client.Get(baseURL + "/api/stats")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var s statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func fetchHealth(client *http.Client, baseURL string) (*healthResponse, error) {
	resp, err := client.Get(baseURL + "/api/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var h healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (m model) View() string {
	width := m.width
	if width < 40 {
		width = 40
	}

	hdr := headerStyle.Width(width).Render(fmt.Sprintf(" randopair statsdash  ·  %s", m.baseURL))

	if m.lastErr != nil {
		return lipgloss.JoinVertical(lipgloss.Left, hdr, "",
			errStyle.Render("  poll failed: "+m.lastErr.Error()),
			"", hintStyle.Render("  q: quit"))
	}

	if m.stats == nil || m.health == nil {
		return lipgloss.JoinVertical(lipgloss.Left, hdr, "", hintStyle.Render("  connecting…"))
	}

	row := func(label string, value string) string {
		return "  " + labelStyle.Render(label) + valueStyle.Render(value)
	}

	status := okStyle.Render(m.health.Status)

	body := lipgloss.JoinVertical(lipgloss.Left,
		"",
		row("status", status),
		row("active users", fmt.Sprintf("%d", m.stats.ActiveUsers)),
		row("text / video", fmt.Sprintf("%d / %d", m.stats.TextUsers, m.stats.VideoUsers)),
		row("chats today", fmt.Sprintf("%d", m.stats.ChatsToday)),
		row("avg wait", fmt.Sprintf("%ds", m.stats.AvgWaitTime)),
		row("bound connections", fmt.Sprintf("%d", m.health.Connections)),
		row("server uptime", time.Duration(m.stats.ServerUptime*int(time.Second)).String()),
		"",
		hintStyle.Render(fmt.Sprintf("  last polled %s ago  ·  q: quit", time.Since(m.polled).Round(time.Second))),
	)

	return lipgloss.JoinVertical(lipgloss.Left, hdr, body)
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "server base URL")
	interval := flag.Duration("interval", 3*time.Second, "poll interval")
	flag.Parse()

	p := tea.NewProgram(newModel(*addr, *interval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
