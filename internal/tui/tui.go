package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

func padToWidth(s string, width int) string {
	current := runewidth.StringWidth(s)
	if current >= width {
		return s
	}
	return s + strings.Repeat(" ", width-current)
}

// truncateToWidth cuts s to at most width display cells, marking the cut.
func truncateToWidth(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) <= width {
		return s
	}
	if width <= 3 {
		return runewidth.Truncate(s, width, "")
	}
	return runewidth.Truncate(s, width, "...")
}

func separatorLine(width int) string {
	if width < 2 {
		return strings.Repeat("─", width)
	}
	return "├" + strings.Repeat("─", width-2) + "┤"
}

func formatInfoLine(text string, width int) string {
	if width < 2 {
		return padToWidth(text, width)
	}
	return "│" + padToWidth(truncateToWidth(text, width-2), width-2) + "│"
}

// ShardInfo is the headline state of one shard.
type ShardInfo struct {
	Shard        int
	Height       uint64
	Hash         string
	Proposer     string
	Leader       string
	Epoch        int
	Phase        string
	BlockTime    time.Duration // Time since previous block
	AvgBlockTime time.Duration
	Commits      int
	Failures     int
	Transactions int
	RSUShortfall bool
	AvgScore     float64
}

// VoteStatus is the state of one member's ballot in a phase.
type VoteStatus int

const (
	VoteStatusNone    VoteStatus = iota // No vote
	VoteStatusReject                    // Rejecting vote
	VoteStatusApprove                   // Approving vote
)

// MemberInfo is one shard member as shown in the table.
type MemberInfo struct {
	ID        string
	Role      string
	IsRSU     bool
	Score     float64
	Prepare   VoteStatus
	PreCommit VoteStatus
	Commit    VoteStatus
}

// ShardUpdateMsg replaces the headline of a shard.
type ShardUpdateMsg struct {
	Shard ShardInfo
}

// MembersUpdateMsg replaces the member table of a shard.
type MembersUpdateMsg struct {
	Shard   int
	Members []MemberInfo
}

// Model holds the TUI state
type Model struct {
	shards   map[int]ShardInfo
	members  map[int][]MemberInfo
	selected int
	width    int
	height   int
}

// NewModel creates a new TUI model
func NewModel() Model {
	return Model{
		shards:  map[int]ShardInfo{},
		members: map[int][]MemberInfo{},
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) shardIDs() []int {
	ids := make([]int, 0, len(m.shards))
	for id := range m.shards {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Selected returns the shard whose members are displayed.
func (m Model) Selected() int { return m.selected }

// cycle moves the selection by step through known shards.
func (m Model) cycle(step int) Model {
	ids := m.shardIDs()
	if len(ids) == 0 {
		return m
	}
	pos := 0
	for i, id := range ids {
		if id == m.selected {
			pos = i
		}
	}
	pos = (pos + step + len(ids)) % len(ids)
	m.selected = ids[pos]
	return m
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case ShardUpdateMsg:
		if len(m.shards) == 0 {
			m.selected = msg.Shard.Shard
		}
		m.shards[msg.Shard.Shard] = msg.Shard
		return m, nil

	case MembersUpdateMsg:
		m.members[msg.Shard] = msg.Members
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "tab", "right", "l":
			return m.cycle(1), nil
		case "shift+tab", "left", "h":
			return m.cycle(-1), nil
		}
	}

	return m, nil
}

// View renders the UI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}
	return lipgloss.JoinVertical(lipgloss.Left, m.renderShards(), m.renderMembers())
}

func formatSeconds(d time.Duration) string {
	if d <= 0 {
		return "N/A"
	}
	return fmt.Sprintf("%.3fs", d.Seconds())
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16] + "..."
	}
	return h
}

// renderShards renders one summary row per shard, marking the selected one.
func (m Model) renderShards() string {
	inner := m.width - 2
	lines := []string{"┌" + strings.Repeat("─", max(inner, 0)) + "┐"}
	for _, id := range m.shardIDs() {
		s := m.shards[id]
		marker := " "
		if id == m.selected {
			marker = ">"
		}
		shortfall := ""
		if s.RSUShortfall {
			shortfall = " rsu-shortfall"
		}
		lines = append(lines,
			formatInfoLine(fmt.Sprintf("%s shard %d  height=%d epoch=%d phase=%s leader=%s%s",
				marker, s.Shard, s.Height, s.Epoch, s.Phase, s.Leader, shortfall), m.width),
			formatInfoLine(fmt.Sprintf("   hash=%s proposer=%s block time=%s avg=%s commits=%d failed=%d txs=%d trust=%.3f",
				shortHash(s.Hash), s.Proposer, formatSeconds(s.BlockTime), formatSeconds(s.AvgBlockTime),
				s.Commits, s.Failures, s.Transactions, s.AvgScore), m.width),
		)
	}
	if len(m.shards) == 0 {
		lines = append(lines, formatInfoLine("waiting for the first election...", m.width))
	}
	return strings.Join(lines, "\n")
}

// renderMembers renders the selected shard's member table
func (m Model) renderMembers() string {
	members := m.members[m.selected]
	if len(members) == 0 {
		return separatorLine(m.width) + "\n" + formatInfoLine("no members", m.width) + "\n" + "└" + strings.Repeat("─", max(m.width-2, 0)) + "┘"
	}

	// header uses 2 lines per shard plus borders; footer uses 3
	availableHeight := m.height - 2*len(m.shards) - 5
	if availableHeight <= 0 {
		return ""
	}

	cols := 3
	separatorWidth := runewidth.StringWidth("│")
	borderWidth := separatorWidth * 2
	colWidth := (m.width - borderWidth - separatorWidth*(cols-1)) / cols
	if colWidth < 20 {
		colWidth = 20
	}

	rows := (len(members) + cols - 1) / cols
	if rows > availableHeight {
		rows = availableHeight
	}

	var lines []string
	for row := 0; row < rows; row++ {
		cells := make([]string, 0, cols)
		for col := 0; col < cols; col++ {
			idx := row*cols + col
			if idx >= len(members) {
				cells = append(cells, strings.Repeat(" ", colWidth))
				continue
			}
			mem := members[idx]
			kind := "V"
			if mem.IsRSU {
				kind = "R"
			}
			prefix := fmt.Sprintf("%s %s%s%s %.2f %-9s ", kind,
				voteSymbol(mem.Prepare), voteSymbol(mem.PreCommit), voteSymbol(mem.Commit), mem.Score, roleTag(mem.Role))
			avail := colWidth - runewidth.StringWidth(prefix)
			cell := prefix + truncateToWidth(mem.ID, avail)
			cells = append(cells, padToWidth(truncateToWidth(cell, colWidth), colWidth))
		}
		lines = append(lines, "│"+strings.Join(cells, "│")+"│")
	}

	bottomBorder := "└" + strings.Repeat("─", max(m.width-2, 0)) + "┘"
	return separatorLine(m.width) + "\n" + strings.Join(lines, "\n") + "\n" + separatorLine(m.width) + "\n" +
		formatInfoLine("Kind, Prepare/PreCommit/Commit, Score, Role, Node  [tab] next shard  [q] quit", m.width) + "\n" + bottomBorder
}

func roleTag(role string) string {
	if role == "" {
		return "ordinary"
	}
	return strings.ToLower(role)
}

// voteSymbol returns the symbol for a vote status
func voteSymbol(status VoteStatus) string {
	switch status {
	case VoteStatusApprove:
		return "✅"
	case VoteStatusReject:
		return "❌"
	default:
		return "··"
	}
}

// Run starts the TUI program and feeds it ShardInfo and MembersUpdateMsg
// values from updateCh until the channel is closed.
func Run(updateCh <-chan any) error {
	m := NewModel()
	p := tea.NewProgram(m, tea.WithAltScreen())

	go func() {
		for data := range updateCh {
			switch v := data.(type) {
			case ShardInfo:
				p.Send(ShardUpdateMsg{Shard: v})
			case MembersUpdateMsg:
				p.Send(v)
			}
		}
		// Channel closed, quit TUI
		p.Quit()
	}()

	_, err := p.Run()
	return err
}
