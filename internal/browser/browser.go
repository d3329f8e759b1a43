// Package browser is an interactive terminal expression builder for EMA
// addresses, adapted from the teacher's project selector: a
// single-column list the user walks with the arrow keys, building up a
// selection instead of picking a file.
package browser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/lucasb-eyer/go-colorful"

	"github.com/emaaddr/ema/internal/docinfo"
)

// Model is the bubbletea model for building an EMA expression against
// one document's DocInfo. The measure list renders into a
// bubbles/viewport so a long document scrolls instead of overflowing the
// terminal, matching how the measure cursor moves.
type Model struct {
	info *docinfo.Info

	cursor      int
	measures    map[int]bool // 1-based measure index -> selected
	staves      map[int]bool // staff number -> selected, empty means "all"
	beatFirst   string
	beatLast    string
	editingBeat bool
	beatBuf     string

	vp            viewport.Model
	vpReady       bool
	width, height int
	quitting      bool
}

// New builds a Model for info.
func New(info *docinfo.Info) *Model {
	return &Model{
		info:     info,
		measures: map[int]bool{},
		staves:   map[int]bool{},
	}
}

func (m *Model) Init() tea.Cmd {
	return nil
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		headerLines, footerLines := 2, 4
		vpHeight := msg.Height - headerLines - footerLines
		if vpHeight < 1 {
			vpHeight = 1
		}
		if !m.vpReady {
			m.vp = viewport.New(msg.Width, vpHeight)
			m.vpReady = true
		} else {
			m.vp.Width = msg.Width
			m.vp.Height = vpHeight
		}

	case tea.KeyMsg:
		if m.editingBeat {
			return m.updateBeatEdit(msg)
		}
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit

		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
			m.followCursor()

		case "down", "j":
			if m.cursor < m.info.MeasureCount-1 {
				m.cursor++
			}
			m.followCursor()

		case " ", "x":
			measureNum := m.cursor + 1
			m.measures[measureNum] = !m.measures[measureNum]

		case "b":
			m.editingBeat = true
			m.beatBuf = ""

		case "enter":
			m.quitting = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m *Model) updateBeatEdit(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.editingBeat = false
	case "enter":
		if _, err := strconv.ParseFloat(m.beatBuf, 64); err == nil {
			if m.beatFirst == "" {
				m.beatFirst = m.beatBuf
			} else {
				m.beatLast = m.beatBuf
			}
		}
		m.editingBeat = false
	case "backspace":
		if len(m.beatBuf) > 0 {
			m.beatBuf = m.beatBuf[:len(m.beatBuf)-1]
		}
	default:
		if len(msg.String()) == 1 {
			m.beatBuf += msg.String()
		}
	}
	return m, nil
}

// followCursor scrolls the viewport just enough to keep the cursor row
// visible, without recentering on every move.
func (m *Model) followCursor() {
	if !m.vpReady {
		return
	}
	m.vp.SetContent(m.renderMeasureList())
	top := m.vp.YOffset
	bottom := top + m.vp.Height - 1
	if m.cursor < top {
		m.vp.SetYOffset(m.cursor)
	} else if m.cursor > bottom {
		m.vp.SetYOffset(m.cursor - m.vp.Height + 1)
	}
}

func (m *Model) renderMeasureList() string {
	var b strings.Builder
	for i := 0; i < m.info.MeasureCount; i++ {
		m.renderMeasure(&b, i, i+1)
	}
	return b.String()
}

func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))
	dimStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	var b strings.Builder
	b.WriteString(titleStyle.Render("EMA expression builder"))
	b.WriteString("\n\n")

	if m.vpReady {
		m.vp.SetContent(m.renderMeasureList())
		b.WriteString(m.vp.View())
	} else {
		b.WriteString(m.renderMeasureList())
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("space: toggle measure   b: set beat range   enter: confirm   q: quit"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("expression: %s\n", m.Expression()))
	if m.editingBeat {
		b.WriteString(fmt.Sprintf("beat entry: %s\n", m.beatBuf))
	}
	return lipgloss.NewStyle().Padding(1, 2).Render(b.String())
}

func (m *Model) renderMeasure(b *strings.Builder, idx, measureNum int) {
	selected := m.cursor == idx
	checked := m.measures[measureNum]

	mark := " "
	if checked {
		mark = "x"
	}

	color := measureColor(idx, m.info.MeasureCount)
	style := lipgloss.NewStyle().Foreground(lipgloss.Color(color))
	if selected {
		style = style.Background(lipgloss.Color("7")).Foreground(lipgloss.Color("0"))
	}

	label := fmt.Sprintf("[%s] measure %d", mark, measureNum)
	if idx < len(m.info.MeasureLabels) && m.info.MeasureLabels[idx] != "" {
		label += fmt.Sprintf(" (%s)", m.info.MeasureLabels[idx])
	}
	b.WriteString(style.Render(label))
	b.WriteString("\n")
}

// measureColor assigns each measure row a position along a perceptually
// smooth gradient, so a long measure list reads as a visible range
// rather than a wall of identical rows.
func measureColor(idx, total int) string {
	if total <= 1 {
		return "#7dd3fc"
	}
	t := float64(idx) / float64(total-1)
	start, _ := colorful.Hex("#7dd3fc")
	end, _ := colorful.Hex("#a78bfa")
	return start.BlendLuv(end, t).Hex()
}

// Expression renders the current selection as an EMA address string.
func (m *Model) Expression() string {
	measures := selectedRuns(m.measures, m.info.MeasureCount)
	if measures == "" {
		measures = "all"
	}
	staves := "all"
	if len(m.staves) > 0 {
		var nums []string
		for n := range m.staves {
			if m.staves[n] {
				nums = append(nums, strconv.Itoa(n))
			}
		}
		staves = strings.Join(nums, "+")
	}
	beats := "@all"
	if m.beatFirst != "" && m.beatLast != "" {
		beats = "@" + m.beatFirst + "-" + m.beatLast
	}
	return measures + "/" + staves + "/" + beats
}

func selectedRuns(measures map[int]bool, count int) string {
	var runs []string
	start := -1
	for i := 1; i <= count+1; i++ {
		if i <= count && measures[i] {
			if start == -1 {
				start = i
			}
			continue
		}
		if start != -1 {
			if start == i-1 {
				runs = append(runs, strconv.Itoa(start))
			} else {
				runs = append(runs, fmt.Sprintf("%d-%d", start, i-1))
			}
			start = -1
		}
	}
	return strings.Join(runs, ",")
}
