// Package tui is the terminal front end for a room: the message list with
// participant colors, the countdown and the presence count.
package tui

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"onetimechat/backend/internal/client/expiry"
	"onetimechat/backend/internal/client/lifecycle"
	"onetimechat/backend/internal/client/msgsync"
	"onetimechat/backend/internal/client/outbound"
	"onetimechat/backend/internal/config"
	"onetimechat/backend/internal/models"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const eventBuffer = 64

var (
	headerStyle  = lipgloss.NewStyle().Bold(true)
	dimStyle     = lipgloss.NewStyle().Faint(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#E06C75"))
	expiredStyle = lipgloss.NewStyle().Bold(true).Padding(1, 2).Border(lipgloss.RoundedBorder())
)

type (
	messagesMsg []msgsync.Entry
	presenceMsg int
	tickMsg     time.Duration
	stateMsg    lifecycle.State
	errorMsg    struct{ err error }
	routeMsg    string
	sentMsg     struct{}
)

// Navigator routes lifecycle redirects into the program and answers leave
// prompts: the first request is refused and arms the next one.
//
// Snapshots (messages, presence, ticks) are superseded by the next one and
// may be dropped when the program falls behind. Redirects, state changes and
// errors are queued without loss and delivered first.
type Navigator struct {
	updates chan tea.Msg
	wake    chan struct{}
	armed   atomic.Bool

	mu      sync.Mutex
	pending []tea.Msg
}

func NewNavigator() *Navigator {
	return &Navigator{
		updates: make(chan tea.Msg, eventBuffer),
		wake:    make(chan struct{}, 1),
	}
}

func (n *Navigator) Redirect(route string) { n.post(routeMsg(route)) }

func (n *Navigator) Confirm(string) bool {
	if n.armed.Swap(false) {
		return true
	}
	n.armed.Store(true)
	return false
}

// offer delivers a snapshot unless the buffer is full.
func (n *Navigator) offer(msg tea.Msg) {
	select {
	case n.updates <- msg:
	default:
	}
}

// post queues msg for delivery ahead of any snapshot.
func (n *Navigator) post(msg tea.Msg) {
	n.mu.Lock()
	n.pending = append(n.pending, msg)
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// next blocks until the next room event.
func (n *Navigator) next() tea.Msg {
	for {
		n.mu.Lock()
		if len(n.pending) > 0 {
			msg := n.pending[0]
			n.pending = n.pending[1:]
			n.mu.Unlock()
			return msg
		}
		n.mu.Unlock()

		select {
		case <-n.wake:
		case msg := <-n.updates:
			return msg
		}
	}
}

func (n *Navigator) listen() tea.Cmd {
	return func() tea.Msg { return n.next() }
}

// Model is the bubbletea model for one room.
type Model struct {
	ctrl   *lifecycle.Controller
	nav    *Navigator
	self   string
	input  textinput.Model
	width  int
	height int

	messages  []msgsync.Entry
	remaining time.Duration
	count     int
	state     lifecycle.State
	status    string
	expired   bool
}

// New builds a model for a controller that has already entered its room,
// and binds the room's callbacks to the program.
func New(ctrl *lifecycle.Controller, nav *Navigator, self string) Model {
	in := textinput.New()
	in.Placeholder = "message, /reply N, /image PATH [caption], /exit"
	in.CharLimit = 2000
	in.Focus()

	m := Model{ctrl: ctrl, nav: nav, self: self, input: in, count: 1, state: ctrl.State()}
	ctrl.OnState(func(s lifecycle.State) { nav.post(stateMsg(s)) })
	if s := ctrl.Messages(); s != nil {
		s.OnChange(func(e []msgsync.Entry) { nav.offer(messagesMsg(e)) })
		m.messages = s.Messages()
	}
	if p := ctrl.Presence(); p != nil {
		p.OnChange(func(n int) { nav.offer(presenceMsg(n)) })
		m.count = p.Count()
	}
	if c := ctrl.Expiry(); c != nil {
		c.OnTick(func(d time.Duration) { nav.offer(tickMsg(d)) })
		m.remaining = c.Remaining()
	}
	if p := ctrl.Pipeline(); p != nil {
		p.OnError(func(err error) { nav.post(errorMsg{err}) })
	}
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.nav.listen())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.input.Width = msg.Width - 4
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case messagesMsg:
		m.messages = msg
		return m, m.nav.listen()
	case presenceMsg:
		m.count = int(msg)
		return m, m.nav.listen()
	case tickMsg:
		m.remaining = time.Duration(msg)
		return m, m.nav.listen()
	case stateMsg:
		m.state = lifecycle.State(msg)
		return m, m.nav.listen()
	case errorMsg:
		m.status = msg.err.Error()
		return m, m.nav.listen()
	case routeMsg:
		switch string(msg) {
		case lifecycle.RouteExpired:
			m.expired = true
			m.input.Blur()
			return m, m.nav.listen()
		case lifecycle.RouteHome:
			return m, tea.Quit
		}
		return m, m.nav.listen()
	case sentMsg:
		m.status = ""
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		if m.expired || m.ctrl.ConfirmLeave() {
			return m, tea.Quit
		}
		m.status = "press again to leave; /exit leaves for good"
		return m, nil
	case tea.KeyEnter:
		if m.expired {
			return m, nil
		}
		line := strings.TrimSpace(m.input.Value())
		m.input.SetValue("")
		if line == "" {
			return m, nil
		}
		return m.command(line)
	}
	if m.expired {
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// command runs one input line. Sends run off the update loop.
func (m Model) command(line string) (tea.Model, tea.Cmd) {
	p := m.ctrl.Pipeline()
	if p == nil {
		return m, nil
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "/exit":
		ctrl := m.ctrl
		return m, func() tea.Msg {
			if err := ctrl.Exit(context.Background()); err != nil {
				return errorMsg{err}
			}
			return sentMsg{}
		}
	case "/reply":
		if len(fields) < 2 {
			p.ClearReply()
			m.status = "reply cleared"
			return m, nil
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 1 || n > len(m.messages) {
			m.status = "no such message"
			return m, nil
		}
		target := m.messages[n-1]
		p.SetReply(outbound.Reply{ID: target.ID, Kind: target.Kind, Content: target.Content})
		m.status = "replying to #" + fields[1]
		return m, nil
	case "/image":
		if len(fields) < 2 {
			m.status = "usage: /image PATH [caption]"
			return m, nil
		}
		path, caption := fields[1], strings.Join(fields[2:], " ")
		return m, func() tea.Msg {
			img, err := readImage(path)
			if err != nil {
				return errorMsg{err}
			}
			if err := p.SendImage(context.Background(), img, caption); err != nil {
				return errorMsg{err}
			}
			return sentMsg{}
		}
	}
	return m, func() tea.Msg {
		if err := p.SendText(context.Background(), line); err != nil {
			return errorMsg{err}
		}
		return sentMsg{}
	}
}

func readImage(path string) (outbound.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return outbound.Image{}, err
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	ct := "image/" + ext
	if ext == "jpg" {
		ct = "image/jpeg"
	}
	return outbound.Image{Data: data, ContentType: ct, Ext: ext}, nil
}

func (m Model) View() string {
	if m.expired {
		return expiredStyle.Render("This chat has expired.\nEverything in it has been deleted.") + "\n" +
			dimStyle.Render("press ctrl+c to quit") + "\n"
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("Room %s   %s   %d/%d online",
		m.ctrl.Code(), expiry.FormatRemaining(m.remaining), m.count, config.RoomCapacity)))
	b.WriteString("\n\n")

	visible := m.visibleMessages()
	offset := len(m.messages) - len(visible)
	for i, e := range visible {
		b.WriteString(m.renderEntry(offset+i+1, e))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if p := m.ctrl.Pipeline(); p != nil {
		if r, ok := p.Reply(); ok {
			b.WriteString(dimStyle.Render("↪ " + preview(r.Kind, r.Content)))
			b.WriteString("\n")
		}
	}
	b.WriteString(m.input.View())
	if m.status != "" {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render(m.status))
	}
	return b.String()
}

// visibleMessages is the tail that fits the window.
func (m Model) visibleMessages() []msgsync.Entry {
	rows := m.height - 6
	if m.height == 0 || rows >= len(m.messages) {
		return m.messages
	}
	if rows < 1 {
		rows = 1
	}
	return m.messages[len(m.messages)-rows:]
}

func (m Model) renderEntry(n int, e msgsync.Entry) string {
	who := "them"
	if e.SessionID == m.self {
		who = "you"
	}
	style := lipgloss.NewStyle()
	if c := m.ctrl.Color(e.SessionID); c != "" {
		style = style.Foreground(lipgloss.Color(c))
	}

	line := fmt.Sprintf("%3d %s %s: ", n, e.CreatedAt.Local().Format("15:04"), who)
	if e.ReplyContent != nil && e.ReplyKind != nil {
		line += dimStyle.Render("↪ "+preview(*e.ReplyKind, *e.ReplyContent)) + " "
	}
	line += preview(e.Kind, e.Content)
	if e.Caption != nil {
		line += " " + *e.Caption
	}
	if e.Optimistic {
		line += dimStyle.Render(" …")
	}
	return style.Render(line)
}

func preview(kind models.MessageKind, content string) string {
	switch kind {
	case models.KindImage:
		return "[image " + filepath.Base(content) + "]"
	case models.KindVoice:
		return "[voice message]"
	}
	return content
}
