package tui

import (
	"context"
	"testing"
	"time"

	"onetimechat/backend/internal/client/clienttest"
	"onetimechat/backend/internal/client/identity"
	"onetimechat/backend/internal/client/lifecycle"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newModel(t *testing.T) (Model, *lifecycle.Controller) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	b := clienttest.NewBackend(clock)
	b.AddRoom("ABC123", clock.Now().Add(30*time.Minute))

	session := identity.NewSession(identity.NewMemoryKV())
	nav := NewNavigator()
	ctrl := lifecycle.NewController(b, session, identity.NewMarkers(identity.NewMemoryKV(), clock), nav, clock, lifecycle.Options{})
	t.Cleanup(ctrl.Close)
	require.NoError(t, ctrl.Enter(context.Background(), "ABC123"))
	return New(ctrl, nav, session.ID()), ctrl
}

func typeLine(t *testing.T, m Model, line string) (Model, tea.Cmd) {
	t.Helper()
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(line)})
	next, cmd := next.(Model).Update(tea.KeyMsg{Type: tea.KeyEnter})
	return next.(Model), cmd
}

func TestView_Header(t *testing.T) {
	m, _ := newModel(t)
	view := m.View()
	assert.Contains(t, view, "Room ABC123")
	assert.Contains(t, view, "30:00")
	assert.Contains(t, view, "1/5 online")

	next, cmd := m.Update(presenceMsg(3))
	assert.NotNil(t, cmd, "keeps listening for room events")
	assert.Contains(t, next.View(), "3/5 online")

	next, _ = next.(Model).Update(tickMsg(61 * time.Second))
	assert.Contains(t, next.View(), "01:01")
}

func TestSendAndReply(t *testing.T) {
	m, ctrl := newModel(t)

	m, cmd := typeLine(t, m, "hello there")
	require.NotNil(t, cmd)
	assert.IsType(t, sentMsg{}, cmd())

	next, _ := m.Update(messagesMsg(ctrl.Messages().Messages()))
	m = next.(Model)
	view := m.View()
	assert.Contains(t, view, "you: hello there")

	m, _ = typeLine(t, m, "/reply 1")
	assert.Equal(t, "replying to #1", m.status)
	assert.Contains(t, m.View(), "↪ hello there")

	m, _ = typeLine(t, m, "/reply 9")
	assert.Equal(t, "no such message", m.status)
}

func TestExpiredScreen(t *testing.T) {
	m, _ := newModel(t)
	next, _ := m.Update(routeMsg(lifecycle.RouteExpired))
	m = next.(Model)
	assert.Contains(t, m.View(), "expired")

	// Input is ignored once expired.
	_, cmd := typeLine(t, m, "anyone?")
	assert.Nil(t, cmd)

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestLeaveNeedsConfirmation(t *testing.T) {
	m, _ := newModel(t)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	assert.Nil(t, cmd)
	assert.NotEmpty(t, next.(Model).status)

	_, cmd = next.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestExitCommandQuits(t *testing.T) {
	m, ctrl := newModel(t)
	_, cmd := typeLine(t, m, "/exit")
	require.NotNil(t, cmd)
	assert.IsType(t, sentMsg{}, cmd())
	assert.Equal(t, lifecycle.StateExited, ctrl.State())

	// The redirect home arrives as a room event and ends the program.
	msg := m.nav.next()
	for {
		if _, ok := msg.(routeMsg); ok {
			break
		}
		msg = m.nav.next()
	}
	_, cmd = m.Update(msg)
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestNavigator_RedirectSurvivesSnapshotBurst(t *testing.T) {
	nav := NewNavigator()
	for i := 0; i < eventBuffer*2; i++ {
		nav.offer(tickMsg(time.Duration(i) * time.Second))
	}
	nav.post(stateMsg(lifecycle.StateExpired))
	nav.Redirect(lifecycle.RouteExpired)

	assert.Equal(t, stateMsg(lifecycle.StateExpired), nav.next())
	assert.Equal(t, routeMsg(lifecycle.RouteExpired), nav.next())

	// The surviving snapshots follow.
	assert.IsType(t, tickMsg(0), nav.next())
}

func TestNavigator_ConfirmArmsThenConfirms(t *testing.T) {
	nav := NewNavigator()
	assert.False(t, nav.Confirm("leave?"))
	assert.True(t, nav.Confirm("leave?"))
	assert.False(t, nav.Confirm("leave?"))
}
