package main

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-ha/pkg/audit"
)

func stubFetch(snap snapshot, err error) func(context.Context) (snapshot, error) {
	return func(context.Context) (snapshot, error) { return snap, err }
}

func TestReplicaRows(t *testing.T) {
	rows := replicaRows(fixtureStatus())
	require.Len(t, rows, 2)
	assert.Equal(t, "orders", rows[0][0])
	assert.Equal(t, "PRIMARY", rows[0][2])
	assert.Equal(t, "OFFLINE*", rows[1][2])
	assert.Equal(t, "1.5s", rows[1][7])
}

func TestEventRows(t *testing.T) {
	ev := fixtureEvent()
	ev.DataLoss = true
	rows := eventRows([]audit.Event{ev})
	require.Len(t, rows, 1)
	assert.Equal(t, "n1 -> n2", rows[0][3])
	assert.Equal(t, "yes", rows[0][5])
}

func TestModelAppliesSnapshot(t *testing.T) {
	snap := snapshot{status: fixtureStatus(), events: []audit.Event{fixtureEvent()}, at: time.Now()}
	m := initialModel(stubFetch(snap, nil), time.Second)

	assert.Equal(t, "Initializing...", m.View())

	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	next, cmd := next.Update(snapshotMsg{snap: snap})
	m = next.(model)
	assert.NotNil(t, cmd, "a snapshot schedules the next tick")
	assert.True(t, m.loaded)
	assert.Len(t, m.replicas.Rows(), 2)
	assert.Len(t, m.events.Rows(), 1)

	v := m.View()
	assert.Contains(t, v, "Quorum HELD")
	assert.Contains(t, v, "orders-rw")

	next, _ = m.Update(snapshotMsg{err: errors.New("connection refused")})
	m = next.(model)
	assert.True(t, m.loaded, "the last good snapshot stays on screen")
	assert.Contains(t, m.View(), "connection refused")
}

func TestModelNavigation(t *testing.T) {
	m := initialModel(stubFetch(snapshot{}, nil), time.Second)

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, replicasView, next.(model).currentView)

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyShiftTab})
	assert.Equal(t, eventsView, next.(model).currentView)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
}

func TestPollReportsFetchError(t *testing.T) {
	m := initialModel(stubFetch(snapshot{}, errors.New("boom")), time.Second)
	msg := m.poll()()
	sm, ok := msg.(snapshotMsg)
	require.True(t, ok)
	assert.EqualError(t, sm.err, "boom")
}
