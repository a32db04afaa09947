package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-ha/pkg/logging"
)

var errSurveyExpired = errors.New("survey expired")

// fakeSurveySocket answers each survey on behalf of the members in
// responders. Recv drains the queued answers then reports expiry.
type fakeSurveySocket struct {
	mu         sync.Mutex
	responders map[string]bool
	queue      [][]byte
	sendErr    error
	listened   string
	extra      [][]byte
}

func (f *fakeSurveySocket) setResponding(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responders = make(map[string]bool)
	for _, id := range ids {
		f.responders[id] = true
	}
}

func (f *fakeSurveySocket) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	var survey HeartbeatMessage
	if err := json.Unmarshal(data, &survey); err != nil {
		return err
	}
	f.queue = f.queue[:0]
	for id := range f.responders {
		b, _ := json.Marshal(HeartbeatMessage{From: id, Round: survey.Round})
		f.queue = append(f.queue, b)
	}
	f.queue = append(f.queue, f.extra...)
	return nil
}

func (f *fakeSurveySocket) Recv() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, errSurveyExpired
	}
	msg := f.queue[0]
	f.queue = f.queue[1:]
	return msg, nil
}

func (f *fakeSurveySocket) Close() error                        { return nil }
func (f *fakeSurveySocket) SetRecvDeadline(time.Duration) error { return nil }
func (f *fakeSurveySocket) SetSurveyTime(time.Duration) error   { return nil }
func (f *fakeSurveySocket) Listen(addr string) error {
	f.listened = addr
	return nil
}

type fakeFactory struct {
	survey *fakeSurveySocket
}

func (f *fakeFactory) NewSurveyorSocket() (SurveySocket, error) { return f.survey, nil }
func (f *fakeFactory) NewRespondentSocket() (DialSocket, error) {
	return nil, errors.New("not supported")
}

func newFakeSurveyor(t *testing.T) (*HeartbeatSurveyor, *fakeSurveySocket, *Membership) {
	t.Helper()
	m := NewMembership(MembershipConfig{Logger: logging.NopLogger{}})
	for _, id := range []string{"n1", "n2", "n3"} {
		require.NoError(t, m.AddNode(id, "", 1))
	}
	require.NoError(t, m.SetWitness("w", "", 1))

	sock := &fakeSurveySocket{}
	s, err := NewHeartbeatSurveyor(&fakeFactory{survey: sock}, m, HeartbeatSurveyorConfig{
		Address:  "inproc://fake",
		Interval: time.Second,
		Logger:   logging.NopLogger{},
	})
	require.NoError(t, err)
	return s, sock, m
}

func TestRunRoundAppliesResponses(t *testing.T) {
	s, sock, m := newFakeSurveyor(t)
	sock.setResponding("n1", "n2", "w")

	res := s.RunRound()
	assert.ElementsMatch(t, []string{"n1", "n2", "w"}, res.Responded)
	assert.Equal(t, []string{"n3"}, res.Missed)
	assert.True(t, m.IsUp("n1"))
	assert.True(t, m.IsUp("w"))
	assert.True(t, m.ComputeQuorum().HasQuorum)

	n3, _ := m.GetNode("n3")
	assert.Equal(t, 1, n3.MissedHeartbeats)
}

func TestThreeSilentRoundsMarkDown(t *testing.T) {
	s, sock, m := newFakeSurveyor(t)
	sock.setResponding("n1", "n2", "n3", "w")
	s.RunRound()

	sock.setResponding("n1", "w")
	for i := 0; i < 2; i++ {
		s.RunRound()
		assert.True(t, m.IsUp("n2"), "n2 should survive %d missed rounds", i+1)
	}
	s.RunRound()
	assert.False(t, m.IsUp("n2"))
	assert.False(t, m.IsUp("n3"))

	q := m.ComputeQuorum()
	assert.False(t, q.HasQuorum, "2 of 4 votes is not a majority: %+v", q)
	assert.Equal(t, 2, q.ReachableVotes)
}

func TestRunRoundSendFailureCountsAsMiss(t *testing.T) {
	s, sock, m := newFakeSurveyor(t)
	sock.setResponding("n1", "n2", "n3", "w")
	s.RunRound()

	sock.sendErr = errors.New("socket closed")
	res := s.RunRound()
	assert.True(t, res.SendFailed)
	assert.Len(t, res.Missed, 4)

	n1, _ := m.GetNode("n1")
	assert.Equal(t, 1, n1.MissedHeartbeats)
	assert.Equal(t, NodeUp, n1.State)
}

func TestRunRoundIgnoresStrangersAndGarbage(t *testing.T) {
	s, sock, m := newFakeSurveyor(t)
	sock.setResponding("n1")
	stranger, _ := json.Marshal(HeartbeatMessage{From: "intruder"})
	sock.extra = [][]byte{[]byte("not json"), stranger}

	res := s.RunRound()
	assert.Equal(t, []string{"intruder"}, res.Strangers)
	assert.Equal(t, []string{"n1"}, res.Responded)
	_, err := m.GetNode("intruder")
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestSurveyorStartStop(t *testing.T) {
	s, sock, _ := newFakeSurveyor(t)
	require.NoError(t, s.Start())
	assert.Equal(t, "inproc://fake", sock.listened)
	assert.ErrorIs(t, s.Start(), ErrSurveyorRunning)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func TestHeartbeatOverMangosInproc(t *testing.T) {
	addr := fmt.Sprintf("inproc://heartbeat-%d", time.Now().UnixNano())

	m := NewMembership(MembershipConfig{Logger: logging.NopLogger{}})
	require.NoError(t, m.AddNode("n1", "", 1))
	require.NoError(t, m.AddNode("n2", "", 1))
	require.NoError(t, m.SetWitness("w", "", 1))

	surveyor, err := NewHeartbeatSurveyor(MangosFactory{}, m, HeartbeatSurveyorConfig{
		Address:       addr,
		Interval:      time.Hour, // rounds are driven by the test
		SurveyTimeout: 100 * time.Millisecond,
		Logger:        logging.NopLogger{},
	})
	require.NoError(t, err)
	require.NoError(t, surveyor.Start())
	defer surveyor.Stop()

	for _, tc := range []struct {
		id      string
		witness bool
	}{{"n1", false}, {"w", true}} {
		r, err := NewHeartbeatResponder(MangosFactory{}, HeartbeatResponderConfig{
			CoordinatorURL: addr,
			NodeID:         tc.id,
			Witness:        tc.witness,
			RecvTimeout:    50 * time.Millisecond,
			Logger:         logging.NopLogger{},
		})
		require.NoError(t, err)
		require.NoError(t, r.Start())
		defer r.Stop()
	}

	// Dialing is asynchronous; survey until both responders are connected.
	require.Eventually(t, func() bool {
		surveyor.RunRound()
		return m.IsUp("n1") && m.IsUp("w")
	}, 5*time.Second, 10*time.Millisecond)

	q := m.ComputeQuorum()
	assert.True(t, q.HasQuorum)
	assert.True(t, q.WitnessReachable)
	assert.Equal(t, []string{"n1", "w"}, q.VotingNodes)
	assert.False(t, m.IsUp("n2"))
}
