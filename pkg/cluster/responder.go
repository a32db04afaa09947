package cluster

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/clock"
	"github.com/dd0wney/cluso-ha/pkg/logging"
)

// HeartbeatResponderConfig configures the member side of heartbeats.
type HeartbeatResponderConfig struct {
	CoordinatorURL string
	NodeID         string
	Witness        bool
	RecvTimeout    time.Duration
	Clock          clock.Clock
	Logger         logging.Logger
}

// HeartbeatResponder answers coordinator surveys on behalf of a node or
// the witness.
type HeartbeatResponder struct {
	socket DialSocket
	cfg    HeartbeatResponderConfig
	logger logging.Logger

	mu        sync.Mutex
	lastRound uint64
	lastSeen  time.Time

	stopCh    chan struct{}
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// NewHeartbeatResponder creates a respondent socket from factory.
func NewHeartbeatResponder(factory SocketFactory, cfg HeartbeatResponderConfig) (*HeartbeatResponder, error) {
	if cfg.NodeID == "" {
		return nil, ErrInvalidNodeID
	}
	socket, err := factory.NewRespondentSocket()
	if err != nil {
		return nil, fmt.Errorf("create respondent socket: %w", err)
	}
	if cfg.RecvTimeout <= 0 {
		cfg.RecvTimeout = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	role := "node"
	if cfg.Witness {
		role = "witness"
	}
	return &HeartbeatResponder{
		socket: socket,
		cfg:    cfg,
		logger: logging.ForComponent(cfg.Logger, "heartbeat-responder").With(logging.Node(cfg.NodeID), logging.String("member", role)),
		stopCh: make(chan struct{}),
	}, nil
}

// Start dials the coordinator and begins answering.
func (r *HeartbeatResponder) Start() error {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()

	if r.running {
		return nil
	}
	if err := r.socket.Dial(r.cfg.CoordinatorURL); err != nil {
		return fmt.Errorf("dial %s: %w", r.cfg.CoordinatorURL, err)
	}
	if err := r.socket.SetRecvDeadline(r.cfg.RecvTimeout); err != nil {
		r.socket.Close()
		return fmt.Errorf("set recv deadline: %w", err)
	}

	r.running = true
	r.wg.Add(1)
	go r.loop()

	r.logger.Info("heartbeat responder started", logging.String("coordinator", r.cfg.CoordinatorURL))
	return nil
}

// Stop ends the loop and closes the socket.
func (r *HeartbeatResponder) Stop() error {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()

	if !r.running {
		return nil
	}
	close(r.stopCh)
	r.running = false
	r.wg.Wait()
	return r.socket.Close()
}

// LastSurvey returns the last survey round answered and when.
func (r *HeartbeatResponder) LastSurvey() (uint64, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRound, r.lastSeen
}

func (r *HeartbeatResponder) loop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		data, err := r.socket.Recv()
		if err != nil {
			continue // recv deadline; check stopCh again
		}
		if err := r.answer(data); err != nil {
			r.logger.Debug("heartbeat answer failed", logging.Error(err))
		}
	}
}

func (r *HeartbeatResponder) answer(survey []byte) error {
	var in HeartbeatMessage
	if err := json.Unmarshal(survey, &in); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	r.mu.Lock()
	r.lastRound = in.Round
	r.lastSeen = r.cfg.Clock.Now()
	r.mu.Unlock()

	out, err := json.Marshal(HeartbeatMessage{
		From:    r.cfg.NodeID,
		Round:   in.Round,
		Witness: r.cfg.Witness,
		SentAt:  r.cfg.Clock.Now(),
	})
	if err != nil {
		return err
	}
	return r.socket.Send(out)
}
