package cluster

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/clock"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
)

// HeartbeatMessage is exchanged in both directions of a survey round.
type HeartbeatMessage struct {
	From    string    `json:"from"`
	Round   uint64    `json:"round"`
	Epoch   uint64    `json:"epoch,omitempty"`
	Witness bool      `json:"witness,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// RoundResult summarizes one survey round.
type RoundResult struct {
	Round      uint64
	Responded  []string
	Missed     []string
	Strangers  []string // answered but not members
	Duration   time.Duration
	SendFailed bool
}

// HeartbeatSurveyorConfig configures the coordinator side of heartbeats.
type HeartbeatSurveyorConfig struct {
	Address       string        // e.g. tcp://0.0.0.0:7400
	Interval      time.Duration // time between rounds
	SurveyTimeout time.Duration // how long each round collects answers
	SenderID      string
	Clock         clock.Clock
	Logger        logging.Logger
	Metrics       *metrics.Registry
}

// HeartbeatSurveyor periodically surveys every member. Members that answer
// get Heartbeat; the rest get RecordMiss. Each round is bounded by the survey
// time, so a silent member never blocks the loop.
type HeartbeatSurveyor struct {
	socket     SurveySocket
	membership *Membership
	cfg        HeartbeatSurveyorConfig
	logger     logging.Logger
	round      uint64

	stopCh    chan struct{}
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// NewHeartbeatSurveyor creates a surveyor socket from factory.
func NewHeartbeatSurveyor(factory SocketFactory, membership *Membership, cfg HeartbeatSurveyorConfig) (*HeartbeatSurveyor, error) {
	socket, err := factory.NewSurveyorSocket()
	if err != nil {
		return nil, fmt.Errorf("create surveyor socket: %w", err)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.SurveyTimeout <= 0 || cfg.SurveyTimeout > cfg.Interval {
		cfg.SurveyTimeout = cfg.Interval / 2
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.SenderID == "" {
		cfg.SenderID = "coordinator"
	}
	return &HeartbeatSurveyor{
		socket:     socket,
		membership: membership,
		cfg:        cfg,
		logger:     logging.ForComponent(cfg.Logger, "heartbeat-surveyor"),
		stopCh:     make(chan struct{}),
	}, nil
}

// Start listens and begins surveying.
func (s *HeartbeatSurveyor) Start() error {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()

	if s.running {
		return ErrSurveyorRunning
	}
	if err := s.socket.Listen(s.cfg.Address); err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Address, err)
	}
	if err := s.socket.SetSurveyTime(s.cfg.SurveyTimeout); err != nil {
		s.socket.Close()
		return fmt.Errorf("set survey time: %w", err)
	}

	s.running = true
	s.wg.Add(1)
	go s.loop()

	s.logger.Info("heartbeat surveyor started",
		logging.String("addr", s.cfg.Address),
		logging.Duration("interval", s.cfg.Interval),
		logging.Duration("survey_timeout", s.cfg.SurveyTimeout),
	)
	return nil
}

// Stop ends the loop and closes the socket.
func (s *HeartbeatSurveyor) Stop() error {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()

	if !s.running {
		return nil
	}
	close(s.stopCh)
	s.running = false
	s.wg.Wait()

	s.logger.Info("heartbeat surveyor stopped")
	return s.socket.Close()
}

func (s *HeartbeatSurveyor) loop() {
	defer s.wg.Done()

	ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C():
			s.RunRound()
		}
	}
}

// RunRound performs one survey and applies the results to membership.
func (s *HeartbeatSurveyor) RunRound() RoundResult {
	start := time.Now()
	s.round++
	result := RoundResult{Round: s.round}

	survey, _ := json.Marshal(HeartbeatMessage{
		From:   s.cfg.SenderID,
		Round:  s.round,
		Epoch:  s.membership.Epoch(),
		SentAt: s.cfg.Clock.Now(),
	})

	responded := make(map[string]bool)
	if err := s.socket.Send(survey); err != nil {
		// Count the round as missed by everyone rather than retrying; the
		// next tick is the retry.
		result.SendFailed = true
		s.logger.Warn("heartbeat survey send failed", logging.Error(err))
	} else {
		for {
			data, err := s.socket.Recv()
			if err != nil {
				break // survey time expired
			}
			var msg HeartbeatMessage
			if err := json.Unmarshal(data, &msg); err != nil || msg.From == "" {
				s.logger.Debug("ignoring heartbeat response", logging.Error(ErrMalformedResponse))
				continue
			}
			if msg.Round != 0 && msg.Round != s.round {
				continue // late answer to an earlier round
			}
			responded[msg.From] = true
		}
	}

	for _, id := range s.membership.Members() {
		if responded[id] {
			if _, err := s.membership.Heartbeat(id); err == nil {
				result.Responded = append(result.Responded, id)
			}
			delete(responded, id)
			continue
		}
		if _, err := s.membership.RecordMiss(id); err == nil {
			result.Missed = append(result.Missed, id)
		}
	}
	for id := range responded {
		result.Strangers = append(result.Strangers, id)
		s.logger.Warn("heartbeat from unknown member", logging.Node(id))
	}
	result.Duration = time.Since(start)

	outcome := "complete"
	switch {
	case result.SendFailed:
		outcome = "error"
	case len(result.Missed) > 0:
		outcome = "partial"
	}
	s.cfg.Metrics.RecordHeartbeatRound(outcome, result.Duration, result.Missed)
	return result
}
