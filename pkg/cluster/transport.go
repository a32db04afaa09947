package cluster

import (
	"io"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/respondent"
	"go.nanomsg.org/mangos/v3/protocol/surveyor"

	// Register tcp, ipc, inproc and tls transports.
	_ "go.nanomsg.org/mangos/v3/transport/all"
)

// Socket is a message socket. The interfaces let the heartbeat loops run
// against mangos in production and in-memory fakes in tests.
type Socket interface {
	io.Closer
	Send([]byte) error
	Recv() ([]byte, error)
	SetRecvDeadline(d time.Duration) error
}

// DialSocket connects to a remote address.
type DialSocket interface {
	Socket
	Dial(addr string) error
}

// SurveySocket is a SURVEYOR socket: one Send fans out to every connected
// respondent and Recv collects answers until the survey time elapses.
type SurveySocket interface {
	Socket
	Listen(addr string) error
	SetSurveyTime(d time.Duration) error
}

// SocketFactory creates heartbeat sockets.
type SocketFactory interface {
	NewSurveyorSocket() (SurveySocket, error)
	NewRespondentSocket() (DialSocket, error)
}

type mangosSocket struct {
	sock mangos.Socket
}

func (s *mangosSocket) Send(data []byte) error { return s.sock.Send(data) }
func (s *mangosSocket) Recv() ([]byte, error)  { return s.sock.Recv() }
func (s *mangosSocket) Close() error           { return s.sock.Close() }
func (s *mangosSocket) Dial(addr string) error { return s.sock.Dial(addr) }

func (s *mangosSocket) SetRecvDeadline(d time.Duration) error {
	return s.sock.SetOption(mangos.OptionRecvDeadline, d)
}

type mangosSurveySocket struct {
	mangosSocket
}

func (s *mangosSurveySocket) Listen(addr string) error { return s.sock.Listen(addr) }

func (s *mangosSurveySocket) SetSurveyTime(d time.Duration) error {
	return s.sock.SetOption(mangos.OptionSurveyTime, d)
}

// MangosFactory creates mangos (nanomsg SP) sockets.
type MangosFactory struct{}

func (MangosFactory) NewSurveyorSocket() (SurveySocket, error) {
	sock, err := surveyor.NewSocket()
	if err != nil {
		return nil, err
	}
	return &mangosSurveySocket{mangosSocket{sock: sock}}, nil
}

func (MangosFactory) NewRespondentSocket() (DialSocket, error) {
	sock, err := respondent.NewSocket()
	if err != nil {
		return nil, err
	}
	// Keep redialing the coordinator after it restarts.
	if err := sock.SetOption(mangos.OptionDialAsynch, true); err != nil {
		sock.Close()
		return nil, err
	}
	return &mangosSocket{sock: sock}, nil
}

var _ SocketFactory = MangosFactory{}
