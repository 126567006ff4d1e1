package main

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/meshsec/kmpsock/internal/kmp"
	"github.com/meshsec/kmpsock/internal/logging"
)

// echoService is a diagnostic kmp.Service: it logs every inbound PDU
// and can echo it back to the sender over the registered send path.
type echoService struct {
	logger *slog.Logger
	echo   bool

	mu        sync.Mutex
	sendPaths map[uint8]kmp.SendFunc
	headrooms map[uint8]int

	messages atomic.Uint64
	bytes    atomic.Uint64
}

func newEchoService(logger *slog.Logger, echo bool) *echoService {
	return &echoService{
		logger:    logger.With(slog.String(logging.KeyComponent, "echo")),
		echo:      echo,
		sendPaths: make(map[uint8]kmp.SendFunc),
		headrooms: make(map[uint8]int),
	}
}

// RegisterSendPath implements kmp.Service.
func (s *echoService) RegisterSendPath(instanceID uint8, send kmp.SendFunc, headroom int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if send == nil {
		delete(s.sendPaths, instanceID)
		delete(s.headrooms, instanceID)
		return nil
	}

	s.sendPaths[instanceID] = send
	s.headrooms[instanceID] = headroom
	return nil
}

// Receive implements kmp.Service.
func (s *echoService) Receive(instanceID uint8, msgType kmp.MessageType, addr *kmp.Address, pdu []byte) {
	s.messages.Add(1)
	s.bytes.Add(uint64(len(pdu)))

	s.logger.Debug("message received",
		slog.Int(logging.KeyInstanceID, int(instanceID)),
		slog.String(logging.KeyMsgType, msgType.String()),
		slog.Int(logging.KeyBytes, len(pdu)))

	if !s.echo {
		return
	}

	s.mu.Lock()
	send := s.sendPaths[instanceID]
	headroom := s.headrooms[instanceID]
	s.mu.Unlock()

	if send == nil {
		return
	}

	reply := make([]byte, headroom+len(pdu))
	copy(reply[headroom:], pdu)

	if err := send(msgType, addr, reply, 0); err != nil {
		s.logger.Warn("echo send failed",
			slog.Int(logging.KeyInstanceID, int(instanceID)),
			slog.Any(logging.KeyError, err))
	}
}

// Stats returns the running message and byte counts.
func (s *echoService) Stats() (messages, bytes uint64) {
	return s.messages.Load(), s.bytes.Load()
}
