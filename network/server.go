package network

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Server accepts inbound TCP connections on the listening port and hands
// raw sockets to the engine, which decides whether the remote host belongs
// to a known peer.
type Server struct {
	listener net.Listener
	incoming chan net.Conn

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup

	log *logrus.Entry
}

// Listen starts accepting on the given address (host:port or :port).
func Listen(address string, log *logrus.Entry) (*Server, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", address, err)
	}

	s := &Server{
		listener: listener,
		incoming: make(chan net.Conn, 8),
		closed:   make(chan struct{}),
		log:      log.WithField("listen_addr", listener.Addr().String()),
	}

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info("listening for peer connections")
	return s, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Incoming yields accepted raw connections. Closed on shutdown.
func (s *Server) Incoming() <-chan net.Conn {
	return s.incoming
}

// Close stops the listener and closes any accepted but unclaimed sockets.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		for conn := range s.incoming {
			_ = conn.Close()
		}
	})
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Warn("accept failed")
			continue
		}

		select {
		case s.incoming <- conn:
		case <-s.closed:
			_ = conn.Close()
			return
		}
	}
}
