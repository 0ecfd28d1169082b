package milter

import (
	"errors"
	"net"
	"sync"
)

// ErrServerClosed is returned by Serve after a call to Close.
var ErrServerClosed = errors.New("milter: server closed")

// Server is a milter server.
type Server struct {
	// NewMilter returns the backend for one MTA connection. It is called once
	// per accepted connection; the returned backend handles every message of
	// that connection and must reset its per-message state in Body and Abort.
	NewMilter func() Milter

	// Actions and Protocol are the masks announced during negotiation for
	// backends that do not implement Negotiator.
	Actions  OptAction
	Protocol OptProtocol

	mu        sync.Mutex
	listeners []net.Listener
	closed    bool
}

// Serve accepts MTA connections on l. It always returns a non-nil error;
// after Close the returned error is ErrServerClosed.
func (s *Server) Serve(l net.Listener) error {
	if err := s.trackListener(l); err != nil {
		return err
	}
	defer l.Close()

	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			return err
		}
		session := milterSession{
			server:   s,
			actions:  s.Actions,
			protocol: s.Protocol,
			conn:     conn,
			backend:  s.NewMilter(),
		}
		go session.HandleMilterCommands()
	}
}

// Close closes all listeners the server is serving on. Sessions already in
// flight run to completion.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	s.closed = true

	var err error
	for _, l := range s.listeners {
		if cerr := l.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	s.listeners = nil
	return err
}

func (s *Server) trackListener(l net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	s.listeners = append(s.listeners, l)
	return nil
}
