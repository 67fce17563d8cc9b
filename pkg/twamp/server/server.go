// Package server implements the Responder side of TWAMP: the Server state
// machine on the TWAMP-Control TCP connection and the Session-Reflector
// on the per-session UDP socket.
package server

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ncode/EchoZero/pkg/twamp/clock"
	"github.com/ncode/EchoZero/pkg/twamp/common"
	"github.com/ncode/EchoZero/pkg/twamp/messages"
)

// ServerConfig contains configuration for the TWAMP Server.
type ServerConfig struct {
	ListenAddress string
	// SERVWAIT bounds how long a control connection may sit idle while
	// the Server waits for the next command.
	SERVWAIT time.Duration
	// REFWAIT bounds how long a reflector keeps running without
	// receiving a test packet.
	REFWAIT time.Duration
}

// Server accepts TWAMP-Control connections and serves each peer on its
// own goroutine. The per-connection exchange is strictly sequential.
type Server struct {
	config   ServerConfig
	listener net.Listener
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a new TWAMP server
func NewServer(config ServerConfig) *Server {
	if config.SERVWAIT == 0 {
		config.SERVWAIT = common.DefaultSERVWAIT
	}
	if config.REFWAIT == 0 {
		config.REFWAIT = common.DefaultREFWAIT
	}
	if config.ListenAddress == "" {
		config.ListenAddress = fmt.Sprintf(":%d", common.TWAMPControlPort)
	}

	return &Server{
		config:   config,
		stopChan: make(chan struct{}),
	}
}

// Start binds the TWAMP-Control listener and begins accepting peers.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp4", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	s.listener = listener
	log.WithField("addr", listener.Addr().String()).Info("listening for TWAMP-Control")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptConnections(ctx)
	}()

	return nil
}

// Addr returns the control listener address, useful when the configured
// port was zero.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// acceptConnections accepts and dispatches TWAMP-Control connections.
func (s *Server) acceptConnections(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		default:
			s.listener.(*net.TCPListener).SetDeadline(time.Now().Add(1 * time.Second))

			conn, err := s.listener.Accept()
			if err != nil {
				if opErr, ok := err.(*net.OpError); ok && opErr.Timeout() {
					continue
				}
				continue
			}
			log.WithField("peer", conn.RemoteAddr().String()).Info("control connection accepted")

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := s.handleConnection(ctx, conn); err != nil {
					log.WithError(err).WithField("peer", conn.RemoteAddr().String()).
						Warn("control connection ended with error")
				}
			}()
		}
	}
}

// controlConn wraps one control connection with framed read/write helpers.
type controlConn struct {
	conn     net.Conn
	servwait time.Duration
}

// writeFull writes the whole frame, retrying short writes.
func (cc *controlConn) writeFull(frame []byte) error {
	for len(frame) > 0 {
		n, err := cc.conn.Write(frame)
		if err != nil {
			return err
		}
		frame = frame[n:]
	}
	return nil
}

// readFrame fills exactly size bytes, bounded by SERVWAIT.
func (cc *controlConn) readFrame(size int) ([]byte, error) {
	buf := make([]byte, size)
	cc.conn.SetReadDeadline(time.Now().Add(cc.servwait))
	if _, err := io.ReadFull(cc.conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// handleConnection runs the sequential Server state machine for one peer:
// greeting, set-up, session request, start, test, stop.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	cc := &controlConn{conn: conn, servwait: s.config.SERVWAIT}

	if err := s.sendServerGreeting(cc); err != nil {
		return err
	}

	if err := s.readSetUpResponse(cc); err != nil {
		return err
	}

	if err := s.sendServerStart(cc, common.AcceptOK); err != nil {
		return err
	}

	request, err := s.readRequestTWSession(cc)
	if err != nil {
		return err
	}

	if request.ConfSender != 0 || request.ConfReceiver != 0 {
		// TWAMP fixes the sender and receiver roles; a request to
		// reconfigure them is not supported.
		if err := s.sendAcceptSession(cc, common.AcceptNotSupported, 0, common.SessionID{}); err != nil {
			return err
		}
		return fmt.Errorf("rejected session: conf-sender/conf-receiver must be zero")
	}

	// Bind the reflector socket now so Accept-Session can announce the
	// actual port. The requested receiver port is advisory; an ephemeral
	// port is used instead.
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{
		IP: messages.UnpackIPv4(request.ReceiverAddr),
	})
	if err != nil {
		if sendErr := s.sendAcceptSession(cc, common.AcceptTempResLimited, 0, common.SessionID{}); sendErr != nil {
			return sendErr
		}
		return fmt.Errorf("failed to bind reflector socket: %w", err)
	}
	reflectorPort := uint16(udpConn.LocalAddr().(*net.UDPAddr).Port)

	var sid common.SessionID
	if _, err := io.ReadFull(rand.Reader, sid[:]); err != nil {
		udpConn.Close()
		return fmt.Errorf("failed to generate SID: %w", err)
	}

	if err := s.sendAcceptSession(cc, common.AcceptOK, reflectorPort, sid); err != nil {
		udpConn.Close()
		return err
	}

	if err := s.readStartSessions(cc); err != nil {
		udpConn.Close()
		return err
	}

	// The reflector goroutine owns the UDP socket from here on. The
	// context is cancelled on any exit path; on a clean Stop-Sessions the
	// cancellation is delayed by the linger interval below.
	reflectorCtx, cancelReflector := context.WithCancel(ctx)
	reflector := newSessionReflector(udpConn, s.config.REFWAIT, s.stopChan)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer udpConn.Close()
		reflector.Run(reflectorCtx)
	}()
	log.WithFields(log.Fields{
		"sid":  fmt.Sprintf("%x", sid[:4]),
		"port": reflectorPort,
	}).Info("session started")

	if err := s.sendStartAck(cc, common.AcceptOK); err != nil {
		cancelReflector()
		return err
	}

	stop, err := s.readStopSessions(cc)
	if err != nil {
		cancelReflector()
		return err
	}
	if stop.NumSessions != 1 {
		log.WithField("num_sessions", stop.NumSessions).
			Warn("Stop-Sessions names an unexpected session count")
	}

	// Test packets still in flight are reflected during the timeout from
	// Request-TW-Session, then the reflector stops (RFC 5357 section 3.5).
	linger := time.Duration(request.Timeout.Seconds) * time.Second
	time.AfterFunc(linger, cancelReflector)
	log.WithField("linger", linger.String()).Info("session stopping")

	return nil
}

// sendServerGreeting offers unauthenticated mode. Challenge and salt stay
// zero; they are only meaningful in the secure modes.
func (s *Server) sendServerGreeting(cc *controlConn) error {
	greeting := &messages.ServerGreeting{
		Modes: common.ModeUnauthenticated,
		Count: 1024,
	}
	data, err := greeting.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal ServerGreeting: %w", err)
	}
	if err := cc.writeFull(data); err != nil {
		return fmt.Errorf("failed to send ServerGreeting: %w", err)
	}
	log.WithField("modes", greeting.Modes).Info("sent ServerGreeting")
	return nil
}

// readSetUpResponse reads the client's mode choice. A mode without the
// unauthenticated bit is answered with Server-Start Accept=NotSupported.
func (s *Server) readSetUpResponse(cc *controlConn) error {
	buf, err := cc.readFrame(messages.SetUpResponseSize)
	if err != nil {
		return fmt.Errorf("failed to read Set-Up-Response: %w", err)
	}

	var setUp messages.SetUpResponse
	if err := setUp.Unmarshal(buf); err != nil {
		return fmt.Errorf("failed to unmarshal Set-Up-Response: %w", err)
	}
	log.WithField("mode", setUp.Mode).Info("received Set-Up-Response")

	if setUp.Mode&common.ModeUnauthenticated == 0 {
		if err := s.sendServerStart(cc, common.AcceptNotSupported); err != nil {
			return err
		}
		return common.NewTWAMPError(common.AcceptNotSupported,
			fmt.Sprintf("client requested unsupported mode %d", setUp.Mode))
	}
	return nil
}

// sendServerStart concludes the greeting exchange.
func (s *Server) sendServerStart(cc *controlConn, accept uint8) error {
	serverStart := &messages.ServerStart{
		Accept:    accept,
		StartTime: common.Now(),
	}
	data, err := serverStart.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal Server-Start: %w", err)
	}
	if err := cc.writeFull(data); err != nil {
		return fmt.Errorf("failed to send Server-Start: %w", err)
	}
	log.WithField("accept", accept).Info("sent Server-Start")
	return nil
}

// readRequestTWSession reads and validates the session request.
func (s *Server) readRequestTWSession(cc *controlConn) (*messages.RequestTWSession, error) {
	buf, err := cc.readFrame(messages.RequestTWSessionSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read Request-TW-Session: %w", err)
	}

	var request messages.RequestTWSession
	if err := request.Unmarshal(buf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal Request-TW-Session: %w", err)
	}
	log.WithFields(log.Fields{
		"sender_port":   request.SenderPort,
		"receiver_port": request.ReceiverPort,
		"padding":       request.PaddingLength,
		"timeout_s":     request.Timeout.Seconds,
	}).Info("received Request-TW-Session")
	return &request, nil
}

// sendAcceptSession answers the session request.
func (s *Server) sendAcceptSession(cc *controlConn, accept uint8, port uint16, sid common.SessionID) error {
	acceptSession := &messages.AcceptSession{
		Accept: accept,
		Port:   port,
		SID:    sid,
	}
	data, err := acceptSession.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal Accept-Session: %w", err)
	}
	if err := cc.writeFull(data); err != nil {
		return fmt.Errorf("failed to send Accept-Session: %w", err)
	}
	log.WithFields(log.Fields{
		"accept": accept,
		"port":   port,
	}).Info("sent Accept-Session")
	return nil
}

// readStartSessions reads the Start-Sessions command.
func (s *Server) readStartSessions(cc *controlConn) error {
	buf, err := cc.readFrame(messages.StartSessionsSize)
	if err != nil {
		return fmt.Errorf("failed to read Start-Sessions: %w", err)
	}

	var start messages.StartSessions
	if err := start.Unmarshal(buf); err != nil {
		return fmt.Errorf("failed to unmarshal Start-Sessions: %w", err)
	}
	log.Info("received Start-Sessions")
	return nil
}

// sendStartAck answers Start-Sessions.
func (s *Server) sendStartAck(cc *controlConn, accept uint8) error {
	startAck := &messages.StartAck{Accept: accept}
	data, err := startAck.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal Start-Ack: %w", err)
	}
	if err := cc.writeFull(data); err != nil {
		return fmt.Errorf("failed to send Start-Ack: %w", err)
	}
	log.WithField("accept", accept).Info("sent Start-Ack")
	return nil
}

// readStopSessions reads the Stop-Sessions command.
func (s *Server) readStopSessions(cc *controlConn) (*messages.StopSessions, error) {
	buf, err := cc.readFrame(messages.StopSessionsSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read Stop-Sessions: %w", err)
	}

	var stop messages.StopSessions
	if err := stop.Unmarshal(buf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal Stop-Sessions: %w", err)
	}
	log.WithField("num_sessions", stop.NumSessions).Info("received Stop-Sessions")
	return &stop, nil
}

// Stop stops the TWAMP server and waits for all connection and reflector
// goroutines to finish.
func (s *Server) Stop() error {
	close(s.stopChan)

	if s.listener != nil {
		s.listener.Close()
	}

	s.wg.Wait()
	return nil
}

// clockSynced is read once per reflector; it feeds the S bit of the
// reflector's error estimates.
var clockSynced = clock.Synchronized
