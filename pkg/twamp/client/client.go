// Package client implements the Controller side of TWAMP: the
// Control-Client state machine over TCP, the Session-Sender over UDP, and
// the metrics computed from the collected session records.
package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ncode/EchoZero/pkg/twamp/common"
	"github.com/ncode/EchoZero/pkg/twamp/messages"
)

// State names the position of the Control-Client in the TWAMP-Control
// exchange. Transitions are strictly sequential; any error moves the
// client directly to StateClosed.
type State int

const (
	StateConnecting State = iota
	StateReadGreeting
	StateSendSetUp
	StateReadServerStart
	StateSendRequest
	StateReadAccept
	StateSendStart
	StateReadStartAck
	StateTesting
	StateSendStop
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateReadGreeting:
		return "ReadGreeting"
	case StateSendSetUp:
		return "SendSetUp"
	case StateReadServerStart:
		return "ReadServerStart"
	case StateSendRequest:
		return "SendRequest"
	case StateReadAccept:
		return "ReadAccept"
	case StateSendStart:
		return "SendStart"
	case StateReadStartAck:
		return "ReadStartAck"
	case StateTesting:
		return "Testing"
	case StateSendStop:
		return "SendStop"
	case StateClosed:
		return "Closed"
	}
	return "Unknown"
}

// ClientConfig contains configuration for the TWAMP Controller.
type ClientConfig struct {
	// ResponderAddr is the IPv4 address of the Responder.
	ResponderAddr string
	// ResponderPort is the TWAMP-Control TCP port on the Responder.
	ResponderPort uint16
	// ControllerAddr is the local address the Session-Sender binds to and
	// the sender address carried in Request-TW-Session.
	ControllerAddr string
	// SenderPort is the Session-Sender's local UDP port, carried in
	// Request-TW-Session. Zero delegates to the OS.
	SenderPort uint16
	// ReceiverPort is the UDP port requested for the Session-Reflector.
	// The Responder may override it in Accept-Session.
	ReceiverPort uint16
	// NumPackets is the number of TWAMP-Test packets to send.
	NumPackets uint32
	// Timeout (seconds granularity on the wire) bounds both the
	// reflector's post-stop lingering and the sender's wait for replies.
	Timeout time.Duration
	// PaddingLength is the number of zero bytes appended to each test
	// packet.
	PaddingLength uint32
	// InterPacketGap is the pause between consecutive test packets.
	InterPacketGap time.Duration
	// ClockSynced sets the S bit of the sender's error estimate.
	ClockSynced bool
	// DialTimeout bounds the TCP connect.
	DialTimeout time.Duration
}

// Client implements the TWAMP Control-Client and drives a Session-Sender.
type Client struct {
	config ClientConfig
	conn   net.Conn
	state  State
}

// NewClient creates a new TWAMP client
func NewClient(config ClientConfig) *Client {
	if config.ResponderPort == 0 {
		config.ResponderPort = common.TWAMPControlPort
	}
	if config.Timeout == 0 {
		config.Timeout = common.DefaultTimeout
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 5 * time.Second
	}
	if config.NumPackets == 0 {
		config.NumPackets = 1
	}

	return &Client{
		config: config,
		state:  StateConnecting,
	}
}

// State returns the client's current position in the control exchange.
func (c *Client) State() State {
	return c.state
}

func (c *Client) transition(next State) {
	log.WithFields(log.Fields{
		"from": c.state.String(),
		"to":   next.String(),
	}).Debug("control state transition")
	c.state = next
}

// fail closes the connection and surfaces err from the current state.
func (c *Client) fail(err error) error {
	state := c.state
	c.transition(StateClosed)
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return fmt.Errorf("%s: %w", state, err)
}

// writeFull writes the whole frame, retrying short writes.
func (c *Client) writeFull(frame []byte) error {
	for len(frame) > 0 {
		n, err := c.conn.Write(frame)
		if err != nil {
			return err
		}
		frame = frame[n:]
	}
	return nil
}

// readFrame fills a buffer of exactly size bytes before decoding.
func (c *Client) readFrame(size int) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Run performs the full TWAMP exchange: control handshake, test session,
// Stop-Sessions, and metrics computation. It returns the metrics together
// with the per-packet records they were computed from.
func (c *Client) Run(ctx context.Context) (Metrics, []SessionRecord, error) {
	defer func() {
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.state = StateClosed
	}()

	// The sender socket is bound before Request-TW-Session so the frame
	// can carry the port the OS actually assigned.
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{
		IP:   net.ParseIP(c.config.ControllerAddr),
		Port: int(c.config.SenderPort),
	})
	if err != nil {
		return Metrics{}, nil, fmt.Errorf("failed to bind sender socket: %w", err)
	}
	defer udpConn.Close()
	senderPort := uint16(udpConn.LocalAddr().(*net.UDPAddr).Port)

	reflectorPort, err := c.negotiate(ctx, senderPort)
	if err != nil {
		return Metrics{}, nil, err
	}

	c.transition(StateTesting)
	log.WithFields(log.Fields{
		"reflector_port": reflectorPort,
		"num_packets":    c.config.NumPackets,
	}).Info("test session started")

	sender := NewSessionSender(udpConn, SenderConfig{
		DestAddr:       net.ParseIP(c.config.ResponderAddr),
		DestPort:       reflectorPort,
		NumPackets:     c.config.NumPackets,
		PaddingLength:  c.config.PaddingLength,
		InterPacketGap: c.config.InterPacketGap,
		Timeout:        c.config.Timeout,
		ClockSynced:    c.config.ClockSynced,
	})
	records, err := sender.Run(ctx)
	if err != nil {
		return Metrics{}, nil, c.fail(err)
	}

	c.transition(StateSendStop)
	if err := c.sendStopSessions(); err != nil {
		return Metrics{}, nil, c.fail(err)
	}

	c.transition(StateClosed)
	log.Info("test session stopped")

	metrics := ComputeMetrics(records)
	log.WithFields(log.Fields{
		"loss_pct":   metrics.LossPercent,
		"rtt_min_ms": metrics.RTTMin,
		"rtt_max_ms": metrics.RTTMax,
		"rtt_avg_ms": metrics.RTTAvg,
		"jitter_ms":  metrics.Jitter,
	}).Info("session metrics")
	return metrics, records, nil
}

// negotiate drives the control handshake up to Start-Ack and returns the
// reflector's UDP port from Accept-Session.
func (c *Client) negotiate(ctx context.Context, senderPort uint16) (uint16, error) {
	dialer := net.Dialer{Timeout: c.config.DialTimeout}
	addr := net.JoinHostPort(c.config.ResponderAddr, strconv.Itoa(int(c.config.ResponderPort)))
	conn, err := dialer.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return 0, c.fail(fmt.Errorf("failed to connect to responder: %w", err))
	}
	c.conn = conn
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	c.transition(StateReadGreeting)
	greeting, err := c.readServerGreeting()
	if err != nil {
		return 0, c.fail(err)
	}
	if greeting.Modes&common.ModeUnauthenticated == 0 {
		return 0, c.fail(common.NewTWAMPError(common.AcceptNotSupported,
			"responder does not offer unauthenticated mode"))
	}

	c.transition(StateSendSetUp)
	if err := c.sendSetUpResponse(); err != nil {
		return 0, c.fail(err)
	}

	c.transition(StateReadServerStart)
	serverStart, err := c.readServerStart()
	if err != nil {
		return 0, c.fail(err)
	}
	if serverStart.Accept != common.AcceptOK {
		return 0, c.fail(common.NewTWAMPError(serverStart.Accept,
			"responder rejected setup"))
	}

	c.transition(StateSendRequest)
	if err := c.sendRequestTWSession(senderPort); err != nil {
		return 0, c.fail(err)
	}

	c.transition(StateReadAccept)
	acceptSession, err := c.readAcceptSession()
	if err != nil {
		return 0, c.fail(err)
	}
	if acceptSession.Accept != common.AcceptOK {
		return 0, c.fail(common.NewTWAMPError(acceptSession.Accept,
			"responder rejected session request"))
	}

	c.transition(StateSendStart)
	if err := c.sendStartSessions(); err != nil {
		return 0, c.fail(err)
	}

	c.transition(StateReadStartAck)
	startAck, err := c.readStartAck()
	if err != nil {
		return 0, c.fail(err)
	}
	if startAck.Accept != common.AcceptOK {
		return 0, c.fail(common.NewTWAMPError(startAck.Accept,
			"responder rejected Start-Sessions"))
	}

	return acceptSession.Port, nil
}

// readServerGreeting reads and parses the ServerGreeting message.
func (c *Client) readServerGreeting() (*messages.ServerGreeting, error) {
	buf, err := c.readFrame(messages.ServerGreetingSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read ServerGreeting: %w", err)
	}

	var greeting messages.ServerGreeting
	if err := greeting.Unmarshal(buf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ServerGreeting: %w", err)
	}

	log.WithField("modes", greeting.Modes).Info("received ServerGreeting")
	return &greeting, nil
}

// sendSetUpResponse selects unauthenticated mode.
func (c *Client) sendSetUpResponse() error {
	setUp := &messages.SetUpResponse{Mode: common.ModeUnauthenticated}
	data, err := setUp.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal Set-Up-Response: %w", err)
	}
	if err := c.writeFull(data); err != nil {
		return fmt.Errorf("failed to send Set-Up-Response: %w", err)
	}
	log.WithField("mode", common.ModeToString(common.ModeUnauthenticated)).
		Info("sent Set-Up-Response")
	return nil
}

// readServerStart reads and parses the Server-Start message.
func (c *Client) readServerStart() (*messages.ServerStart, error) {
	buf, err := c.readFrame(messages.ServerStartSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read Server-Start: %w", err)
	}

	var serverStart messages.ServerStart
	if err := serverStart.Unmarshal(buf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal Server-Start: %w", err)
	}

	log.WithFields(log.Fields{
		"accept":     serverStart.Accept,
		"start_time": serverStart.StartTime,
	}).Info("received Server-Start")
	return &serverStart, nil
}

// sendRequestTWSession requests a single session reflecting to senderPort.
func (c *Client) sendRequestTWSession(senderPort uint16) error {
	// An unspecified ControllerAddr falls back to the control connection's
	// local address.
	localIP := net.ParseIP(c.config.ControllerAddr)
	if localIP == nil || localIP.IsUnspecified() {
		localIP = c.conn.LocalAddr().(*net.TCPAddr).IP
	}
	remoteIP := c.conn.RemoteAddr().(*net.TCPAddr).IP

	senderAddr, err := messages.PackIPv4(localIP)
	if err != nil {
		return fmt.Errorf("sender address: %w", err)
	}
	receiverAddr, err := messages.PackIPv4(remoteIP)
	if err != nil {
		return fmt.Errorf("receiver address: %w", err)
	}

	request := &messages.RequestTWSession{
		Command:       common.CmdRequestTWSession,
		IPVN:          4,
		SenderPort:    senderPort,
		ReceiverPort:  c.config.ReceiverPort,
		SenderAddr:    senderAddr,
		ReceiverAddr:  receiverAddr,
		PaddingLength: c.config.PaddingLength,
		Timeout: common.TWAMPTimestamp{
			Seconds: uint32(c.config.Timeout / time.Second),
		},
	}

	data, err := request.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal Request-TW-Session: %w", err)
	}
	if err := c.writeFull(data); err != nil {
		return fmt.Errorf("failed to send Request-TW-Session: %w", err)
	}
	log.WithFields(log.Fields{
		"sender_port":   senderPort,
		"receiver_port": c.config.ReceiverPort,
		"padding":       c.config.PaddingLength,
	}).Info("sent Request-TW-Session")
	return nil
}

// readAcceptSession reads and parses the Accept-Session message.
func (c *Client) readAcceptSession() (*messages.AcceptSession, error) {
	buf, err := c.readFrame(messages.AcceptSessionSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read Accept-Session: %w", err)
	}

	var acceptSession messages.AcceptSession
	if err := acceptSession.Unmarshal(buf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal Accept-Session: %w", err)
	}

	log.WithFields(log.Fields{
		"accept": acceptSession.Accept,
		"port":   acceptSession.Port,
	}).Info("received Accept-Session")
	return &acceptSession, nil
}

// sendStartSessions issues the Start-Sessions command.
func (c *Client) sendStartSessions() error {
	startCmd := &messages.StartSessions{Command: common.CmdStartSessions}
	data, err := startCmd.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal Start-Sessions: %w", err)
	}
	if err := c.writeFull(data); err != nil {
		return fmt.Errorf("failed to send Start-Sessions: %w", err)
	}
	log.Info("sent Start-Sessions")
	return nil
}

// readStartAck reads and parses the Start-Ack message.
func (c *Client) readStartAck() (*messages.StartAck, error) {
	buf, err := c.readFrame(messages.StartAckSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read Start-Ack: %w", err)
	}

	var startAck messages.StartAck
	if err := startAck.Unmarshal(buf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal Start-Ack: %w", err)
	}

	log.WithField("accept", startAck.Accept).Info("received Start-Ack")
	return &startAck, nil
}

// sendStopSessions ends the single test session.
func (c *Client) sendStopSessions() error {
	stopCmd := &messages.StopSessions{
		Command:     common.CmdStopSessions,
		Accept:      common.AcceptOK,
		NumSessions: 1,
	}
	data, err := stopCmd.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal Stop-Sessions: %w", err)
	}
	if err := c.writeFull(data); err != nil {
		return fmt.Errorf("failed to send Stop-Sessions: %w", err)
	}
	log.Info("sent Stop-Sessions")
	return nil
}
