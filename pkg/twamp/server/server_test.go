package server

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ncode/EchoZero/pkg/twamp/common"
	"github.com/ncode/EchoZero/pkg/twamp/messages"
)

func testServer() *Server {
	return NewServer(ServerConfig{
		SERVWAIT: 2 * time.Second,
		REFWAIT:  2 * time.Second,
	})
}

// runHandshake drives handleConnection on one end of a pipe and returns
// its error channel plus the client end.
func runHandshake(t *testing.T, srv *Server) (net.Conn, chan error) {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.handleConnection(context.Background(), serverConn)
	}()
	return clientConn, errCh
}

func readFrame(t *testing.T, conn net.Conn, size int) []byte {
	t.Helper()
	buf := make([]byte, size)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read frame of %d bytes: %v", size, err)
	}
	return buf
}

func writeFrame(t *testing.T, conn net.Conn, data []byte) {
	t.Helper()
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func localhostRequest(t *testing.T, senderPort uint16) []byte {
	t.Helper()
	addr, err := messages.PackIPv4(net.IPv4(127, 0, 0, 1))
	if err != nil {
		t.Fatalf("pack address: %v", err)
	}
	request := &messages.RequestTWSession{
		Command:      common.CmdRequestTWSession,
		IPVN:         4,
		SenderPort:   senderPort,
		ReceiverPort: 0,
		SenderAddr:   addr,
		ReceiverAddr: addr,
		Timeout:      common.TWAMPTimestamp{Seconds: 1},
	}
	data, err := request.Marshal()
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return data
}

func TestHandshakeGreetingOffersUnauthenticated(t *testing.T) {
	srv := testServer()
	defer srv.Stop()
	clientConn, _ := runHandshake(t, srv)

	var greeting messages.ServerGreeting
	if err := greeting.Unmarshal(readFrame(t, clientConn, messages.ServerGreetingSize)); err != nil {
		t.Fatalf("greeting unmarshal: %v", err)
	}
	if greeting.Modes&common.ModeUnauthenticated == 0 {
		t.Errorf("greeting must offer unauthenticated mode, got %d", greeting.Modes)
	}
	if greeting.Count == 0 {
		t.Errorf("greeting count must not be zero")
	}
}

func TestHandshakeUnsupportedModeRejected(t *testing.T) {
	srv := testServer()
	defer srv.Stop()
	clientConn, errCh := runHandshake(t, srv)

	readFrame(t, clientConn, messages.ServerGreetingSize)

	setUp := &messages.SetUpResponse{Mode: common.ModeEncrypted}
	data, _ := setUp.Marshal()
	writeFrame(t, clientConn, data)

	var serverStart messages.ServerStart
	if err := serverStart.Unmarshal(readFrame(t, clientConn, messages.ServerStartSize)); err != nil {
		t.Fatalf("Server-Start unmarshal: %v", err)
	}
	if serverStart.Accept != common.AcceptNotSupported {
		t.Errorf("expected Accept=NotSupported, got %d", serverStart.Accept)
	}

	err := <-errCh
	var twampErr *common.TWAMPError
	if !errors.As(err, &twampErr) {
		t.Fatalf("expected TWAMP error, got %v", err)
	}
}

func TestHandshakeRequestMBZViolationFatal(t *testing.T) {
	srv := testServer()
	defer srv.Stop()
	clientConn, errCh := runHandshake(t, srv)

	readFrame(t, clientConn, messages.ServerGreetingSize)

	setUp := &messages.SetUpResponse{Mode: common.ModeUnauthenticated}
	data, _ := setUp.Marshal()
	writeFrame(t, clientConn, data)
	readFrame(t, clientConn, messages.ServerStartSize)

	request := localhostRequest(t, 4001)
	request[90] = 0xFF // inside the trailing MBZ range
	writeFrame(t, clientConn, request)

	err := <-errCh
	var mbzErr *common.MBZViolationError
	if !errors.As(err, &mbzErr) {
		t.Fatalf("expected MBZ violation, got %v", err)
	}
	if mbzErr.Offset != 90 {
		t.Errorf("offset mismatch: got %d, want 90", mbzErr.Offset)
	}
}

func TestFullControlExchangeAndReflection(t *testing.T) {
	srv := testServer()
	defer srv.Stop()
	clientConn, errCh := runHandshake(t, srv)

	// Greeting / Set-Up-Response / Server-Start
	readFrame(t, clientConn, messages.ServerGreetingSize)
	setUp := &messages.SetUpResponse{Mode: common.ModeUnauthenticated}
	data, _ := setUp.Marshal()
	writeFrame(t, clientConn, data)

	var serverStart messages.ServerStart
	if err := serverStart.Unmarshal(readFrame(t, clientConn, messages.ServerStartSize)); err != nil {
		t.Fatalf("Server-Start unmarshal: %v", err)
	}
	if serverStart.Accept != common.AcceptOK {
		t.Fatalf("expected AcceptOK, got %d", serverStart.Accept)
	}
	if serverStart.StartTime.IsZero() {
		t.Error("Server-Start time should be set")
	}

	// Request / Accept
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("bind test sender socket: %v", err)
	}
	defer udpConn.Close()
	senderPort := uint16(udpConn.LocalAddr().(*net.UDPAddr).Port)

	writeFrame(t, clientConn, localhostRequest(t, senderPort))

	var accept messages.AcceptSession
	if err := accept.Unmarshal(readFrame(t, clientConn, messages.AcceptSessionSize)); err != nil {
		t.Fatalf("Accept-Session unmarshal: %v", err)
	}
	if accept.Accept != common.AcceptOK {
		t.Fatalf("expected AcceptOK, got %d", accept.Accept)
	}
	if accept.Port == 0 {
		t.Fatal("Accept-Session must announce the reflector port")
	}
	if accept.SID == (common.SessionID{}) {
		t.Error("Accept-Session must carry a generated SID")
	}

	// Start-Sessions / Start-Ack
	start := &messages.StartSessions{Command: common.CmdStartSessions}
	data, _ = start.Marshal()
	writeFrame(t, clientConn, data)

	var ack messages.StartAck
	if err := ack.Unmarshal(readFrame(t, clientConn, messages.StartAckSize)); err != nil {
		t.Fatalf("Start-Ack unmarshal: %v", err)
	}
	if ack.Accept != common.AcceptOK {
		t.Fatalf("expected AcceptOK, got %d", ack.Accept)
	}

	// One test packet through the live reflector.
	sent := &messages.SenderTestPacket{
		SeqNumber:     0,
		Timestamp:     common.Now(),
		ErrorEstimate: common.DefaultErrorEstimate(false),
	}
	raw, _ := sent.Marshal()
	dest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(accept.Port)}
	if _, err := udpConn.WriteToUDP(raw, dest); err != nil {
		t.Fatalf("send test packet: %v", err)
	}

	udpConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := udpConn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("no reflected packet: %v", err)
	}
	var reflected messages.ReflectorTestPacket
	if err := reflected.Unmarshal(buf[:n]); err != nil {
		t.Fatalf("reflected packet unmarshal: %v", err)
	}
	if reflected.SenderSeqNumber != sent.SeqNumber {
		t.Errorf("sender seq mismatch: got %d", reflected.SenderSeqNumber)
	}
	if reflected.SenderTimestamp != sent.Timestamp {
		t.Errorf("sender timestamp not copied verbatim")
	}
	if reflected.ReceiveTimestamp.IsZero() || reflected.Timestamp.IsZero() {
		t.Error("reflector timestamps must be set")
	}

	// Stop-Sessions ends the exchange cleanly.
	stop := &messages.StopSessions{
		Command:     common.CmdStopSessions,
		Accept:      common.AcceptOK,
		NumSessions: 1,
	}
	data, _ = stop.Marshal()
	writeFrame(t, clientConn, data)

	if err := <-errCh; err != nil {
		t.Fatalf("control exchange failed: %v", err)
	}
}

func TestServerStartStop(t *testing.T) {
	srv := NewServer(ServerConfig{ListenAddress: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if srv.Addr() == nil {
		t.Fatal("listener address should be available after Start")
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestServerBindFailureSurfaced(t *testing.T) {
	occupied, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer occupied.Close()

	srv := NewServer(ServerConfig{ListenAddress: occupied.Addr().String()})
	if err := srv.Start(context.Background()); err == nil {
		srv.Stop()
		t.Fatal("expected bind failure")
	}
}
