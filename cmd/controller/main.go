// Command controller runs the TWAMP Controller: the Control-Client plus a
// Session-Sender, printing the computed metrics when the session ends.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ncode/EchoZero/pkg/twamp/client"
	"github.com/ncode/EchoZero/pkg/twamp/clock"
	"github.com/ncode/EchoZero/pkg/twamp/common"
)

func main() {
	responderAddr := flag.String("responder-addr", "", "IPv4 address of the Responder (required)")
	responderPort := flag.Uint("responder-port", common.TWAMPControlPort, "TWAMP-Control TCP port on the Responder")
	controllerAddr := flag.String("controller-addr", "0.0.0.0", "local address the Session-Sender binds to")
	reflectPort := flag.Uint("responder-reflect-port", 0, "Session-Sender's local UDP port; 0 delegates to the OS")
	receiverPort := flag.Uint("receiver-port", common.TWAMPControlPort, "UDP port to request for the Session-Reflector; the Responder may override it")
	numPackets := flag.Uint("number-of-test-packets", 10, "number of TWAMP-Test packets to send")
	timeout := flag.Uint("timeout", 900, "Request-TW-Session timeout in seconds; also bounds the wait for replies")
	paddingLength := flag.Uint("padding-length", 0, "zero bytes appended to each test packet")
	gap := flag.Uint("inter-packet-gap", 3, "milliseconds between consecutive test packets")
	ntpServer := flag.String("ntp-server", "", "NTP server to probe for clock synchronization (optional)")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	if *responderAddr == "" {
		log.Error("--responder-addr is required")
		os.Exit(1)
	}
	if *responderPort > 65535 || *reflectPort > 65535 || *receiverPort > 65535 {
		log.Error("ports must be in 0..65535")
		os.Exit(1)
	}
	if *numPackets == 0 {
		log.Error("--number-of-test-packets must be at least 1")
		os.Exit(1)
	}

	synced := clock.Synchronized()
	if *ntpServer != "" {
		synced = clock.SyncedAgainst(*ntpServer)
	}

	c := client.NewClient(client.ClientConfig{
		ResponderAddr:  *responderAddr,
		ResponderPort:  uint16(*responderPort),
		ControllerAddr: *controllerAddr,
		SenderPort:     uint16(*reflectPort),
		ReceiverPort:   uint16(*receiverPort),
		NumPackets:     uint32(*numPackets),
		Timeout:        time.Duration(*timeout) * time.Second,
		PaddingLength:  uint32(*paddingLength),
		InterPacketGap: time.Duration(*gap) * time.Millisecond,
		ClockSynced:    synced,
	})

	metrics, _, err := c.Run(context.Background())
	if err != nil {
		log.WithError(err).Error("TWAMP session failed")
		os.Exit(1)
	}

	log.WithFields(log.Fields{
		"sent":     metrics.PacketsSent,
		"received": metrics.PacketsReceived,
		"loss_pct": metrics.LossPercent,
	}).Info("packet loss")
	log.WithFields(log.Fields{
		"min_ms": metrics.RTTMin,
		"max_ms": metrics.RTTMax,
		"avg_ms": metrics.RTTAvg,
	}).Info("round-trip time")
	log.WithFields(log.Fields{
		"forward_ms":  metrics.OWDForwardAvg,
		"backward_ms": metrics.OWDBackwardAvg,
	}).Info("one-way delay (requires synchronized clocks)")
	log.WithField("jitter_ms", metrics.Jitter).Info("jitter")
	if metrics.InsufficientData {
		log.Warn("insufficient data for some metrics")
	}
}
