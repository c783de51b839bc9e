// Command loralink-node is a single bidirectional demo node: it wires a
// loralink.Driver to either a real SX127x-class radio (the hardware
// package) or an in-memory loopback pair (the radiomock package,
// selected with --simulate) and drives the poll loop described in the
// protocol's operating model, logging every transmission, reception,
// and ATPC event through loralink's logger.
//
// The protocol is symmetric, so a single node shape serves both ends:
// it queues outgoing traffic and services incoming frames.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/xid"
	"github.com/spf13/pflag"

	loralink "github.com/fusetim/radio-tipe-poc"
	"github.com/fusetim/radio-tipe-poc/hardware"
	"github.com/fusetim/radio-tipe-poc/radiomock"
)

func main() {
	var (
		simulate     bool
		address      uint16
		peer         uint16
		message      string
		pollInterval time.Duration
		beacon       bool
		spiBus       string
		resetPin     string
		dio0Pin      string
		metricsAddr  string
	)

	pflag.BoolVar(&simulate, "simulate", false, "run two in-memory nodes exchanging traffic instead of opening real hardware")
	pflag.Uint16Var(&address, "address", 0x0001, "this node's 15-bit device address")
	pflag.Uint16Var(&peer, "peer", 0x0002, "the peer address this node periodically sends demo traffic to")
	pflag.StringVar(&message, "message", "hello", "payload to queue on each tick")
	pflag.DurationVar(&pollInterval, "poll-interval", 250*time.Millisecond, "how often to drive check_reception/transmit")
	pflag.BoolVar(&beacon, "beacon", true, "run the periodic ATPC beacon round when due")
	pflag.StringVar(&spiBus, "spi-bus", "/dev/spidev0.0", "SPI bus path (real hardware only)")
	pflag.StringVar(&resetPin, "reset-pin", "GPIO25", "reset GPIO pin name (real hardware only)")
	pflag.StringVar(&dio0Pin, "dio0-pin", "GPIO22", "DIO0 GPIO pin name (real hardware only)")
	pflag.StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9100)")
	pflag.Parse()

	if metricsAddr != "" {
		serveMetrics(metricsAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if simulate {
		runSimulation(ctx, address, peer, message, pollInterval, beacon)
		return
	}
	runHardware(ctx, address, peer, message, pollInterval, beacon, spiBus, resetPin, dio0Pin)
}

func newConfig(addr uint16) loralink.DriverConfig {
	channels := make([]loralink.ChannelConfig, 5)
	for i := range channels {
		channels[i] = loralink.ChannelConfig{
			DutyCycle:    0.01,
			DutyInterval: time.Hour,
			MinDelay:     200 * time.Millisecond,
			PollDelay:    10 * time.Millisecond,
		}
	}
	return loralink.DriverConfig{
		Address:  addr,
		Channels: channels,
		ATPC: loralink.ATPCConfig{
			TransmissionPowers: []int8{2, 6, 10, 14, 17, 20},
			DefaultTP:          2,
			TargetRSSI:         -100,
			BeaconDelay:        10 * time.Minute,
		},
	}
}

// runHardware wires one node to a real SX127x-class transceiver.
func runHardware(ctx context.Context, address, peer uint16, message string, pollInterval time.Duration, beacon bool, spiBus, resetPin, dio0Pin string) {
	radio, err := hardware.New(hardware.HostConfig{
		SpiBusPath: spiBus,
		ResetPin:   resetPin,
		DIO0Pin:    dio0Pin,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "loralink-node: open hardware: %v\n", err)
		os.Exit(1)
	}

	driver, err := loralink.NewDriver(newConfig(address), radio, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loralink-node: build driver: %v\n", err)
		os.Exit(1)
	}
	dev := loralink.NewDevice(driver)
	runNode(ctx, "node", dev, peer, message, pollInterval, beacon)
}

// runSimulation runs two loopback-radio nodes in-process so the full
// protocol (framing, ATPC, ACKs, duty-cycle accounting) can be exercised
// without hardware.
func runSimulation(ctx context.Context, address, peer uint16, message string, pollInterval time.Duration, beacon bool) {
	radioA, radioB := radiomock.NewPair(-70, -72)

	driverA, err := loralink.NewDriver(newConfig(address), radioA, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loralink-node: build driver a: %v\n", err)
		os.Exit(1)
	}
	driverB, err := loralink.NewDriver(newConfig(peer), radioB, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loralink-node: build driver b: %v\n", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		runNode(ctx, "a", loralink.NewDevice(driverA), peer, message, pollInterval, beacon)
	}()
	go func() {
		defer wg.Done()
		runNode(ctx, "b", loralink.NewDevice(driverB), address, "ack from b", pollInterval, beacon)
	}()
	wg.Wait()
}

// demoClient correlates outgoing frames with a short-lived xid so the
// transmission_done/successful/failed callbacks can be logged against
// the payload that triggered them.
type demoClient struct {
	mu   sync.Mutex
	name string
	ids  map[loralink.Nonce]xid.ID
}

func newDemoClient(name string) *demoClient {
	return &demoClient{name: name, ids: make(map[loralink.Nonce]xid.ID)}
}

func (c *demoClient) track(nonce loralink.Nonce) xid.ID {
	id := xid.New()
	c.mu.Lock()
	c.ids[nonce] = id
	c.mu.Unlock()
	return id
}

func (c *demoClient) TransmissionDone(nonce loralink.Nonce) {
	loralink.GetLogger().Info("transmission done", "node", c.name, "nonce", nonce, "correlation", c.track(nonce))
}

func (c *demoClient) TransmissionSuccessful(peer uint16, nonce loralink.Nonce) {
	loralink.GetLogger().Info("transmission acked", "node", c.name, "peer", peer, "nonce", nonce, "correlation", c.idFor(nonce))
}

func (c *demoClient) TransmissionFailed(peer uint16, nonce loralink.Nonce, payload []byte) {
	loralink.GetLogger().Warn("transmission timed out", "node", c.name, "peer", peer, "nonce", nonce, "correlation", c.idFor(nonce), "payload_len", len(payload))
}

func (c *demoClient) Receive(peer uint16, payload []byte, nonce loralink.Nonce) {
	loralink.GetLogger().Info("received payload", "node", c.name, "peer", peer, "nonce", nonce, "payload", string(payload))
}

// idFor looks up the correlation id for nonce without consuming it:
// TransmissionDone fires before TransmissionSuccessful/Failed for the
// same nonce, so the mapping must survive both.
func (c *demoClient) idFor(nonce loralink.Nonce) xid.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.ids[nonce]; ok {
		return id
	}
	return xid.NilID()
}

// runNode drives the queue/transmit/check_reception/beacon loop for one
// device until ctx is cancelled.
func runNode(ctx context.Context, name string, dev *loralink.Device, peer uint16, message string, pollInterval time.Duration, beacon bool) {
	client := newDemoClient(name)
	dev.SetTransmitClient(client)
	dev.SetReceiveClient(client)

	if err := dev.StartReception(ctx); err != nil {
		loralink.GetLogger().Error("start reception failed", "node", name, "error", err.Error())
		return
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	sendTicker := time.NewTicker(3 * pollInterval)
	defer sendTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sendTicker.C:
			if err := dev.Queue(ctx, loralink.Unique(peer), []byte(message), true); err != nil {
				loralink.GetLogger().Warn("queue failed", "node", name, "error", err.Error())
				continue
			}
			if _, err := dev.Transmit(ctx); err != nil {
				loralink.GetLogger().Warn("transmit failed", "node", name, "error", err.Error())
				continue
			}
		case <-ticker.C:
			if err := dev.QueueAcknowledgements(ctx); err != nil {
				loralink.GetLogger().Warn("queue acks failed", "node", name, "error", err.Error())
			}
			if _, err := dev.Transmit(ctx); err != nil {
				loralink.GetLogger().Warn("ack transmit failed", "node", name, "error", err.Error())
			}
			if _, err := dev.CheckReception(ctx); err != nil {
				loralink.GetLogger().Warn("check reception failed", "node", name, "error", err.Error())
			}
			if beacon && dev.IsBeaconNeeded() {
				if err := dev.TransmitBeacon(ctx); err != nil {
					loralink.GetLogger().Warn("beacon failed", "node", name, "error", err.Error())
				}
			}
		}
	}
}
