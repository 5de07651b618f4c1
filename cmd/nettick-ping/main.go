// SPDX-License-Identifier: AGPL-3.0-only

// nettick-ping dials a nettick server, completes the handshake and the
// clock synchronization exchange, and reports RTT, jitter and the tick
// offset estimate.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nettick/nettick/config"
	"github.com/nettick/nettick/connection"
	"github.com/nettick/nettick/transport/udp"
)

func main() {
	server := flag.String("server", "", "server address host:port")
	cfgPath := flag.String("config", "", "optional TOML configuration file")
	count := flag.Int("count", 10, "sync exchanges to run")
	secret := flag.String("secret", "", "shared secret for session key derivation")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	if *server == "" {
		fmt.Fprintln(os.Stderr, "usage: nettick-ping -server host:port [-count n]")
		os.Exit(1)
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: "nettick-ping"})
	if !*verbose {
		logger.SetLevel(log.ErrorLevel)
	}

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		cfg, err = config.Load(*cfgPath)
		if err != nil {
			logger.Fatal("config load failed", "err", err)
		}
	}

	addr, err := net.ResolveUDPAddr("udp", *server)
	if err != nil {
		logger.Fatal("bad server address", "err", err)
	}
	t, err := udp.Dial()
	if err != nil {
		logger.Fatal("socket failed", "err", err)
	}

	sessionKey := []byte("nettick-ping")
	if *secret != "" {
		sessionKey = connection.SealSessionKey([]byte(*secret), connection.NewSessionToken())
	}

	conn, err := connection.NewClientConn(cfg, t, addr, sessionKey, nil, logger)
	if err != nil {
		logger.Fatal("connection setup failed", "err", err)
	}
	defer conn.Close()

	conn.Connect(time.Now())
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) && conn.State() != connection.StateConnected {
		now := time.Now()
		conn.Pump(now)
		if err := conn.Tick(now); err != nil {
			logger.Fatal("connect failed", "err", err)
		}
		conn.Flush(now)
		time.Sleep(5 * time.Millisecond)
	}
	if conn.State() != connection.StateConnected {
		fmt.Println("timed out waiting for the server")
		os.Exit(1)
	}

	fmt.Printf("connected to %s as client %d\n", *server, conn.ClientID())

	// The handshake already ran a few exchanges; keep refining.
	est := conn.Estimator()
	samples := 0
	start := time.Now()
	for samples < *count {
		now := time.Now()
		before := est.RTT()
		conn.Pump(now)
		conn.Tick(now)
		conn.Flush(now)
		if est.RTT() != before {
			samples++
			fmt.Printf("sync %2d: rtt=%v jitter=%v lead=%d ticks\n",
				samples, est.RTT(), est.Jitter(), est.InputLead())
		}
		if time.Since(start) > time.Duration(*count+10)*2*time.Second {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	now := time.Now()
	fmt.Printf("\nserver tick at now: %d\n", est.ServerTickAt(now))
	fmt.Printf("target client tick: %d\n", est.TargetTick(now))
	fmt.Printf("rtt=%v jitter=%v input lead=%d ticks\n", est.RTT(), est.Jitter(), est.InputLead())
}
