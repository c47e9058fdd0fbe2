// lanstream is a peer-to-peer file transfer daemon for local networks.
// Run without flags it listens for transfers from configured peers; with
// -peer and -send it delivers one file and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"lanstream/config"
	"lanstream/discovery"
	"lanstream/ledger"
	"lanstream/models"
	"lanstream/network"
	"lanstream/storage"
)

func main() {
	var (
		peerName    = flag.String("peer", "", "peer name for one-shot send")
		sendPath    = flag.String("send", "", "file to send to -peer, then exit")
		historyPeer = flag.String("history", "", "print transfer history for a peer and exit")
		showStats   = flag.Bool("stats", false, "print aggregate transfer statistics and exit")
	)
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	settings, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if level, err := logrus.ParseLevel(settings.LogLevel); err == nil {
		log.SetLevel(level)
	}
	log.WithField("config", cfgPath).Debug("configuration loaded")

	dataDir, err := config.ResolveDataDir()
	if err != nil {
		log.WithError(err).Fatal("failed to resolve data directory")
	}

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.WithError(err).Fatal("failed to open history database")
	}
	defer func() {
		_ = store.Close()
	}()
	log.WithField("db", dbPath).Debug("history database open")

	if *historyPeer != "" {
		printHistory(store, *historyPeer)
		return
	}
	if *showStats {
		printStats(store)
		return
	}

	resumeLedger, err := ledger.Open(dataDir)
	if err != nil {
		log.WithError(err).Fatal("failed to open resume ledger")
	}

	resolver := discovery.NewResolver(discovery.Config{})

	engine, err := network.NewEngine(network.EngineOptions{
		Settings: settings,
		Ledger:   resumeLedger,
		Store:    store,
		Resolver: resolver,
		Logger:   log,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to build transfer engine")
	}
	defer engine.Stop()

	if *sendPath != "" {
		if *peerName == "" {
			log.Fatal("-send requires -peer")
		}
		os.Exit(runOneShotSend(log, engine, *peerName, *sendPath))
	}

	runDaemon(log, settings, engine)
}

// runDaemon starts the listener and mDNS broadcast and serves until
// interrupted.
func runDaemon(log *logrus.Logger, settings *config.Settings, engine *network.Engine) {
	if err := engine.Start(); err != nil {
		log.WithError(err).Fatal("failed to start listener")
	}

	broadcaster, err := discovery.StartBroadcaster(discovery.Config{
		DeviceName:    settings.DeviceName,
		ListeningPort: settings.ListeningPort,
	})
	if err != nil {
		log.WithError(err).Warn("mDNS broadcast unavailable, peers must use configured addresses")
	} else {
		defer broadcaster.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{
		"device": settings.DeviceName,
		"port":   settings.ListeningPort,
	}).Info("lanstream running")

	for {
		select {
		case event := <-engine.Events():
			logEvent(log, event)
		case <-ctx.Done():
			log.Info("shutting down")
			return
		}
	}
}

// runOneShotSend queues one file, waits for its terminal event and returns
// a process exit code.
func runOneShotSend(log *logrus.Logger, engine *network.Engine, peerName, path string) int {
	jobID, err := engine.Send(peerName, path)
	if err != nil {
		log.WithError(err).Error("failed to queue transfer")
		return 1
	}
	log.WithFields(logrus.Fields{"job": jobID, "peer": peerName, "file": path}).Info("transfer queued")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		select {
		case event := <-engine.Events():
			logEvent(log, event)
			terminal, ok := event.(models.TransferTerminal)
			if !ok || terminal.JobID != jobID {
				continue
			}
			if terminal.Status == models.JobCompleted {
				return 0
			}
			return 1
		case <-ctx.Done():
			log.Info("interrupted")
			_ = engine.Cancel(jobID)
			return 1
		}
	}
}

func logEvent(log *logrus.Logger, event models.Event) {
	switch ev := event.(type) {
	case models.ConnectionStateChanged:
		entry := log.WithFields(logrus.Fields{"peer": ev.Peer, "state": ev.State})
		if ev.Reason != "" {
			entry = entry.WithField("reason", ev.Reason)
		}
		entry.Info("connection state changed")
	case models.TransferProgress:
		log.WithFields(logrus.Fields{
			"job":   ev.JobID,
			"peer":  ev.Peer,
			"done":  ev.BytesDone,
			"total": ev.Total,
			"rate":  fmt.Sprintf("%.0f B/s", ev.Rate),
		}).Info("transfer progress")
	case models.TransferTerminal:
		entry := log.WithFields(logrus.Fields{"job": ev.JobID, "peer": ev.Peer, "status": ev.Status})
		if ev.Reason != "" {
			entry = entry.WithField("reason", ev.Reason)
		}
		entry.Info("transfer finished")
	}
}

func printHistory(store *storage.Store, peerName string) {
	records, err := store.ListTransfers(peerName, 50)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list history: %v\n", err)
		os.Exit(1)
	}
	for _, r := range records {
		fmt.Printf("%s  %-8s  %-9s  %12d  %s\n", r.JobID, r.Direction, r.Status, r.Size, r.Filename)
	}
}

func printStats(store *storage.Store) {
	stats, err := store.Stats()
	if err != nil {
		fmt.Fprintf(os.Stderr, "read stats: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("completed: %d\nfailed: %d\ncancelled: %d\nbytes sent: %d\nbytes received: %d\n",
		stats.Completed, stats.Failed, stats.Cancelled, stats.BytesSent, stats.BytesReceived)
}
