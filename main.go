package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"lanshare/config"
	"lanshare/discovery"
	"lanshare/download"
	"lanshare/models"
	"lanshare/network"
	"lanshare/node"
	"lanshare/storage"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		logrus.WithError(err).Fatal("startup failed while loading config")
	}
	logrus.SetLevel(cfg.ParsedLogLevel())

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		logrus.WithError(err).Fatal("startup failed while opening database")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logrus.WithError(err).Warn("database close error")
		}
	}()

	n, err := node.New(cfg, node.Options{
		ConfigPath:     cfgPath,
		History:        store,
		OnControlEvent: logControlEvent,
		OnPeerEvent:    logPeerEvent,
		OnPeerState:    logPeerState,
		OnJobState:     logJobState,
	})
	if err != nil {
		logrus.WithError(err).Fatal("startup failed while building node")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		logrus.WithError(err).Error("startup failed while binding listeners")
		stop()
		os.Exit(1)
	}
	defer n.Stop()

	self := n.Self()
	fmt.Printf("Peer ID:         %s\n", self.PeerID)
	fmt.Printf("Display Name:    %s\n", self.DisplayName)
	fmt.Printf("Control Port:    %d\n", self.ControlPort)
	fmt.Printf("File Port:       %d\n", self.FilePort)
	fmt.Printf("Share Folder:    %s\n", n.ShareFolder())
	fmt.Printf("Download Folder: %s\n", cfg.DownloadDir)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Database File:   %s\n", dbPath)

	if !cfg.AutoAcceptPeers {
		go rejectUnattended(ctx, n)
	}

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

// rejectUnattended answers queued connect requests when no interactive
// approver is attached.
func rejectUnattended(ctx context.Context, n *node.Node) {
	approvals := n.PendingApprovals()
	for {
		select {
		case <-ctx.Done():
			return
		case request, ok := <-approvals:
			if !ok {
				return
			}
			logrus.WithFields(logrus.Fields{
				"peer_id": request.PeerID,
				"name":    request.DisplayName,
				"remote":  request.RemoteIP,
			}).Warn("rejecting connect request, auto_accept_peers is off")
			if err := n.Decide(request.ID, false); err != nil {
				logrus.WithError(err).Debug("decide connect request")
			}
		}
	}
}

func logControlEvent(event network.Event) {
	entry := logrus.WithFields(logrus.Fields{"component": "control", "event": event.Type, "peer_id": event.PeerID})
	switch event.Type {
	case network.EventSearchResult:
		entry.WithField("files", len(event.Files)).Info("search results received")
	case network.EventSystemMessage:
		entry.WithFields(logrus.Fields{"command": event.Command, "payload": event.Payload}).Info("system message received")
	default:
		entry.WithFields(logrus.Fields{"name": event.DisplayName, "note": event.Note}).Info("control event")
	}
}

func logPeerEvent(event discovery.Event) {
	entry := logrus.WithFields(logrus.Fields{"component": "discovery", "peer_id": event.Peer.PeerID})
	switch event.Type {
	case discovery.EventPeerUpserted:
		entry.WithFields(logrus.Fields{
			"name":         event.Peer.DisplayName,
			"addr":         event.Peer.Address,
			"file_port":    event.Peer.FilePort,
			"control_port": event.Peer.ControlPort,
		}).Info("peer available")
	case discovery.EventPeerRemoved:
		entry.Info("peer removed")
	}
}

func logPeerState(peer models.PeerIdentity) {
	logrus.WithFields(logrus.Fields{"component": "peers", "peer_id": peer.PeerID, "state": peer.State}).Info("peer state changed")
}

func logJobState(job *download.Job, state download.State) {
	logrus.WithFields(logrus.Fields{"component": "download", "job": job.ID(), "file": job.RemotePath(), "state": state}).Info("download state changed")
}
