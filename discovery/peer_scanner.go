package discovery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"lanshare/models"
)

const (
	// EventPeerUpserted is emitted when a peer appears or its advertised data changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a previously seen peer stops answering.
	EventPeerRemoved EventType = "peer_removed"

	// DefaultRefreshInterval is the background scan interval.
	DefaultRefreshInterval = 10 * time.Second
)

// ErrScannerStopped is returned by Refresh when the scanner is not running.
var ErrScannerStopped = errors.New("discovery: peer scanner is not running")

// EventType identifies peer discovery updates.
type EventType string

// Event is one change to the scanner's snapshot.
type Event struct {
	Type EventType
	Peer models.PeerIdentity
}

// ScanFunc runs one discovery window and returns the peers it saw.
type ScanFunc func(ctx context.Context) []models.PeerIdentity

// MulticastSource adapts DiscoverPeers to a ScanFunc.
func MulticastSource(cfg ProbeConfig) ScanFunc {
	return func(ctx context.Context) []models.PeerIdentity {
		return DiscoverPeers(ctx, cfg)
	}
}

// MDNSSource adapts BrowseMDNS to a ScanFunc. Browse errors yield no peers.
func MDNSSource(cfg MDNSConfig) ScanFunc {
	return func(ctx context.Context) []models.PeerIdentity {
		peers, err := BrowseMDNS(ctx, cfg)
		if err != nil {
			logrus.WithFields(logrus.Fields{"component": "discovery", "role": "mdns"}).WithError(err).Warn("mDNS browse failed")
			return nil
		}
		return peers
	}
}

// ScannerConfig controls the background scanner.
type ScannerConfig struct {
	RefreshInterval time.Duration
	// Sources run concurrently each scan. For a peer reported by several
	// sources, the earliest source in the slice wins.
	Sources []ScanFunc
	// MissLimit is how many consecutive scans may miss a peer before it is
	// removed. Datagram discovery loses replies, so values above 1 smooth
	// flapping. Zero means 1.
	MissLimit int
}

type tracked struct {
	peer   models.PeerIdentity
	misses int
}

// PeerScanner keeps a snapshot of reachable peers by scanning periodically and on demand.
type PeerScanner struct {
	cfg ScannerConfig
	log *logrus.Entry

	mu    sync.RWMutex
	peers map[string]*tracked

	events  chan Event
	refresh chan chan error

	running   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	loopDone  chan struct{}
}

// NewPeerScanner creates a scanner over the given sources.
func NewPeerScanner(config ScannerConfig) (*PeerScanner, error) {
	if len(config.Sources) == 0 {
		return nil, errors.New("at least one discovery source is required")
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = DefaultRefreshInterval
	}
	if config.MissLimit <= 0 {
		config.MissLimit = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &PeerScanner{
		cfg:      config,
		log:      logrus.WithFields(logrus.Fields{"component": "discovery", "role": "scanner"}),
		peers:    make(map[string]*tracked),
		events:   make(chan Event, 128),
		refresh:  make(chan chan error),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
	}, nil
}

// Start runs an immediate scan and then one every RefreshInterval.
func (s *PeerScanner) Start() {
	s.startOnce.Do(func() {
		s.running.Store(true)
		go s.loop()
	})
}

// Stop ends scanning and closes Events.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		started := true
		s.startOnce.Do(func() { started = false })
		if started {
			<-s.loopDone
		}
		close(s.events)
	})
}

// Events delivers snapshot changes. Events are dropped when nobody reads.
func (s *PeerScanner) Events() <-chan Event {
	return s.events
}

// Refresh runs a scan now and waits for the snapshot to be updated.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if !s.running.Load() {
		return ErrScannerStopped
	}
	done := make(chan error, 1)
	select {
	case s.refresh <- done:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListPeers returns the current snapshot ordered by name.
func (s *PeerScanner) ListPeers() []models.PeerIdentity {
	s.mu.RLock()
	out := make([]models.PeerIdentity, 0, len(s.peers))
	for _, entry := range s.peers {
		out = append(out, entry.peer)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name() == out[j].Name() {
			return out[i].PeerID < out[j].PeerID
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

func (s *PeerScanner) loop() {
	defer close(s.loopDone)

	_ = s.scan(s.ctx)

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			_ = s.scan(s.ctx)
		case done := <-s.refresh:
			done <- s.scan(s.ctx)
		}
	}
}

// scan queries every source and folds the merged result into the snapshot.
// A scan cut short by Stop leaves the snapshot untouched.
func (s *PeerScanner) scan(ctx context.Context) error {
	results := make([][]models.PeerIdentity, len(s.cfg.Sources))
	var group errgroup.Group
	for i, source := range s.cfg.Sources {
		group.Go(func() error {
			results[i] = source(ctx)
			return nil
		})
	}
	_ = group.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	seen := make(map[string]models.PeerIdentity)
	for _, peers := range results {
		for _, peer := range peers {
			if _, dup := seen[peer.PeerID]; !dup && peer.PeerID != "" {
				seen[peer.PeerID] = peer
			}
		}
	}
	s.apply(seen)
	return nil
}

func (s *PeerScanner) apply(seen map[string]models.PeerIdentity) {
	var changes []Event

	s.mu.Lock()
	for id, peer := range seen {
		entry, known := s.peers[id]
		if !known {
			s.peers[id] = &tracked{peer: peer}
			changes = append(changes, Event{Type: EventPeerUpserted, Peer: peer})
			continue
		}
		entry.misses = 0
		if entry.peer != peer {
			entry.peer = peer
			changes = append(changes, Event{Type: EventPeerUpserted, Peer: peer})
		}
	}
	for id, entry := range s.peers {
		if _, ok := seen[id]; ok {
			continue
		}
		entry.misses++
		if entry.misses >= s.cfg.MissLimit {
			delete(s.peers, id)
			changes = append(changes, Event{Type: EventPeerRemoved, Peer: entry.peer})
		}
	}
	s.mu.Unlock()

	for _, event := range changes {
		select {
		case s.events <- event:
		default:
			s.log.WithField("peer_id", event.Peer.PeerID).Debug("discovery event dropped, queue full")
		}
	}
}
