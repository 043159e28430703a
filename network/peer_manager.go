package network

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"lanshare/models"
)

const defaultBroadcastConcurrency = 8

var (
	// ErrUnknownPeer indicates a peer ID that discovery has not reported.
	ErrUnknownPeer = errors.New("network: unknown peer")
	// ErrConnectInProgress indicates a second connect while one is pending.
	ErrConnectInProgress = errors.New("network: connect already in progress")
)

// PeerManagerOptions configures the local peer view.
type PeerManagerOptions struct {
	Client *Client
	// BroadcastConcurrency caps parallel one-way sends during a broadcast.
	BroadcastConcurrency int
	// OnStateChange is called after a peer's connection state changes.
	OnStateChange func(models.PeerIdentity)
}

// PeerManager is this node's view of remote peers and their connection state
// from the requester side.
type PeerManager struct {
	options PeerManagerOptions
	log     *logrus.Entry

	mu    sync.RWMutex
	peers map[string]models.PeerIdentity
}

// NewPeerManager returns an empty peer view.
func NewPeerManager(options PeerManagerOptions) (*PeerManager, error) {
	if options.Client == nil {
		return nil, errors.New("control client is required")
	}
	if options.BroadcastConcurrency <= 0 {
		options.BroadcastConcurrency = defaultBroadcastConcurrency
	}
	return &PeerManager{
		options: options,
		log:     logrus.WithFields(logrus.Fields{"component": "control", "role": "peers"}),
		peers:   make(map[string]models.PeerIdentity),
	}, nil
}

// Upsert merges a discovered peer. Address, ports and name follow the latest
// advertisement; connection state is kept.
func (m *PeerManager) Upsert(peer models.PeerIdentity) models.PeerIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.peers[peer.PeerID]
	if ok {
		peer.State = existing.State
		if strings.TrimSpace(peer.DisplayName) == "" {
			peer.DisplayName = existing.DisplayName
		}
	} else if peer.State == "" {
		peer.State = models.StateNotConnected
	}
	m.peers[peer.PeerID] = peer
	return peer
}

// Forget drops a peer that discovery no longer sees, unless it is connected.
func (m *PeerManager) Forget(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	peer, ok := m.peers[peerID]
	if !ok || peer.State == models.StateConnected || peer.State == models.StatePending {
		return false
	}
	delete(m.peers, peerID)
	return true
}

// Get returns a known peer.
func (m *PeerManager) Get(peerID string) (models.PeerIdentity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	peer, ok := m.peers[peerID]
	return peer, ok
}

// List returns every known peer ordered by display name.
func (m *PeerManager) List() []models.PeerIdentity {
	return m.filter(func(models.PeerIdentity) bool { return true })
}

// Connected returns peers in the CONNECTED state.
func (m *PeerManager) Connected() []models.PeerIdentity {
	return m.filter(func(peer models.PeerIdentity) bool { return peer.State == models.StateConnected })
}

// SetState moves a known peer to state.
func (m *PeerManager) SetState(peerID string, state models.ConnectionState) (models.PeerIdentity, bool) {
	m.mu.Lock()
	peer, ok := m.peers[peerID]
	changed := ok && peer.State != state
	if changed {
		peer.State = state
		m.peers[peerID] = peer
	}
	m.mu.Unlock()

	if changed {
		m.notify(peer)
	}
	return peer, ok
}

func (m *PeerManager) notify(peer models.PeerIdentity) {
	m.log.WithFields(logrus.Fields{"peer_id": peer.PeerID, "state": peer.State}).Debug("peer state changed")
	if m.options.OnStateChange != nil {
		m.options.OnStateChange(peer)
	}
}

// Connect sends CONNECT_REQUEST. The peer is PENDING while the request is in
// flight and ends CONNECTED on accept, NOT_CONNECTED otherwise.
func (m *PeerManager) Connect(ctx context.Context, peerID string) (bool, error) {
	m.mu.Lock()
	peer, ok := m.peers[peerID]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	if peer.State == models.StatePending {
		m.mu.Unlock()
		return false, ErrConnectInProgress
	}
	peer.State = models.StatePending
	m.peers[peerID] = peer
	m.mu.Unlock()
	m.notify(peer)

	accepted, err := m.options.Client.SendConnectRequest(ctx, peer)
	if err != nil || !accepted {
		m.SetState(peerID, models.StateNotConnected)
		if err != nil {
			return false, fmt.Errorf("connect to %s: %w", peer.Name(), err)
		}
		m.log.WithField("peer_id", peerID).Info("connect request rejected")
		return false, nil
	}

	m.SetState(peerID, models.StateConnected)
	m.log.WithFields(logrus.Fields{"peer_id": peerID, "name": peer.Name()}).Info("connected to peer")
	return true, nil
}

// Disconnect sends DISCONNECT_REQUEST and marks the peer NOT_CONNECTED whatever
// the outcome.
func (m *PeerManager) Disconnect(ctx context.Context, peerID string) (bool, error) {
	peer, ok := m.Get(peerID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}

	confirmed, err := m.options.Client.SendDisconnectRequest(ctx, peer)
	m.SetState(peerID, models.StateNotConnected)
	if err != nil {
		return false, fmt.Errorf("disconnect from %s: %w", peer.Name(), err)
	}
	return confirmed, nil
}

// HandleRemoteDisconnect applies an inbound DISCONNECT_NOTIFY: a connected
// peer that revoked this node's access becomes REJECTED.
func (m *PeerManager) HandleRemoteDisconnect(peerID string) bool {
	peer, ok := m.Get(peerID)
	if !ok || peer.State != models.StateConnected {
		return false
	}
	m.SetState(peerID, models.StateRejected)
	return true
}

// Rename updates the cached display name of a peer.
func (m *PeerManager) Rename(peerID, name string) (models.PeerIdentity, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.PeerIdentity{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	peer, ok := m.peers[peerID]
	if !ok {
		return models.PeerIdentity{}, false
	}
	peer.DisplayName = name
	m.peers[peerID] = peer
	return peer, true
}

// ListRemoteFiles fetches the listing of a known peer.
func (m *PeerManager) ListRemoteFiles(ctx context.Context, peerID string) ([]models.SharedFile, error) {
	peer, ok := m.Get(peerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	return m.options.Client.ListFiles(ctx, peer)
}

// BroadcastName sends UPDATE_NAME to every connected peer.
func (m *PeerManager) BroadcastName(ctx context.Context, name string) error {
	return m.broadcast(func(peer models.PeerIdentity) error {
		return m.options.Client.SendUpdateName(ctx, peer, name)
	})
}

// BroadcastSearch sends SEARCH_REQ to every connected peer.
func (m *PeerManager) BroadcastSearch(ctx context.Context, keyword string) error {
	return m.broadcast(func(peer models.PeerIdentity) error {
		return m.options.Client.SendSearchRequest(ctx, peer, keyword)
	})
}

// BroadcastSystemCommand sends CMD:<TYPE> to every connected peer.
func (m *PeerManager) BroadcastSystemCommand(ctx context.Context, commandType, payload string) error {
	return m.broadcast(func(peer models.PeerIdentity) error {
		return m.options.Client.SendSystemCommand(ctx, peer, commandType, payload)
	})
}

// broadcast runs send against every connected peer. All peers are attempted;
// the first error is returned.
func (m *PeerManager) broadcast(send func(models.PeerIdentity) error) error {
	var group errgroup.Group
	group.SetLimit(m.options.BroadcastConcurrency)

	for _, peer := range m.Connected() {
		group.Go(func() error {
			if err := send(peer); err != nil {
				m.log.WithError(err).WithField("peer_id", peer.PeerID).Warn("broadcast send failed")
				return fmt.Errorf("send to %s: %w", peer.Name(), err)
			}
			return nil
		})
	}
	return group.Wait()
}

func (m *PeerManager) filter(keep func(models.PeerIdentity) bool) []models.PeerIdentity {
	m.mu.RLock()
	out := make([]models.PeerIdentity, 0, len(m.peers))
	for _, peer := range m.peers {
		if keep(peer) {
			out = append(out, peer)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name() == out[j].Name() {
			return out[i].PeerID < out[j].PeerID
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}
