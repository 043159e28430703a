package discovery

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lanshare/models"
)

func TestPeerScannerManualRefreshMergesSources(t *testing.T) {
	var calls int32
	multicast := func(ctx context.Context) []models.PeerIdentity {
		call := atomic.AddInt32(&calls, 1)
		peers := []models.PeerIdentity{{PeerID: "peer-1", DisplayName: "Bob", Address: "10.0.0.2", FilePort: 6001, ControlPort: 7001}}
		if call >= 2 {
			peers = append(peers, models.PeerIdentity{PeerID: "peer-2", DisplayName: "Carol", Address: "10.0.0.3", FilePort: 6002, ControlPort: 7002})
		}
		return peers
	}
	mdns := func(ctx context.Context) []models.PeerIdentity {
		return []models.PeerIdentity{{PeerID: "peer-1", DisplayName: "Bob via mDNS", Address: "10.0.0.9", FilePort: 1, ControlPort: 1}}
	}

	scanner, err := NewPeerScanner(ScannerConfig{
		RefreshInterval: time.Hour,
		Sources:         []ScanFunc{multicast, mdns},
	})
	require.NoError(t, err)
	scanner.Start()
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		peers := scanner.ListPeers()
		return len(peers) == 1 && peers[0].DisplayName == "Bob"
	})

	require.NoError(t, scanner.Refresh(context.Background()))

	waitForCondition(t, time.Second, func() bool {
		return len(scanner.ListPeers()) == 2
	})
}

func TestPeerScannerBackgroundPollingEmitsRemoval(t *testing.T) {
	var calls int32
	source := func(ctx context.Context) []models.PeerIdentity {
		call := atomic.AddInt32(&calls, 1)
		peers := []models.PeerIdentity{{PeerID: "peer-2", DisplayName: "Carol"}}
		if call == 1 {
			peers = append(peers, models.PeerIdentity{PeerID: "peer-1", DisplayName: "Bob"})
		}
		return peers
	}

	scanner, err := NewPeerScanner(ScannerConfig{
		RefreshInterval: 30 * time.Millisecond,
		Sources:         []ScanFunc{source},
	})
	require.NoError(t, err)
	scanner.Start()
	defer scanner.Stop()

	require.True(t, waitForEvent(scanner.Events(), EventPeerRemoved, "peer-1", 2*time.Second), "expected removal event for peer-1")

	waitForCondition(t, time.Second, func() bool {
		peers := scanner.ListPeers()
		return len(peers) == 1 && peers[0].PeerID == "peer-2"
	})
}

func TestPeerScannerMissLimitToleratesLostReplies(t *testing.T) {
	var calls int32
	source := func(ctx context.Context) []models.PeerIdentity {
		// The peer answers scans 1 and 3 and misses scan 2.
		if atomic.AddInt32(&calls, 1) == 2 {
			return nil
		}
		return []models.PeerIdentity{{PeerID: "peer-1", DisplayName: "Bob"}}
	}

	scanner, err := NewPeerScanner(ScannerConfig{
		RefreshInterval: time.Hour,
		Sources:         []ScanFunc{source},
		MissLimit:       2,
	})
	require.NoError(t, err)
	scanner.Start()
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		return len(scanner.ListPeers()) == 1
	})
	require.NoError(t, scanner.Refresh(context.Background()))
	require.Len(t, scanner.ListPeers(), 1, "one missed scan keeps the peer")
	require.NoError(t, scanner.Refresh(context.Background()))
	require.Len(t, scanner.ListPeers(), 1)
}

func TestPeerScannerRefreshRequiresRunningScanner(t *testing.T) {
	scanner, err := NewPeerScanner(ScannerConfig{Sources: []ScanFunc{func(context.Context) []models.PeerIdentity { return nil }}})
	require.NoError(t, err)
	require.ErrorIs(t, scanner.Refresh(context.Background()), ErrScannerStopped)

	scanner.Stop()
	_, open := <-scanner.Events()
	require.False(t, open)
	require.ErrorIs(t, scanner.Refresh(context.Background()), ErrScannerStopped)
}

func TestNewPeerScannerRequiresSource(t *testing.T) {
	_, err := NewPeerScanner(ScannerConfig{})
	require.Error(t, err)
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, peerID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Peer.PeerID == peerID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

func itoa(v int) string {
	return strconv.Itoa(v)
}
