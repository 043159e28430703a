package network

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanshare/models"
)

func TestPeerManagerConnectDisconnectLifecycle(t *testing.T) {
	owner := newTestNode(t, "peer-b", func(opts *ServerOptions) {
		opts.ListFiles = sharedListing
	})
	requester := newTestNode(t, "peer-a", nil)

	var mu sync.Mutex
	var states []models.ConnectionState
	manager, err := NewPeerManager(PeerManagerOptions{
		Client: requester.client,
		OnStateChange: func(peer models.PeerIdentity) {
			mu.Lock()
			states = append(states, peer.State)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	manager.Upsert(owner.peer())
	ctx := context.Background()

	accepted, err := manager.Connect(ctx, "peer-b")
	require.NoError(t, err)
	require.True(t, accepted)
	require.Len(t, manager.Connected(), 1)

	files, err := manager.ListRemoteFiles(ctx, "peer-b")
	require.NoError(t, err)
	assert.Len(t, files, 2)

	confirmed, err := manager.Disconnect(ctx, "peer-b")
	require.NoError(t, err)
	assert.True(t, confirmed)
	assert.Empty(t, manager.Connected())

	mu.Lock()
	assert.Equal(t, []models.ConnectionState{models.StatePending, models.StateConnected, models.StateNotConnected}, states)
	mu.Unlock()

	files, err = manager.ListRemoteFiles(ctx, "peer-b")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestPeerManagerConnectUnreachablePeer(t *testing.T) {
	requester := newTestNode(t, "peer-a", nil)
	gone := newTestNode(t, "peer-b", nil)
	target := gone.peer()
	require.NoError(t, gone.server.Close())

	manager, err := NewPeerManager(PeerManagerOptions{Client: requester.client})
	require.NoError(t, err)
	manager.Upsert(target)

	accepted, err := manager.Connect(context.Background(), "peer-b")
	require.Error(t, err)
	assert.False(t, accepted)

	peer, _ := manager.Get("peer-b")
	assert.Equal(t, models.StateNotConnected, peer.State)

	_, err = manager.Connect(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestPeerManagerUpsertKeepsStateAndRemoteDisconnectRejects(t *testing.T) {
	requester := newTestNode(t, "peer-a", nil)
	manager, err := NewPeerManager(PeerManagerOptions{Client: requester.client})
	require.NoError(t, err)

	manager.Upsert(models.PeerIdentity{PeerID: "peer-b", DisplayName: "Bob", Address: "10.0.0.2", ControlPort: 7000, FilePort: 6000})
	manager.SetState("peer-b", models.StateConnected)

	updated := manager.Upsert(models.PeerIdentity{PeerID: "peer-b", DisplayName: "Bobby", Address: "10.0.0.3", ControlPort: 7001, FilePort: 6001})
	assert.Equal(t, models.StateConnected, updated.State)
	assert.Equal(t, "10.0.0.3", updated.Address)
	assert.False(t, manager.Forget("peer-b"))

	renamed, ok := manager.Rename("peer-b", "  Robert ")
	require.True(t, ok)
	assert.Equal(t, "Robert", renamed.DisplayName)
	_, ok = manager.Rename("peer-b", " ")
	assert.False(t, ok)

	assert.True(t, manager.HandleRemoteDisconnect("peer-b"))
	peer, _ := manager.Get("peer-b")
	assert.Equal(t, models.StateRejected, peer.State)
	assert.False(t, manager.HandleRemoteDisconnect("peer-b"))

	assert.True(t, manager.Forget("peer-b"))
	assert.Empty(t, manager.List())
}

func TestPeerManagerBroadcastReachesConnectedPeersOnly(t *testing.T) {
	sender := newTestNode(t, "peer-a", nil)
	connected := newTestNode(t, "peer-b", nil)
	idle := newTestNode(t, "peer-c", nil)

	manager, err := NewPeerManager(PeerManagerOptions{Client: sender.client})
	require.NoError(t, err)
	manager.Upsert(connected.peer())
	manager.Upsert(idle.peer())
	manager.SetState("peer-b", models.StateConnected)

	require.NoError(t, manager.BroadcastName(context.Background(), "Alice"))
	event := waitForControlEvent(t, connected.server.Events(), EventPeerRenamed)
	assert.Equal(t, "Alice", event.DisplayName)

	require.NoError(t, manager.BroadcastSystemCommand(context.Background(), SystemRemoveFile, "a.txt"))
	event = waitForControlEvent(t, connected.server.Events(), EventSystemMessage)
	assert.Equal(t, "a.txt", event.Payload)

	require.NoError(t, manager.BroadcastSearch(context.Background(), "a"))
	waitForControlEvent(t, connected.server.Events(), EventSearchRequest)

	select {
	case event := <-idle.server.Events():
		t.Fatalf("idle peer received %s", event.Type)
	case <-time.After(100 * time.Millisecond):
	}
}
