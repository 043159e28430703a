package network

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanshare/models"
)

type testNode struct {
	id     string
	server *Server
	client *Client
}

func (n testNode) peer() models.PeerIdentity {
	_, portText, _ := net.SplitHostPort(n.server.Addr().String())
	port, _ := strconv.Atoi(portText)
	return models.PeerIdentity{
		PeerID:      n.id,
		DisplayName: "Node " + n.id,
		Address:     "127.0.0.1",
		ControlPort: port,
		FilePort:    1,
		State:       models.StateNotConnected,
	}
}

func newTestNode(t *testing.T, id string, configure func(*ServerOptions)) testNode {
	t.Helper()

	opts := ServerOptions{
		SelfPeerID:    id,
		NameFn:        func() string { return "Node " + id },
		ListenAddress: "127.0.0.1:0",
		Timeout:       2 * time.Second,
		Approve:       func(ApprovalRequest) bool { return true },
	}
	if configure != nil {
		configure(&opts)
	}

	server, err := Listen(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = server.Close()
	})

	client, err := NewClient(ClientOptions{
		SelfPeerID:   id,
		NameFn:       func() string { return "Node " + id },
		Timeout:      2 * time.Second,
		ApprovalWait: 3 * time.Second,
	})
	require.NoError(t, err)

	return testNode{id: id, server: server, client: client}
}

func waitForControlEvent(t *testing.T, events <-chan Event, want EventType) Event {
	t.Helper()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case event, ok := <-events:
			require.True(t, ok, "event channel closed")
			if event.Type == want {
				return event
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func sharedListing() ([]models.SharedFile, error) {
	return []models.SharedFile{
		{Name: "a.txt", RelativePath: "a.txt", Size: 3},
		{Name: "b.bin", RelativePath: "b.bin", Size: 2500000},
	}, nil
}

func TestConnectRejectedLeavesBothSidesDisconnected(t *testing.T) {
	seen := make(chan string, 1)
	approver := newTestNode(t, "peer-b", func(opts *ServerOptions) {
		opts.Approve = func(request ApprovalRequest) bool {
			seen <- request.DisplayName
			return false
		}
	})
	requester := newTestNode(t, "peer-a", nil)

	manager, err := NewPeerManager(PeerManagerOptions{Client: requester.client})
	require.NoError(t, err)
	manager.Upsert(approver.peer())

	accepted, err := manager.Connect(context.Background(), "peer-b")
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, "Node peer-a", <-seen)

	peer, ok := manager.Get("peer-b")
	require.True(t, ok)
	assert.Equal(t, models.StateNotConnected, peer.State)
	assert.Empty(t, approver.server.Accepted().List())
}

func TestListFilesIsGatedByAcceptedSet(t *testing.T) {
	owner := newTestNode(t, "peer-b", func(opts *ServerOptions) {
		opts.ListFiles = sharedListing
	})
	requester := newTestNode(t, "peer-a", nil)
	ctx := context.Background()

	files, err := requester.client.ListFiles(ctx, owner.peer())
	require.NoError(t, err)
	assert.Empty(t, files)

	accepted, err := requester.client.SendConnectRequest(ctx, owner.peer())
	require.NoError(t, err)
	require.True(t, accepted)
	event := waitForControlEvent(t, owner.server.Events(), EventPeerAccepted)
	assert.Equal(t, "peer-a", event.PeerID)
	assert.Equal(t, "Node peer-a", event.DisplayName)

	files, err = requester.client.ListFiles(ctx, owner.peer())
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "b.bin", files[1].RelativePath)
	assert.Equal(t, int64(2500000), files[1].Size)

	confirmed, err := requester.client.SendDisconnectRequest(ctx, owner.peer())
	require.NoError(t, err)
	assert.True(t, confirmed)
	waitForControlEvent(t, owner.server.Events(), EventPeerDisconnected)
	assert.False(t, owner.server.Accepted().Contains("peer-a"))

	files, err = requester.client.ListFiles(ctx, owner.peer())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestQueuedApprovalDecide(t *testing.T) {
	owner := newTestNode(t, "peer-b", func(opts *ServerOptions) {
		opts.Approve = nil
	})
	requester := newTestNode(t, "peer-a", nil)

	go func() {
		request := <-owner.server.PendingApprovals()
		_ = owner.server.Decide(request.ID, request.PeerID == "peer-a")
	}()

	accepted, err := requester.client.SendConnectRequest(context.Background(), owner.peer())
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.True(t, owner.server.Accepted().Contains("peer-a"))

	assert.Error(t, owner.server.Decide("missing", true))
}

func TestQueuedApprovalTimesOutAsReject(t *testing.T) {
	owner := newTestNode(t, "peer-b", func(opts *ServerOptions) {
		opts.Approve = nil
		opts.ApprovalTimeout = 50 * time.Millisecond
	})
	requester := newTestNode(t, "peer-a", nil)

	accepted, err := requester.client.SendConnectRequest(context.Background(), owner.peer())
	require.NoError(t, err)
	assert.False(t, accepted)

	select {
	case request := <-owner.server.PendingApprovals():
		assert.Equal(t, "peer-a", request.PeerID)
		assert.Error(t, owner.server.Decide(request.ID, true))
	default:
		t.Fatal("expected the queued request to remain readable")
	}
	assert.False(t, owner.server.Accepted().Contains("peer-a"))
}

func TestEvictRemovesPeerAndNotifiesIt(t *testing.T) {
	owner := newTestNode(t, "peer-b", func(opts *ServerOptions) {
		opts.ListFiles = sharedListing
	})
	requester := newTestNode(t, "peer-a", nil)
	ctx := context.Background()

	accepted, err := requester.client.SendConnectRequest(ctx, owner.peer())
	require.NoError(t, err)
	require.True(t, accepted)

	require.NoError(t, owner.server.Evict(ctx, requester.peer()))
	assert.False(t, owner.server.Accepted().Contains("peer-a"))

	event := waitForControlEvent(t, requester.server.Events(), EventDisconnectNotified)
	assert.Equal(t, "peer-b", event.PeerID)
	assert.Contains(t, event.Note, "Node peer-b")

	files, err := requester.client.ListFiles(ctx, owner.peer())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestEvictUnreachablePeerStillRemovesIt(t *testing.T) {
	owner := newTestNode(t, "peer-b", nil)
	gone := newTestNode(t, "peer-a", nil)
	ctx := context.Background()

	accepted, err := gone.client.SendConnectRequest(ctx, owner.peer())
	require.NoError(t, err)
	require.True(t, accepted)

	target := gone.peer()
	require.NoError(t, gone.server.Close())

	require.Error(t, owner.server.Evict(ctx, target))
	assert.False(t, owner.server.Accepted().Contains("peer-a"))
}

func TestEvictRacingCloseDoesNotPanic(t *testing.T) {
	owner := newTestNode(t, "peer-b", nil)
	target := newTestNode(t, "peer-a", nil).peer()

	const evictions = 32
	for i := 0; i < evictions; i++ {
		owner.server.Accepted().Add(fmt.Sprintf("peer-%d", i))
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < evictions; i++ {
		peer := target
		peer.PeerID = fmt.Sprintf("peer-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_ = owner.server.Evict(context.Background(), peer)
		}()
	}

	close(start)
	require.NoError(t, owner.server.Close())
	wg.Wait()

	for i := 0; i < evictions; i++ {
		assert.False(t, owner.server.Accepted().Contains(fmt.Sprintf("peer-%d", i)))
	}
}

func TestOneWayEnvelopesAreDispatchedAsEvents(t *testing.T) {
	receiver := newTestNode(t, "peer-b", nil)
	sender := newTestNode(t, "peer-a", nil)
	ctx := context.Background()
	target := receiver.peer()

	require.NoError(t, sender.client.SendSearchRequest(ctx, target, "report"))
	event := waitForControlEvent(t, receiver.server.Events(), EventSearchRequest)
	assert.Equal(t, "peer-a", event.PeerID)
	assert.Equal(t, "report", event.Keyword)

	files, _ := sharedListing()
	require.NoError(t, sender.client.SendSearchResponse(ctx, target, files))
	event = waitForControlEvent(t, receiver.server.Events(), EventSearchResult)
	assert.Equal(t, files, event.Files)

	require.NoError(t, sender.client.SendSystemCommand(ctx, target, "remove_file", "a.txt"))
	event = waitForControlEvent(t, receiver.server.Events(), EventSystemMessage)
	assert.Equal(t, SystemRemoveFile, event.Command)
	assert.Equal(t, "a.txt", event.Payload)

	require.NoError(t, sender.client.SendUpdateName(ctx, target, "Alice"))
	event = waitForControlEvent(t, receiver.server.Events(), EventPeerRenamed)
	assert.Equal(t, "peer-a", event.PeerID)
	assert.Equal(t, "Alice", event.DisplayName)
}

func TestServerDropsMalformedLinesAndKeepsServing(t *testing.T) {
	owner := newTestNode(t, "peer-b", nil)
	requester := newTestNode(t, "peer-a", nil)

	conn, err := net.Dial("tcp", owner.server.Addr().String())
	require.NoError(t, err)
	require.NoError(t, WriteLine(conn, "garbage", time.Second))
	_, err = ReadLine(conn, time.Second)
	require.Error(t, err)
	_ = conn.Close()

	accepted, err := requester.client.SendConnectRequest(context.Background(), owner.peer())
	require.NoError(t, err)
	assert.True(t, accepted)
}

func TestClientRejectsReplyAddressedElsewhere(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = ReadLine(conn, time.Second)
		_ = WriteLine(conn, "CONNECT_ACCEPT|peer-b|someone-else|Accepted", time.Second)
	}()

	client, err := NewClient(ClientOptions{SelfPeerID: "peer-a", Timeout: time.Second})
	require.NoError(t, err)

	port := listener.Addr().(*net.TCPAddr).Port
	accepted, err := client.SendConnectRequest(context.Background(), models.PeerIdentity{PeerID: "peer-b", Address: "127.0.0.1", ControlPort: port})
	assert.False(t, accepted)
	assert.ErrorIs(t, err, ErrUnexpectedResponse)
}

func TestClientConnectFailureIsReported(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	client, err := NewClient(ClientOptions{SelfPeerID: "peer-a", Timeout: time.Second})
	require.NoError(t, err)

	accepted, err := client.SendConnectRequest(context.Background(), models.PeerIdentity{PeerID: "peer-b", Address: "127.0.0.1", ControlPort: port})
	assert.False(t, accepted)
	assert.Error(t, err)
}
