package network

import (
	"time"
)

// PeerStatus tracks a peer's liveness.
type PeerStatus string

const (
	PeerOnline  PeerStatus = "online"
	PeerStale   PeerStatus = "stale"
	PeerOffline PeerStatus = "offline"
)

// PeerState is the roster's view of one peer.
type PeerState struct {
	ID          string     `json:"id"`
	Address     string     `json:"address"`
	LastSeen    time.Time  `json:"last_seen"`
	Status      PeerStatus `json:"status"`
	ConnectedAt time.Time  `json:"connected_at"`
}

// AddPeer registers or refreshes a peer and emits the matching event.
func (n *Network) AddPeer(peerID, address string) {
	n.mu.Lock()
	now := time.Now()
	p, known := n.peers[peerID]
	if known {
		p.LastSeen = now
		p.Status = PeerOnline
		if address != "" {
			p.Address = address
		}
	} else {
		n.peers[peerID] = &PeerState{
			ID:          peerID,
			Address:     address,
			LastSeen:    now,
			Status:      PeerOnline,
			ConnectedAt: now,
		}
	}
	n.mu.Unlock()

	if known {
		n.bus.Publish(PeerUpdated{PeerID: peerID, Timestamp: now.UnixMilli()})
	} else {
		n.bus.Publish(PeerConnected{PeerID: peerID, Address: address, Timestamp: now.UnixMilli()})
	}
}

// TouchPeer refreshes a peer's liveness window.
func (n *Network) TouchPeer(peerID string) {
	n.mu.Lock()
	p, ok := n.peers[peerID]
	if ok {
		p.LastSeen = time.Now()
		p.Status = PeerOnline
	}
	n.mu.Unlock()

	if ok {
		n.bus.Publish(PeerUpdated{PeerID: peerID, Timestamp: time.Now().UnixMilli()})
	}
}

// PeerCount returns the current roster size.
func (n *Network) PeerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.peers)
}

// sweepStalePeers drops peers silent for longer than the timeout.
func (n *Network) sweepStalePeers() {
	cutoff := time.Now().Add(-n.cfg.PeerTimeout)

	n.mu.Lock()
	var dropped []string
	for id, p := range n.peers {
		if p.LastSeen.Before(cutoff) {
			delete(n.peers, id)
			dropped = append(dropped, id)
		}
	}
	n.mu.Unlock()

	for _, id := range dropped {
		n.logger.Info("peer timed out", "peer_id", id)
		n.bus.Publish(PeerDisconnected{
			PeerID:    id,
			Reason:    "timeout",
			Timestamp: time.Now().UnixMilli(),
		})
	}
}
