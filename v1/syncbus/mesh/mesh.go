// Package mesh implements syncbus.Bus without a broker: nodes gossip lease
// events over UDP multicast, with unicast to known peers for networks that
// drop multicast.
package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/ipv4"

	tethererrors "github.com/mirkobrombin/go-tether/v1/errors"
	"github.com/mirkobrombin/go-tether/v1/syncbus"
)

const (
	subscriberBuffer = 32
	seenCapacity     = 1024
	peerExpiry       = 60 * time.Second
)

// MeshOptions configures the mesh bus.
type MeshOptions struct {
	Port          int
	Interface     string
	Group         string
	Peers         []string      // Static seeds for unicast gossip
	AdvertiseAddr string        // Address to advertise to other peers (e.g. "10.0.0.1:7946")
	Heartbeat     time.Duration // Interval for heartbeat gossip (default 5s)
	BatchInterval time.Duration // Max time to wait before flushing a batch (default 100ms)
	BatchSize     int           // Max number of events in a batch (default 20)
}

// MeshBus gossips lease events between tether processes on a network.
// Events published locally are delivered to local subscribers at once.
type MeshBus struct {
	opts      MeshOptions
	nodeID    [16]byte
	conn      net.PacketConn
	pconn     *ipv4.PacketConn
	groupAddr *net.UDPAddr

	mu   sync.RWMutex
	subs map[string][]chan syncbus.Event

	seenMu sync.Mutex
	seen   map[string]struct{}
	order  []string

	peersMu      sync.RWMutex
	knownPeers   map[string]time.Time
	resolvedAddr map[string]*net.UDPAddr

	publishCh chan []byte

	published atomic.Uint64
	delivered atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// NewMeshBus joins the multicast group and starts gossiping.
func NewMeshBus(opts MeshOptions) (*MeshBus, error) {
	if opts.Port == 0 {
		opts.Port = 7946
	}
	if opts.Group == "" {
		opts.Group = "239.0.0.1"
	}

	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", opts.Group, opts.Port))
	if err != nil {
		return nil, fmt.Errorf("mesh: resolve multicast address: %w", err)
	}

	// several nodes on one host share the port
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, 15, 1) // SO_REUSEPORT
			})
		},
	}

	c, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", opts.Port))
	if err != nil {
		return nil, fmt.Errorf("mesh: listen on port %d: %w", opts.Port, err)
	}

	pconn := ipv4.NewPacketConn(c)

	var iface *net.Interface
	if opts.Interface != "" {
		iface, err = net.InterfaceByName(opts.Interface)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("mesh: find interface %s: %w", opts.Interface, err)
		}
	}

	if err := pconn.JoinGroup(iface, addr); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mesh: join group %s: %w", opts.Group, err)
	}

	if iface != nil {
		if err := pconn.SetMulticastInterface(iface); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("mesh: set multicast interface: %w", err)
		}
	}

	// Enable loopback so multiple nodes on same host can hear each other.
	_ = pconn.SetMulticastLoopback(true)

	if opts.Heartbeat == 0 {
		opts.Heartbeat = 5 * time.Second
	}
	if opts.BatchInterval == 0 {
		opts.BatchInterval = 100 * time.Millisecond
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = 20
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &MeshBus{
		opts:         opts,
		nodeID:       uuid.New(),
		conn:         c,
		pconn:        pconn,
		groupAddr:    addr,
		subs:         make(map[string][]chan syncbus.Event),
		seen:         make(map[string]struct{}),
		knownPeers:   make(map[string]time.Time),
		resolvedAddr: make(map[string]*net.UDPAddr),
		publishCh:    make(chan []byte, 1000),
		ctx:          ctx,
		cancel:       cancel,
	}

	go b.listen()
	go b.heartbeatLoop()
	go b.cleanupPeers()
	go b.runBatcher()

	return b, nil
}

// Publish implements Bus.Publish. Local subscribers receive evt before
// Publish returns; remote nodes receive it with the next batch.
func (b *MeshBus) Publish(ctx context.Context, domain string, evt syncbus.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.ctx.Err() != nil {
		return tethererrors.ErrConnectionClosed
	}
	if evt.Domain == "" {
		evt.Domain = domain
	}
	if evt.Nonce == "" {
		evt.Nonce = uuid.NewString()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if len(payload) > maxDatagram-headerLen-4 {
		return fmt.Errorf("mesh: event for %q exceeds datagram size", domain)
	}
	b.markSeen(evt.Nonce)
	b.deliver(domain, evt)

	select {
	case b.publishCh <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return tethererrors.ErrConnectionClosed
	}
}

// broadcast sends the packet payload to multicast group and known unicast peers.
func (b *MeshBus) broadcast(payload []byte) error {
	_, err := b.conn.WriteTo(payload, b.groupAddr)
	if err == nil {
		b.published.Add(1)
	}

	b.peersMu.RLock()
	addrs := make([]*net.UDPAddr, 0, len(b.resolvedAddr))
	for _, addr := range b.resolvedAddr {
		addrs = append(addrs, addr)
	}
	b.peersMu.RUnlock()

	for _, addr := range addrs {
		_, _ = b.conn.WriteTo(payload, addr)
	}

	// seeds not yet heard from
	for _, peer := range b.opts.Peers {
		b.peersMu.RLock()
		_, known := b.resolvedAddr[peer]
		b.peersMu.RUnlock()
		if known {
			continue
		}
		addr, rerr := net.ResolveUDPAddr("udp4", peer)
		if rerr != nil {
			continue
		}
		_, _ = b.conn.WriteTo(payload, addr)
	}

	return err
}

// Subscribe implements Bus.Subscribe.
func (b *MeshBus) Subscribe(ctx context.Context, domain string) (<-chan syncbus.Event, error) {
	ch := make(chan syncbus.Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[domain] = append(b.subs[domain], ch)
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-b.ctx.Done():
		}
		_ = b.Unsubscribe(context.Background(), domain, ch)
	}()

	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *MeshBus) Unsubscribe(ctx context.Context, domain string, ch <-chan syncbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subs[domain]
	if !ok {
		return nil
	}
	for i, c := range subs {
		if c == ch {
			b.subs[domain] = append(subs[:i], subs[i+1:]...)
			close(c)
			break
		}
	}
	if len(b.subs[domain]) == 0 {
		delete(b.subs, domain)
	}
	return nil
}

func (b *MeshBus) listen() {
	buf := make([]byte, maxDatagram+100)
	for {
		n, _, err := b.conn.ReadFrom(buf)
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			continue
		}

		var p packet
		if err := p.unmarshal(buf[:n]); err != nil {
			slog.Debug("tether: mesh dropped packet", "error", err)
			continue
		}
		if p.NodeID == b.nodeID {
			continue
		}

		switch p.Type {
		case typeHeartbeat:
			if len(p.Entries) == 1 {
				b.addPeer(string(p.Entries[0]))
			}
		case typeEvents:
			for _, raw := range p.Entries {
				var evt syncbus.Event
				if err := json.Unmarshal(raw, &evt); err != nil || evt.Domain == "" {
					continue
				}
				if !b.markSeen(evt.Nonce) {
					continue
				}
				b.deliver(evt.Domain, evt)
			}
		}
	}
}

// markSeen records nonce and reports whether it was new. Packets arrive
// twice when a peer is reachable over both multicast and unicast.
func (b *MeshBus) markSeen(nonce string) bool {
	if nonce == "" {
		return true
	}
	b.seenMu.Lock()
	defer b.seenMu.Unlock()
	if _, ok := b.seen[nonce]; ok {
		return false
	}
	b.seen[nonce] = struct{}{}
	b.order = append(b.order, nonce)
	if len(b.order) > seenCapacity {
		delete(b.seen, b.order[0])
		b.order = b.order[1:]
	}
	return true
}

func (b *MeshBus) deliver(domain string, evt syncbus.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[domain] {
		select {
		case ch <- evt:
			b.delivered.Add(1)
		default:
		}
	}
}

func (b *MeshBus) addPeer(addr string) {
	b.peersMu.Lock()
	defer b.peersMu.Unlock()
	b.knownPeers[addr] = time.Now()
	if _, ok := b.resolvedAddr[addr]; !ok {
		if rAddr, err := net.ResolveUDPAddr("udp4", addr); err == nil {
			b.resolvedAddr[addr] = rAddr
		}
	}
}

// Close gracefully shuts down the mesh bus.
func (b *MeshBus) Close() error {
	b.cancel()
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func (b *MeshBus) heartbeatLoop() {
	ticker := time.NewTicker(b.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			addr := b.opts.AdvertiseAddr
			if addr == "" {
				addr = b.conn.LocalAddr().String()
			}
			b.send(typeHeartbeat, [][]byte{[]byte(addr)})
		}
	}
}

func (b *MeshBus) send(typ byte, entries [][]byte) {
	p := packet{Magic: magicByte, Type: typ, NodeID: b.nodeID, Entries: entries}
	buf := bufferPool.Get().([]byte)
	defer bufferPool.Put(buf)
	n, err := p.marshal(buf)
	if err != nil {
		slog.Warn("tether: mesh encode", "error", err)
		return
	}
	if err := b.broadcast(buf[:n]); err != nil && b.ctx.Err() == nil {
		slog.Warn("tether: mesh broadcast", "error", err)
	}
}

func (b *MeshBus) cleanupPeers() {
	ticker := time.NewTicker(peerExpiry / 2)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.peersMu.Lock()
			now := time.Now()
			for addr, lastSeen := range b.knownPeers {
				if now.Sub(lastSeen) > peerExpiry {
					delete(b.knownPeers, addr)
					delete(b.resolvedAddr, addr)
				}
			}
			b.peersMu.Unlock()
		}
	}
}

func (b *MeshBus) runBatcher() {
	ticker := time.NewTicker(b.opts.BatchInterval)
	defer ticker.Stop()

	var (
		batch [][]byte
		size  = headerLen + 2
	)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		b.send(typeEvents, batch)
		batch, size = nil, headerLen+2
	}

	for {
		select {
		case <-b.ctx.Done():
			return
		case payload := <-b.publishCh:
			if size+2+len(payload) > maxDatagram {
				flush()
			}
			batch = append(batch, payload)
			size += 2 + len(payload)
			if len(batch) >= b.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Metrics returns the packets sent and the events delivered to subscribers.
func (b *MeshBus) Metrics() syncbus.Metrics {
	return syncbus.Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// Peers returns a list of currently known active peers.
func (b *MeshBus) Peers() []string {
	b.peersMu.RLock()
	defer b.peersMu.RUnlock()

	peers := make([]string, 0, len(b.knownPeers))
	for addr := range b.knownPeers {
		peers = append(peers, addr)
	}
	return peers
}
