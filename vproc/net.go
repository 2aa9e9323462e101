package vproc

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/INLOpen/wasmsnap/core"
)

type route struct {
	via            netip.Addr
	preferredUntil *time.Duration
	expiresAt      *time.Duration
}

type bridge struct {
	network  string
	token    string
	security uint8
}

type portState struct {
	addrs   map[netip.Prefix]struct{}
	routes  map[netip.Prefix]route
	gateway netip.Addr
	bridge  *bridge
	dhcp    bool
}

func newPortState() portState {
	return portState{
		addrs:  make(map[netip.Prefix]struct{}),
		routes: make(map[netip.Prefix]route),
	}
}

// RouteState is one entry of the routing table.
type RouteState struct {
	Cidr           string
	Via            string
	PreferredUntil *time.Duration
	ExpiresAt      *time.Duration
}

// PortState is the virtual NIC configuration. The bridge token is omitted.
type PortState struct {
	Addrs         []string
	Routes        []RouteState
	Gateway       string
	BridgeNetwork string
	Bridged       bool
	Dhcp          bool
}

func (s *portState) snapshot() PortState {
	out := PortState{Gateway: addrString(s.gateway), Dhcp: s.dhcp}
	for prefix := range s.addrs {
		out.Addrs = append(out.Addrs, prefix.String())
	}
	slices.Sort(out.Addrs)
	for prefix, r := range s.routes {
		out.Routes = append(out.Routes, RouteState{
			Cidr: prefix.String(), Via: addrString(r.via),
			PreferredUntil: durationPtr(r.preferredUntil), ExpiresAt: durationPtr(r.expiresAt),
		})
	}
	slices.SortFunc(out.Routes, func(a, b RouteState) int {
		switch {
		case a.Cidr < b.Cidr:
			return -1
		case a.Cidr > b.Cidr:
			return 1
		}
		return 0
	})
	if s.bridge != nil {
		out.Bridged = true
		out.BridgeNetwork = s.bridge.network
	}
	return out
}

func (p *Process) PortAddAddr(ctx context.Context, cidr netip.Prefix) error {
	if !cidr.IsValid() {
		return fmt.Errorf("address %s: %w", cidr, ErrInvalid)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.port.addrs[cidr] = struct{}{}
	return nil
}

func (p *Process) PortDelAddr(ctx context.Context, addr netip.Addr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for prefix := range p.port.addrs {
		if prefix.Addr() == addr {
			delete(p.port.addrs, prefix)
		}
	}
	return nil
}

func (p *Process) PortClearAddrs(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.port.addrs)
	return nil
}

func (p *Process) PortBridge(ctx context.Context, network, token string, security uint8) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.port.bridge = &bridge{network: network, token: token, security: security}
	return nil
}

func (p *Process) PortUnbridge(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.port.bridge = nil
	return nil
}

func (p *Process) PortDhcpAcquire(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.port.dhcp = true
	return nil
}

func (p *Process) PortSetGateway(ctx context.Context, ip netip.Addr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.port.gateway = ip
	return nil
}

func (p *Process) PortAddRoute(ctx context.Context, op core.PortRouteAdd) error {
	if !op.Cidr.IsValid() {
		return fmt.Errorf("route %s: %w", op.Cidr, ErrInvalid)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.port.routes[op.Cidr] = route{
		via:            op.ViaRouter,
		preferredUntil: durationPtr(op.PreferredUntil),
		expiresAt:      durationPtr(op.ExpiresAt),
	}
	return nil
}

func (p *Process) PortClearRoutes(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.port.routes)
	return nil
}

func (p *Process) PortDelRoute(ctx context.Context, ip netip.Addr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for prefix := range p.port.routes {
		if prefix.Addr() == ip {
			delete(p.port.routes, prefix)
		}
	}
	return nil
}

// --- Sockets ---

type socket struct {
	af, pt    uint16
	ty        uint8
	bound     netip.AddrPort
	listening bool
	backlog   uint32
	local     netip.AddrPort
	peer      netip.AddrPort
	flags     map[core.SocketOption]bool
	sizes     map[core.SocketOption]uint64
	times     map[core.TimeType]*time.Duration
	groups    map[string]struct{}
	shutdown  uint8
	sent      uint64
}

func newSocket(af uint16, ty uint8, pt uint16) *socket {
	return &socket{
		af: af, ty: ty, pt: pt,
		flags:  make(map[core.SocketOption]bool),
		sizes:  make(map[core.SocketOption]uint64),
		times:  make(map[core.TimeType]*time.Duration),
		groups: make(map[string]struct{}),
	}
}

// SocketState is the observable state of a socket.
type SocketState struct {
	Af, Pt    uint16
	Ty        uint8
	Bound     string
	Listening bool
	Backlog   uint32
	Local     string
	Peer      string
	Flags     map[core.SocketOption]bool
	Sizes     map[core.SocketOption]uint64
	Times     map[core.TimeType]*time.Duration
	Groups    []string
	Shutdown  uint8
	Sent      uint64
}

func addrPortString(a netip.AddrPort) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}

func (s *socket) state() SocketState {
	st := SocketState{
		Af: s.af, Pt: s.pt, Ty: s.ty,
		Bound: addrPortString(s.bound), Listening: s.listening, Backlog: s.backlog,
		Local: addrPortString(s.local), Peer: addrPortString(s.peer),
		Flags:    make(map[core.SocketOption]bool, len(s.flags)),
		Sizes:    make(map[core.SocketOption]uint64, len(s.sizes)),
		Times:    make(map[core.TimeType]*time.Duration, len(s.times)),
		Shutdown: s.shutdown, Sent: s.sent,
	}
	for k, v := range s.flags {
		st.Flags[k] = v
	}
	for k, v := range s.sizes {
		st.Sizes[k] = v
	}
	for k, v := range s.times {
		st.Times[k] = durationPtr(v)
	}
	for g := range s.groups {
		st.Groups = append(st.Groups, g)
	}
	slices.Sort(st.Groups)
	return st
}

func (p *Process) sock(fd core.Fd) (*socket, error) {
	d, err := p.getKind(fd, KindSocket)
	if err != nil {
		return nil, err
	}
	return d.socket, nil
}

func (p *Process) SocketOpen(ctx context.Context, op core.SocketOpen) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.install(op.Fd, &description{kind: KindSocket, socket: newSocket(op.Af, op.Ty, op.Pt)})
	return nil
}

func (p *Process) SocketBind(ctx context.Context, fd core.Fd, addr netip.AddrPort) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.sock(fd)
	if err != nil {
		return err
	}
	s.bound = addr
	return nil
}

func (p *Process) SocketListen(ctx context.Context, fd core.Fd, backlog uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.sock(fd)
	if err != nil {
		return err
	}
	s.listening = true
	s.backlog = backlog
	return nil
}

func (p *Process) SocketConnected(ctx context.Context, fd core.Fd, local, peer netip.AddrPort) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.sock(fd)
	if err != nil {
		return err
	}
	s.local, s.peer = local, peer
	return nil
}

func (p *Process) SocketAccepted(ctx context.Context, op core.SocketAccepted) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ls, err := p.sock(op.ListenFd)
	if err != nil {
		return err
	}
	if !ls.listening {
		return fmt.Errorf("accept on fd %d which is not listening: %w", op.ListenFd, ErrInvalid)
	}
	s := newSocket(ls.af, ls.ty, ls.pt)
	s.local, s.peer = op.LocalAddr, op.PeerAddr
	flags := op.FdFlags
	if op.NonBlocking {
		flags |= core.FdflagNonblock
	}
	p.install(op.Fd, &description{kind: KindSocket, socket: s, flags: flags})
	return nil
}

func (p *Process) multicast(fd core.Fd, key string, join bool) error {
	s, err := p.sock(fd)
	if err != nil {
		return err
	}
	if join {
		s.groups[key] = struct{}{}
	} else {
		delete(s.groups, key)
	}
	return nil
}

func (p *Process) SocketJoinMulticastV4(ctx context.Context, fd core.Fd, group, iface netip.Addr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.multicast(fd, group.String()+"@"+addrString(iface), true)
}

func (p *Process) SocketLeaveMulticastV4(ctx context.Context, fd core.Fd, group, iface netip.Addr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.multicast(fd, group.String()+"@"+addrString(iface), false)
}

func (p *Process) SocketJoinMulticastV6(ctx context.Context, fd core.Fd, group netip.Addr, iface uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.multicast(fd, fmt.Sprintf("%s%%%d", group, iface), true)
}

func (p *Process) SocketLeaveMulticastV6(ctx context.Context, fd core.Fd, group netip.Addr, iface uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.multicast(fd, fmt.Sprintf("%s%%%d", group, iface), false)
}

func (p *Process) SocketSendFile(ctx context.Context, sock, file core.Fd, offset, count uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.sock(sock)
	if err != nil {
		return err
	}
	if _, err := p.getKind(file, KindFile); err != nil {
		return err
	}
	s.sent += count
	return nil
}

func (p *Process) SocketSend(ctx context.Context, fd core.Fd, data []byte, flags uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.sock(fd)
	if err != nil {
		return err
	}
	s.sent += uint64(len(data))
	return nil
}

func (p *Process) SocketSendTo(ctx context.Context, fd core.Fd, data []byte, flags uint16, addr netip.AddrPort) error {
	return p.SocketSend(ctx, fd, data, flags)
}

func (p *Process) SocketSetOptFlag(ctx context.Context, fd core.Fd, opt core.SocketOption, flag bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.sock(fd)
	if err != nil {
		return err
	}
	s.flags[opt] = flag
	return nil
}

func (p *Process) SocketSetOptSize(ctx context.Context, fd core.Fd, opt core.SocketOption, size uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.sock(fd)
	if err != nil {
		return err
	}
	s.sizes[opt] = size
	return nil
}

func (p *Process) SocketSetOptTime(ctx context.Context, fd core.Fd, ty core.TimeType, t *time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.sock(fd)
	if err != nil {
		return err
	}
	s.times[ty] = durationPtr(t)
	return nil
}

func (p *Process) SocketShutdown(ctx context.Context, fd core.Fd, how uint8) error {
	if how == 0 || how > core.ShutdownBoth {
		return fmt.Errorf("shutdown how=%d: %w", how, ErrInvalid)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.sock(fd)
	if err != nil {
		return err
	}
	s.shutdown |= how
	return nil
}

func (p *Process) SocketPair(ctx context.Context, fd1, fd2 core.Fd) error {
	if fd1 == fd2 {
		return fmt.Errorf("socket pair shares fd %d: %w", fd1, ErrInvalid)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.install(fd1, &description{kind: KindSocket, socket: newSocket(1, 1, 0)})
	p.install(fd2, &description{kind: KindSocket, socket: newSocket(1, 1, 0)})
	return nil
}
