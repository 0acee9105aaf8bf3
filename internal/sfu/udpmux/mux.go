// Package udpmux owns the single UDP socket all WebRTC traffic for a node is
// multiplexed over. Sessions are demultiplexed by ICE ufrag; a packet from an
// unknown source is dropped without error. Each session created through the
// engine advertises the mux's bound address as its host candidate.
package udpmux

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/pion/ice/v2"
)

// UDPMux binds one socket at startup and hands it to the ICE agent of every
// session on the node.
type UDPMux struct {
	conn *net.UDPConn
	mux  *ice.UDPMuxDefault
	addr *net.UDPAddr

	mu       sync.RWMutex
	sessions map[string]chan struct{} // session id -> closed on unregister
	closed   bool

	logger *slog.Logger
}

// New binds the shared socket. publicIP overrides address auto-detection;
// port 0 lets the kernel pick.
func New(publicIP string, port int, logger *slog.Logger) (*UDPMux, error) {
	hostIP := publicIP
	if hostIP == "" {
		detected, err := selectHostAddress()
		if err != nil {
			return nil, err
		}
		hostIP = detected
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP(hostIP), Port: port})
	if err != nil {
		// The detected address may not be bindable (NAT'd public IP);
		// bind the wildcard and keep advertising hostIP.
		conn, err = net.ListenUDP("udp4", &net.UDPAddr{Port: port})
		if err != nil {
			return nil, fmt.Errorf("bind udp socket: %w", err)
		}
	}

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	advertised := &net.UDPAddr{IP: net.ParseIP(hostIP), Port: localAddr.Port}

	m := &UDPMux{
		conn:     conn,
		mux:      ice.NewUDPMuxDefault(ice.UDPMuxParams{UDPConn: conn}),
		addr:     advertised,
		sessions: make(map[string]chan struct{}),
		logger:   logger.With("component", "udpmux"),
	}

	m.logger.Info("bound udp port", "addr", localAddr.String(), "advertised", advertised.String())
	return m, nil
}

// ICEUDPMux is handed to pion's SettingEngine so every session's ICE agent
// shares the socket.
func (m *UDPMux) ICEUDPMux() ice.UDPMux {
	return m.mux
}

// Addr is the address sessions advertise in their host candidates.
func (m *UDPMux) Addr() *net.UDPAddr {
	return m.addr
}

// HostIP is the advertised IP for NAT 1:1 mapping.
func (m *UDPMux) HostIP() string {
	return m.addr.IP.String()
}

// Register tracks a session on the mux and returns a channel closed when the
// session is unregistered (sessions watch it to stop their pumps).
func (m *UDPMux) Register(sessionID string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.sessions[sessionID]; ok {
		close(prev)
	}
	done := make(chan struct{})
	m.sessions[sessionID] = done
	return done
}

// Unregister drops a session from the mux.
func (m *UDPMux) Unregister(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if done, ok := m.sessions[sessionID]; ok {
		close(done)
		delete(m.sessions, sessionID)
	}
}

// SessionCount returns the number of registered sessions.
func (m *UDPMux) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close unregisters every session and closes the socket. The caller revokes
// its registry lease before calling Close so the fleet stops routing here.
func (m *UDPMux) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for id, done := range m.sessions {
		close(done)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if err := m.mux.Close(); err != nil {
		return fmt.Errorf("close ice mux: %w", err)
	}
	// The ICE mux may already have closed the shared conn.
	if err := m.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// selectHostAddress picks a non-loopback IPv4 address for the socket, since
// browsers will not accept loopback for WebRTC traffic.
func selectHostAddress() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			return ip.String(), nil
		}
	}
	return "", fmt.Errorf("no usable non-loopback interface found")
}
