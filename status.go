package netstack

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"
)

///////////////////////////////////////////////////////////////////////////////
// Status snapshot and debug HTTP
///////////////////////////////////////////////////////////////////////////////

// Status is a point-in-time snapshot of the stack's state.
type Status struct {
	LocalIPv4 string `json:"localIPv4"`
	Gateway   string `json:"gateway"`
	DNSServer string `json:"dnsServer"`
	MAC       string `json:"mac"`

	ARPEntries     []string `json:"arpEntries"`
	TCPListeners   []uint16 `json:"tcpListeners"`
	TCPConnections []string `json:"tcpConnections"`
	UDPPorts       []uint16 `json:"udpPorts"`

	FramesIn      uint64 `json:"framesIn"`
	FramesOut     uint64 `json:"framesOut"`
	FramesDropped uint64 `json:"framesDropped"`

	ICMPRxPackets uint64 `json:"icmpRxPackets"`
	ICMPTxPackets uint64 `json:"icmpTxPackets"`
	UDPRxPackets  uint64 `json:"udpRxPackets"`
	UDPTxPackets  uint64 `json:"udpTxPackets"`
	TCPRxSegments uint64 `json:"tcpRxSegments"`
	TCPTxSegments uint64 `json:"tcpTxSegments"`

	ActiveConnections int64 `json:"activeConnections"`

	UptimeSeconds float64 `json:"uptimeSeconds"`
	// LastPollAgoSeconds is -1 until the first Poll.
	LastPollAgoSeconds float64 `json:"lastPollAgoSeconds"`
}

// Status collects a snapshot of addressing, tables and counters.
func (s *Stack) Status() Status {
	status := Status{
		LocalIPv4:     s.cfg.LocalIP.String(),
		Gateway:       s.cfg.Gateway.String(),
		DNSServer:     s.cfg.DNSServer.String(),
		MAC:           net.HardwareAddr(s.mac[:]).String(),
		FramesIn:      s.framesIn.Load(),
		FramesOut:     s.framesOut.Load(),
		FramesDropped: s.dropped.Load(),

		ICMPRxPackets: s.icmpRxPackets.Load(),
		ICMPTxPackets: s.icmpTxPackets.Load(),
		UDPRxPackets:  s.udpRxPackets.Load(),
		UDPTxPackets:  s.udpTxPackets.Load(),
		TCPRxSegments: s.tcpRxSegments.Load(),
		TCPTxSegments: s.tcpTxSegments.Load(),

		ActiveConnections: s.activeConns.Load(),

		UptimeSeconds:      time.Since(s.createdAt).Seconds(),
		LastPollAgoSeconds: -1,
	}

	if at := s.lastPollAt.Load(); at != 0 {
		status.LastPollAgoSeconds = time.Since(time.Unix(0, at)).Seconds()
	}

	s.mu.Lock()
	for i := range s.arp {
		if s.arp[i].valid {
			status.ARPEntries = append(status.ARPEntries, fmt.Sprintf(
				"%s -> %s",
				s.arp[i].ip.String(),
				net.HardwareAddr(s.arp[i].mac[:]).String()))
		}
	}
	s.mu.Unlock()

	s.tcpMu.Lock()
	for i := range s.tcpSockets {
		sock := &s.tcpSockets[i]
		switch sock.state {
		case tcpClosed:
		case tcpListen:
			status.TCPListeners = append(status.TCPListeners, sock.localPort)
		default:
			status.TCPConnections = append(status.TCPConnections, fmt.Sprintf(
				"%s:%d -> %s:%d (%s)",
				s.cfg.LocalIP.String(), sock.localPort,
				sock.remoteIP.String(), sock.remotePort,
				sock.state.String()))
		}
	}
	s.tcpMu.Unlock()

	s.udpMu.Lock()
	for i := range s.udpListeners {
		if s.udpListeners[i].active {
			status.UDPPorts = append(status.UDPPorts, s.udpListeners[i].port)
		}
	}
	s.udpMu.Unlock()

	sort.Strings(status.ARPEntries)
	sort.Slice(status.TCPListeners, func(i, j int) bool { return status.TCPListeners[i] < status.TCPListeners[j] })
	sort.Strings(status.TCPConnections)
	sort.Slice(status.UDPPorts, func(i, j int) bool { return status.UDPPorts[i] < status.UDPPorts[j] })

	return status
}

// EnableDebugHTTP starts a small debug server exposing the status snapshot
// at /status. It returns the address actually listened on, useful with
// ":0". Pass the returned closer duty to Close, which shuts it down.
func (s *Stack) EnableDebugHTTP(addr string) (string, error) {
	if s.debugLn != nil {
		return "", fmt.Errorf("debug http already enabled")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen debug http: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
			s.logger.Warn("debug status encode", "error", err)
		}
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) &&
			!errors.Is(err, net.ErrClosed) {
			s.logger.Warn("debug http serve", "error", err)
		}
	}()

	s.debugLn = srv.Close

	s.logger.Debug("debug http listening", "addr", ln.Addr().String())

	return ln.Addr().String(), nil
}
