package netstack

import (
	"encoding/binary"
	"fmt"
	"sync"
)

///////////////////////////////////////////////////////////////////////////////
// DNS resolver
///////////////////////////////////////////////////////////////////////////////

const (
	dnsServerPort = 53

	// dnsClientPortBase spreads concurrent queries over a hundred ports.
	dnsClientPortBase = 10053

	dnsHeaderLen = 12

	dnsFlagRecursionDesired = 0x0100

	dnsTypeA   = 1
	dnsClassIN = 1
)

// Resolve looks up the first A record for host against the configured DNS
// server. Dotted-quad input is parsed directly without any network I/O.
func (s *Stack) Resolve(host string) (IPv4, error) {
	if ip, err := ParseIPv4(host); err == nil {
		return ip, nil
	}

	id := uint16(s.dnsID.Add(1))
	clientPort := dnsClientPortBase + id%100

	query, err := buildDNSQuery(id, host)
	if err != nil {
		return IPv4{}, err
	}

	var (
		respMu   sync.Mutex
		answer   IPv4
		answered bool
		negative bool
	)

	err = s.BindUDP(clientPort, func(src IPv4, srcPort, _ uint16, payload []byte) {
		if src != s.cfg.DNSServer || srcPort != dnsServerPort {
			return
		}
		if len(payload) < dnsHeaderLen || binary.BigEndian.Uint16(payload[0:2]) != id {
			return
		}

		// The response matches our query. No usable A record means the
		// name does not resolve; we stop waiting either way.
		ip, ok := parseDNSResponse(payload, id)

		respMu.Lock()
		if ok {
			answer = ip
		} else {
			negative = true
		}
		answered = true
		respMu.Unlock()
	})
	if err != nil {
		return IPv4{}, fmt.Errorf("resolve %q: %w", host, err)
	}
	defer s.UnbindUDP(clientPort)

	if err := s.sendUDPBlocking(s.cfg.DNSServer, clientPort, dnsServerPort, query); err != nil {
		return IPv4{}, fmt.Errorf("resolve %q: %w", host, err)
	}

	s.logger.Debug("dns query sent", "host", host, "id", id, "port", clientPort)

	got := s.pollUntil(s.cfg.DNSTimeout, func() bool {
		respMu.Lock()
		defer respMu.Unlock()
		return answered
	})
	if !got {
		return IPv4{}, fmt.Errorf("resolve %q: %w", host, ErrTimeout)
	}

	respMu.Lock()
	defer respMu.Unlock()
	if negative {
		return IPv4{}, fmt.Errorf("resolve %q: %w", host, ErrNameNotFound)
	}
	return answer, nil
}

// buildDNSQuery encodes a single-question recursive query for host's A
// record.
func buildDNSQuery(id uint16, host string) ([]byte, error) {
	if len(host) == 0 || len(host) > 253 {
		return nil, fmt.Errorf("resolve %q: bad host name", host)
	}

	query := make([]byte, dnsHeaderLen, dnsHeaderLen+len(host)+2+4)
	binary.BigEndian.PutUint16(query[0:2], id)
	binary.BigEndian.PutUint16(query[2:4], dnsFlagRecursionDesired)
	binary.BigEndian.PutUint16(query[4:6], 1) // one question

	// QNAME: dot-separated labels, each length-prefixed.
	start := 0
	for i := 0; i <= len(host); i++ {
		if i == len(host) || host[i] == '.' {
			label := host[start:i]
			if len(label) == 0 || len(label) > 63 {
				return nil, fmt.Errorf("resolve %q: bad label", host)
			}
			query = append(query, byte(len(label)))
			query = append(query, label...)
			start = i + 1
		}
	}
	query = append(query, 0)

	query = binary.BigEndian.AppendUint16(query, dnsTypeA)
	query = binary.BigEndian.AppendUint16(query, dnsClassIN)

	return query, nil
}

// parseDNSResponse extracts the first A record from a response matching id.
func parseDNSResponse(resp []byte, id uint16) (IPv4, bool) {
	if len(resp) < dnsHeaderLen {
		return IPv4{}, false
	}
	if binary.BigEndian.Uint16(resp[0:2]) != id {
		return IPv4{}, false
	}

	qdCount := binary.BigEndian.Uint16(resp[4:6])
	anCount := binary.BigEndian.Uint16(resp[6:8])
	if anCount == 0 {
		return IPv4{}, false
	}

	pos := dnsHeaderLen

	// Skip the echoed questions.
	for q := uint16(0); q < qdCount; q++ {
		pos = skipDNSName(resp, pos)
		if pos < 0 {
			return IPv4{}, false
		}
		pos += 4 // qtype, qclass
		if pos > len(resp) {
			return IPv4{}, false
		}
	}

	for a := uint16(0); a < anCount; a++ {
		pos = skipDNSName(resp, pos)
		if pos < 0 || pos+10 > len(resp) {
			return IPv4{}, false
		}

		rrType := binary.BigEndian.Uint16(resp[pos : pos+2])
		rrClass := binary.BigEndian.Uint16(resp[pos+2 : pos+4])
		rdLength := binary.BigEndian.Uint16(resp[pos+8 : pos+10])
		pos += 10

		if pos+int(rdLength) > len(resp) {
			return IPv4{}, false
		}

		if rrType == dnsTypeA && rrClass == dnsClassIN && rdLength == 4 {
			var ip IPv4
			copy(ip[:], resp[pos:pos+4])
			return ip, true
		}

		pos += int(rdLength)
	}

	return IPv4{}, false
}

// skipDNSName advances past a possibly compressed name starting at pos and
// returns the new position, or -1 on malformed input.
func skipDNSName(resp []byte, pos int) int {
	if pos < 0 {
		return -1
	}

	for pos < len(resp) {
		l := resp[pos]
		if l == 0 {
			return pos + 1
		}
		if l&0xc0 == 0xc0 {
			// Compression pointer terminates the name.
			return pos + 2
		}
		pos += 1 + int(l)
	}

	return -1
}
