package netstack

import (
	"encoding/binary"
	"fmt"
)

///////////////////////////////////////////////////////////////////////////////
// ARP
///////////////////////////////////////////////////////////////////////////////

const (
	arpCacheSize = 16

	arpPacketLen = 28

	arpOpRequest = 1
	arpOpReply   = 2
)

type arpEntry struct {
	ip    IPv4
	mac   [6]byte
	valid bool
}

// ARPLookup returns the cached MAC for ip, if known.
func (s *Stack) ARPLookup(ip IPv4) ([6]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.arpLookupLocked(ip)
}

func (s *Stack) arpLookupLocked(ip IPv4) ([6]byte, bool) {
	for i := range s.arp {
		if s.arp[i].valid && s.arp[i].ip == ip {
			return s.arp[i].mac, true
		}
	}
	return [6]byte{}, false
}

// arpLearn records an ip-to-mac mapping. An existing entry for ip is
// updated in place, otherwise the first free slot is used. When the cache
// is full slot 0 is overwritten.
func (s *Stack) arpLearn(ip IPv4, mac [6]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.arp {
		if s.arp[i].valid && s.arp[i].ip == ip {
			s.arp[i].mac = mac
			return
		}
	}
	for i := range s.arp {
		if !s.arp[i].valid {
			s.arp[i] = arpEntry{ip: ip, mac: mac, valid: true}
			return
		}
	}

	s.logger.Debug("arp cache full, evicting slot 0", "evicted", s.arp[0].ip.String())
	s.arp[0] = arpEntry{ip: ip, mac: mac, valid: true}
}

// ARPRequest broadcasts a who-has request for ip. The answer, if any,
// arrives through Poll and lands in the cache.
func (s *Stack) ARPRequest(ip IPv4) error {
	pkt := s.buildARPPacket(arpOpRequest, [6]byte{}, ip)

	s.logger.Debug("arp request", "target", ip.String())

	return s.sendEthernet(broadcastMAC, etherTypeARP, pkt)
}

func (s *Stack) sendARPReply(targetMAC [6]byte, targetIP IPv4) error {
	pkt := s.buildARPPacket(arpOpReply, targetMAC, targetIP)

	return s.sendEthernet(targetMAC, etherTypeARP, pkt)
}

func (s *Stack) buildARPPacket(op uint16, targetMAC [6]byte, targetIP IPv4) []byte {
	pkt := make([]byte, arpPacketLen)
	binary.BigEndian.PutUint16(pkt[0:2], 1) // ethernet
	binary.BigEndian.PutUint16(pkt[2:4], etherTypeIPv4)
	pkt[4] = 6
	pkt[5] = 4
	binary.BigEndian.PutUint16(pkt[6:8], op)
	copy(pkt[8:14], s.mac[:])
	copy(pkt[14:18], s.cfg.LocalIP[:])
	copy(pkt[18:24], targetMAC[:])
	copy(pkt[24:28], targetIP[:])
	return pkt
}

func (s *Stack) handleARP(payload []byte) {
	if len(payload) < arpPacketLen {
		s.dropped.Add(1)
		return
	}

	hwType := binary.BigEndian.Uint16(payload[0:2])
	protoType := binary.BigEndian.Uint16(payload[2:4])
	if hwType != 1 || protoType != etherTypeIPv4 || payload[4] != 6 || payload[5] != 4 {
		s.dropped.Add(1)
		return
	}

	op := binary.BigEndian.Uint16(payload[6:8])

	var senderMAC [6]byte
	var senderIP, targetIP IPv4
	copy(senderMAC[:], payload[8:14])
	copy(senderIP[:], payload[14:18])
	copy(targetIP[:], payload[24:28])

	// Learn the sender regardless of operation.
	s.arpLearn(senderIP, senderMAC)

	if op == arpOpRequest && targetIP == s.cfg.LocalIP {
		s.logger.Debug("arp reply", "to", senderIP.String())

		if err := s.sendARPReply(senderMAC, senderIP); err != nil {
			s.logger.Warn("arp reply failed", "error", err)
		}
	}
}

// resolveNextHop returns the MAC for ip, broadcasting a request and polling
// until the reply arrives or the ARP timeout passes.
func (s *Stack) resolveNextHop(ip IPv4) ([6]byte, error) {
	if mac, ok := s.ARPLookup(ip); ok {
		return mac, nil
	}

	if err := s.ARPRequest(ip); err != nil {
		return [6]byte{}, err
	}

	var mac [6]byte
	found := s.pollUntil(s.cfg.ARPTimeout, func() bool {
		m, ok := s.ARPLookup(ip)
		if ok {
			mac = m
		}
		return ok
	})
	if !found {
		return [6]byte{}, fmt.Errorf("resolve %s: %w", ip.String(), ErrTimeout)
	}

	return mac, nil
}
