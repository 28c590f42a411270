package netstack

import "encoding/binary"

///////////////////////////////////////////////////////////////////////////////
// Internet checksum
///////////////////////////////////////////////////////////////////////////////

// checksum computes the RFC 1071 internet checksum over data. Odd-length
// input is padded with a zero byte in the low half of the final word.
func checksum(data []byte) uint16 {
	return checksumWithInitial(0, data)
}

// checksumWithInitial folds data into an existing partial sum. The partial
// sum must itself be an unfolded 32-bit accumulator value.
func checksumWithInitial(initial uint32, data []byte) uint16 {
	sum := initial

	for len(data) >= 2 {
		sum += uint32(binary.BigEndian.Uint16(data))
		data = data[2:]
	}
	if len(data) == 1 {
		sum += uint32(data[0]) << 8
	}

	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}

	return ^uint16(sum)
}

// pseudoHeaderSum accumulates the IPv4 pseudo-header used by the TCP
// checksum: source, destination, protocol and segment length.
func pseudoHeaderSum(src, dst IPv4, proto uint8, length uint16) uint32 {
	var sum uint32
	sum += uint32(binary.BigEndian.Uint16(src[0:2]))
	sum += uint32(binary.BigEndian.Uint16(src[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dst[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dst[2:4]))
	sum += uint32(proto)
	sum += uint32(length)
	return sum
}

// tcpChecksum computes the checksum of a TCP segment, covering the
// pseudo-header, the TCP header and the payload. The checksum field inside
// segment must be zero when this is called.
func tcpChecksum(src, dst IPv4, segment []byte) uint16 {
	return checksumWithInitial(pseudoHeaderSum(src, dst, protoTCP, uint16(len(segment))), segment)
}
