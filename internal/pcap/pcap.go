// Package pcap writes classic libpcap capture files.
package pcap

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"
)

// LinkTypeEthernet is the DLT identifier for ethernet captures, matching
// the tcpdump/libpcap definition.
const LinkTypeEthernet uint32 = 1

// DefaultSnapLen bounds how much of each frame is recorded.
const DefaultSnapLen = 8192

// Writer emits a classic libpcap stream: one 24-byte global header followed
// by 16-byte-headed packet records. It is safe for concurrent use.
type Writer struct {
	mu            sync.Mutex
	out           io.Writer
	snapLen       uint32
	headerWritten bool
}

// NewWriter wraps out. The global header is written lazily before the first
// frame. A snapLen of 0 selects DefaultSnapLen.
func NewWriter(out io.Writer, snapLen uint32) *Writer {
	if snapLen == 0 {
		snapLen = DefaultSnapLen
	}
	return &Writer{out: out, snapLen: snapLen}
}

func (w *Writer) writeHeaderLocked() error {
	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], 0xa1b2c3d4)
	binary.LittleEndian.PutUint16(hdr[4:6], 2) // major version
	binary.LittleEndian.PutUint16(hdr[6:8], 4) // minor version
	binary.LittleEndian.PutUint32(hdr[8:12], 0)
	binary.LittleEndian.PutUint32(hdr[12:16], 0)
	binary.LittleEndian.PutUint32(hdr[16:20], w.snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], LinkTypeEthernet)

	if _, err := w.out.Write(hdr[:]); err != nil {
		return fmt.Errorf("pcap: write header: %w", err)
	}

	w.headerWritten = true
	return nil
}

// WriteFrame appends one frame record. Frames longer than the snap length
// are truncated; the record still carries the original length.
func (w *Writer) WriteFrame(ts time.Time, frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.headerWritten {
		if err := w.writeHeaderLocked(); err != nil {
			return err
		}
	}

	origLen := len(frame)
	if origLen > math.MaxUint32 {
		return fmt.Errorf("pcap: frame length %d overflows uint32", origLen)
	}

	capLen := origLen
	if uint32(capLen) > w.snapLen {
		capLen = int(w.snapLen)
	}

	var tsSec, tsUsec uint32
	if !ts.IsZero() {
		sec := ts.Unix()
		if sec < 0 || sec > math.MaxUint32 {
			return fmt.Errorf("pcap: timestamp seconds %d out of range", sec)
		}
		tsSec = uint32(sec)
		tsUsec = uint32(ts.Nanosecond() / 1_000)
	}

	var rec [16]byte
	binary.LittleEndian.PutUint32(rec[0:4], tsSec)
	binary.LittleEndian.PutUint32(rec[4:8], tsUsec)
	binary.LittleEndian.PutUint32(rec[8:12], uint32(capLen))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(origLen))

	if _, err := w.out.Write(rec[:]); err != nil {
		return fmt.Errorf("pcap: write record header: %w", err)
	}
	if capLen == 0 {
		return nil
	}
	if _, err := w.out.Write(frame[:capLen]); err != nil {
		return fmt.Errorf("pcap: write frame data: %w", err)
	}

	return nil
}

// Close closes the underlying writer when it is an io.Closer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if c, ok := w.out.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
