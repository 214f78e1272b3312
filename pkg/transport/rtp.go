package transport

import (
	"net"
	"sync"

	"github.com/pion/rtp"

	"github.com/voxbridge/go-voxbridge/internal/log"
)

const (
	rtpVersion      = 2
	payloadTypePCMU = 0
)

// RTPSender packetizes μ-law audio as RTP over UDP. Each connection ID maps
// to a remote address and carries its own sequence and timestamp state.
// RTP frames are fixed duration, so the sender is framed: the playback
// engine paces it.
type RTPSender struct {
	conn net.PacketConn

	mu      sync.Mutex
	streams map[string]*rtpStream
}

type rtpStream struct {
	addr      net.Addr
	ssrc      uint32
	sequence  uint16
	timestamp uint32
	started   bool
}

var _ Sender = (*RTPSender)(nil)

// NewRTPSender creates a sender that writes packets on conn.
func NewRTPSender(conn net.PacketConn) *RTPSender {
	return &RTPSender{
		conn:    conn,
		streams: make(map[string]*rtpStream),
	}
}

// Register binds a connection ID to its remote RTP address and SSRC.
// Sends to an unregistered connection fail.
func (s *RTPSender) Register(connectionID string, addr net.Addr, ssrc uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[connectionID] = &rtpStream{addr: addr, ssrc: ssrc}
}

// Unregister drops a connection's stream state.
func (s *RTPSender) Unregister(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, connectionID)
}

// Send packetizes one μ-law frame and writes it to the connection's remote
// address. The marker bit is set on the first packet of a stream. The
// timestamp advances by the payload length, one tick per μ-law sample.
func (s *RTPSender) Send(connectionID string, payload []byte) bool {
	if len(payload) == 0 {
		return true
	}

	s.mu.Lock()
	stream, ok := s.streams[connectionID]
	if !ok {
		s.mu.Unlock()
		log.Debug("rtp send to unregistered connection", "connection_id", connectionID)
		return false
	}
	stream.sequence++
	stream.timestamp += uint32(len(payload))
	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        rtpVersion,
			PayloadType:    payloadTypePCMU,
			Marker:         !stream.started,
			SequenceNumber: stream.sequence,
			Timestamp:      stream.timestamp,
			SSRC:           stream.ssrc,
		},
		Payload: payload,
	}
	stream.started = true
	addr := stream.addr
	s.mu.Unlock()

	data, err := packet.Marshal()
	if err != nil {
		log.Error("failed to marshal rtp packet", "error", err, "connection_id", connectionID)
		return false
	}
	if _, err := s.conn.WriteTo(data, addr); err != nil {
		log.Debug("rtp send failed", "error", err, "connection_id", connectionID)
		return false
	}
	return true
}

// Kind reports that RTP packets are paced by the caller. A raw UDP socket
// has no internal buffer to absorb a burst.
func (s *RTPSender) Kind() Kind {
	return KindFramed
}
