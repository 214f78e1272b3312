package transport

import (
	"net"
	"testing"

	"github.com/pion/rtp"
)

// capturePacketConn records writes without touching the network.
type capturePacketConn struct {
	net.PacketConn
	writes [][]byte
	addrs  []net.Addr
	fail   bool
}

func (c *capturePacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	if c.fail {
		return 0, net.ErrClosed
	}
	c.writes = append(c.writes, append([]byte(nil), p...))
	c.addrs = append(c.addrs, addr)
	return len(p), nil
}

func TestRTPSenderPacketization(t *testing.T) {
	conn := &capturePacketConn{}
	sender := NewRTPSender(conn)
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000}
	sender.Register("conn-1", addr, 0xDEADBEEF)

	frame := make([]byte, 160)
	if !sender.Send("conn-1", frame) {
		t.Fatal("Send() should succeed for a registered connection")
	}
	if !sender.Send("conn-1", frame) {
		t.Fatal("second Send() should succeed")
	}

	if len(conn.writes) != 2 {
		t.Fatalf("expected 2 packets written, got %d", len(conn.writes))
	}

	var first, second rtp.Packet
	if err := first.Unmarshal(conn.writes[0]); err != nil {
		t.Fatalf("first packet does not parse: %v", err)
	}
	if err := second.Unmarshal(conn.writes[1]); err != nil {
		t.Fatalf("second packet does not parse: %v", err)
	}

	if first.SSRC != 0xDEADBEEF {
		t.Errorf("SSRC = %x, want deadbeef", first.SSRC)
	}
	if first.PayloadType != payloadTypePCMU {
		t.Errorf("payload type = %d, want 0 (PCMU)", first.PayloadType)
	}
	if !first.Marker {
		t.Error("first packet of a stream should carry the marker bit")
	}
	if second.Marker {
		t.Error("subsequent packets should not carry the marker bit")
	}
	if second.SequenceNumber != first.SequenceNumber+1 {
		t.Errorf("sequence did not advance: %d then %d", first.SequenceNumber, second.SequenceNumber)
	}
	if second.Timestamp != first.Timestamp+160 {
		t.Errorf("timestamp should advance by payload length: %d then %d", first.Timestamp, second.Timestamp)
	}
	if len(first.Payload) != 160 {
		t.Errorf("payload length = %d, want 160", len(first.Payload))
	}
}

func TestRTPSenderUnregistered(t *testing.T) {
	sender := NewRTPSender(&capturePacketConn{})
	if sender.Send("nope", make([]byte, 160)) {
		t.Error("Send() to an unregistered connection must fail")
	}
}

func TestRTPSenderWriteFailure(t *testing.T) {
	conn := &capturePacketConn{fail: true}
	sender := NewRTPSender(conn)
	sender.Register("conn-1", &net.UDPAddr{IP: net.IPv4zero, Port: 4000}, 1)
	if sender.Send("conn-1", make([]byte, 160)) {
		t.Error("Send() must report a write failure")
	}
}

func TestRTPSenderKind(t *testing.T) {
	if NewRTPSender(&capturePacketConn{}).Kind() != KindFramed {
		t.Error("RTP sender should be framed")
	}
}

func TestMockSender(t *testing.T) {
	m := NewMock(KindFramed)
	m.Send("c1", []byte{1, 2})
	m.Send("c1", []byte{3})

	if got := m.SentBytes("c1"); got != 3 {
		t.Errorf("SentBytes() = %d, want 3", got)
	}

	m.FailAfter(2)
	if m.Send("c1", []byte{4}) {
		t.Error("Send() should fail after the configured count")
	}
	if len(m.Sent("c1")) != 2 {
		t.Errorf("failed send must not be recorded")
	}
}
