package sfu

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/ethan/mediabridge-router/pkg/logger"
	"github.com/pion/rtp"
)

// EgressTransport is a plain, unidirectional-outbound UDP RTP/RTCP channel
// to the external NDI bridge. Per OQ-E1, RTP and RTCP are carried on two
// distinct unmuxed sockets, since the wire contract names separate port and
// rtcpPort fields and the bridge is expected to read RTCP on its own port.
//
// comedia semantics: the sink's remote address is not configured up front.
// Since outbound RTP is unidirectional, the only inbound traffic is the
// sink's RTCP receiver reports; the remote tuple is learned from the first
// one of those, and the remote RTP endpoint is derived from it using the
// same (port, port+1) pairing convention this transport's own local ports
// follow. Until learned, outbound writes are dropped.
type EgressTransport struct {
	ID string

	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn

	localIP   string
	rtpPort   int
	rtcpPort  int

	mu         sync.RWMutex
	remoteRTP  *net.UDPAddr
	learned    bool

	closed int32

	log *logger.Logger
}

// newEgressTransport opens the RTP and RTCP sockets on the given local IP
// and acquired port pair.
func newEgressTransport(id, localIP string, rtpPort, rtcpPort int, log *logger.Logger) (*EgressTransport, error) {
	rtpAddr := &net.UDPAddr{IP: net.ParseIP(localIP), Port: rtpPort}
	rtpConn, err := net.ListenUDP("udp", rtpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen rtp udp %s:%d: %w", localIP, rtpPort, err)
	}

	rtcpAddr := &net.UDPAddr{IP: net.ParseIP(localIP), Port: rtcpPort}
	rtcpConn, err := net.ListenUDP("udp", rtcpAddr)
	if err != nil {
		rtpConn.Close()
		return nil, fmt.Errorf("listen rtcp udp %s:%d: %w", localIP, rtcpPort, err)
	}

	t := &EgressTransport{
		ID:       id,
		rtpConn:  rtpConn,
		rtcpConn: rtcpConn,
		localIP:  localIP,
		rtpPort:  rtpPort,
		rtcpPort: rtcpPort,
		log:      log,
	}

	go t.learnFrom(rtpConn)
	go t.learnFrom(rtcpConn)

	return t, nil
}

// learnFrom reads (and discards) inbound datagrams solely to learn the
// sink's source address for comedia. Once learned, subsequent packets from
// a different address do not relearn it; the binding's remote tuple is
// stable for its lifetime, per invariant (c).
func (t *EgressTransport) learnFrom(conn *net.UDPConn) {
	buf := make([]byte, 1500)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n == 0 || addr == nil {
			continue
		}
		if conn != t.rtcpConn {
			continue // RTP is unidirectional outbound; stray packets are ignored
		}
		t.mu.Lock()
		if !t.learned {
			t.remoteRTP = &net.UDPAddr{IP: addr.IP, Port: addr.Port - 1}
			t.learned = true
			t.log.DebugEgressEvent("egress sink learned", "transportId", t.ID, "rtcpAddr", addr.String())
		}
		t.mu.Unlock()
	}
}

// writeRTP sends a bit-exact RTP packet to the learned sink address, if
// any. Silently drops packets before the sink address is learned.
func (t *EgressTransport) writeRTP(pkt *rtp.Packet) {
	t.mu.RLock()
	remote := t.remoteRTP
	t.mu.RUnlock()
	if remote == nil {
		return
	}

	raw, err := pkt.Marshal()
	if err != nil {
		return
	}
	_, _ = t.rtpConn.WriteToUDP(raw, remote)
}

// Tuple returns the local address this transport listens on, for the
// bridge response payload.
func (t *EgressTransport) Tuple() (ip string, port, rtcpPort int) {
	return t.localIP, t.rtpPort, t.rtcpPort
}

// Close releases both sockets. Idempotent.
func (t *EgressTransport) Close() error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return nil
	}
	t.rtpConn.Close()
	t.rtcpConn.Close()
	return nil
}

// EgressBinding is a live pairing of a Producer with an egress Transport and
// its Consumer, materialized on demand by the Egress Bridge Service.
type EgressBinding struct {
	Transport  *EgressTransport
	Consumer   *Consumer
	Producer   *Producer
	StreamID   string
	CreatedAt  int64

	onRelease func()
	closeOnce sync.Once
}

func (b *EgressBinding) close() {
	b.closeOnce.Do(func() {
		b.Consumer.Close()
		b.Transport.Close()
		if b.onRelease != nil {
			b.onRelease()
		}
	})
}
