package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"meshlink/internal/proto"
)

const alpnProto = "meshlink-quic"

// DefaultLinkMTU mimics a radio link's usable frame size so fragmentation is
// exercised even on the development transport.
const DefaultLinkMTU = 1024

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert builds the deterministic self-signed certificate the dev
// transport runs on. Frame payloads carry their own end-to-end encryption;
// this TLS layer only satisfies QUIC's handshake requirement.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("meshlink-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProto},
	}, nil
}

func clientTLSConfig(insecure bool) (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	if insecure {
		return &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{alpnProto},
		}, nil
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{alpnProto},
	}, nil
}

type quicLink struct {
	conn   *quic.Conn
	stream *quic.Stream
	ip     string
	wmu    sync.Mutex
}

type QUICConfig struct {
	Events          Events
	Logger          *zap.Logger
	MTU             int
	MaxConnsPerIP   int
	MaxStreamsPerIP int
	Insecure        bool
}

// QUIC carries frames over persistent bidirectional QUIC streams, one per
// peer link, length-prefixed with the shared frame codec.
type QUIC struct {
	mu       sync.Mutex
	cfg      QUICConfig
	log      *zap.Logger
	limiter  *ipLimiter
	listener *quic.Listener
	links    map[LinkID]*quicLink
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewQUIC(cfg QUICConfig) *QUIC {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultLinkMTU
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &QUIC{
		cfg:     cfg,
		log:     cfg.Logger,
		limiter: newIPLimiter(cfg.MaxConnsPerIP, cfg.MaxStreamsPerIP),
		links:   make(map[LinkID]*quicLink),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Listen starts accepting inbound links. It returns once the listener is
// bound; accepted links surface through the Events callbacks.
func (q *QUIC) Listen(addr string) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return fmt.Errorf("quic listen: %w", err)
	}
	q.mu.Lock()
	q.listener = listener
	q.mu.Unlock()
	q.log.Info("quic listening", zap.String("addr", addr))

	q.wg.Add(1)
	go q.acceptLoop(listener)
	return nil
}

func (q *QUIC) acceptLoop(listener *quic.Listener) {
	defer q.wg.Done()
	for {
		conn, err := listener.Accept(q.ctx)
		if err != nil {
			q.log.Debug("quic accept ended", zap.Error(err))
			return
		}
		ip := remoteIP(conn.RemoteAddr())
		if !q.limiter.acquireConn(ip) {
			q.log.Warn("connection limit reached", zap.String("ip", ip))
			_ = conn.CloseWithError(1, "connection limit")
			continue
		}
		q.wg.Add(1)
		go q.serveConn(conn, ip)
	}
}

func (q *QUIC) serveConn(conn *quic.Conn, ip string) {
	defer q.wg.Done()
	defer q.limiter.releaseConn(ip)
	stream, err := conn.AcceptStream(q.ctx)
	if err != nil {
		q.log.Debug("quic accept stream failed", zap.Error(err))
		_ = conn.CloseWithError(0, "")
		return
	}
	if !q.limiter.acquireStream(ip) {
		q.log.Warn("stream limit reached", zap.String("ip", ip))
		_ = conn.CloseWithError(1, "stream limit")
		return
	}
	defer q.limiter.releaseStream(ip)
	q.runLink(conn, stream, ip)
}

// Dial opens an outbound link and starts its read loop. ready, when set,
// runs with the link id before the link-up event can fire, so the caller can
// record that it initiated this link.
func (q *QUIC) Dial(ctx context.Context, addr string, ready func(LinkID)) (LinkID, error) {
	tlsConf, err := clientTLSConfig(q.cfg.Insecure)
	if err != nil {
		return "", err
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return "", fmt.Errorf("quic dial: %w", err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return "", fmt.Errorf("quic open stream: %w", err)
	}
	link := linkIDFor(conn)
	if ready != nil {
		ready(link)
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.runLink(conn, stream, remoteIP(conn.RemoteAddr()))
	}()
	return link, nil
}

// runLink registers the link, reads frames until the stream dies, then
// tears the link down.
func (q *QUIC) runLink(conn *quic.Conn, stream *quic.Stream, ip string) {
	link := linkIDFor(conn)
	l := &quicLink{conn: conn, stream: stream, ip: ip}

	q.mu.Lock()
	if _, dup := q.links[link]; dup {
		q.mu.Unlock()
		q.log.Warn("duplicate link", zap.String("link", string(link)))
		_ = conn.CloseWithError(1, "duplicate link")
		return
	}
	q.links[link] = l
	q.mu.Unlock()

	if q.cfg.Events.OnLinkUp != nil {
		q.cfg.Events.OnLinkUp(link, q.cfg.MTU)
	}
	q.log.Info("link up", zap.String("link", string(link)))

	for {
		frame, err := proto.ReadFrame(stream)
		if err != nil {
			q.log.Debug("link read ended", zap.String("link", string(link)), zap.Error(err))
			break
		}
		if q.cfg.Events.OnFrame != nil {
			q.cfg.Events.OnFrame(link, frame)
		}
	}

	q.mu.Lock()
	delete(q.links, link)
	q.mu.Unlock()
	_ = conn.CloseWithError(0, "")
	if q.cfg.Events.OnLinkDown != nil {
		q.cfg.Events.OnLinkDown(link)
	}
	q.log.Info("link down", zap.String("link", string(link)))
}

func (q *QUIC) Send(link LinkID, frame []byte) error {
	q.mu.Lock()
	l, ok := q.links[link]
	q.mu.Unlock()
	if !ok {
		return ErrLinkDown
	}
	if len(frame) > q.cfg.MTU {
		return fmt.Errorf("frame of %d bytes exceeds mtu %d", len(frame), q.cfg.MTU)
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	return proto.WriteFrame(l.stream, frame)
}

func (q *QUIC) MTU(LinkID) int {
	return q.cfg.MTU
}

func (q *QUIC) Close() error {
	q.cancel()
	q.mu.Lock()
	if q.listener != nil {
		_ = q.listener.Close()
	}
	links := make([]*quicLink, 0, len(q.links))
	for _, l := range q.links {
		links = append(links, l)
	}
	q.mu.Unlock()
	for _, l := range links {
		_ = l.conn.CloseWithError(0, "shutdown")
	}
	q.wg.Wait()
	return nil
}

func linkIDFor(conn *quic.Conn) LinkID {
	return LinkID("quic:" + conn.RemoteAddr().String())
}

func remoteIP(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
