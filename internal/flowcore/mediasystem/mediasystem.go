// Package mediasystem implements the process-wide MediaSystem singleton of
// spec §4.1: DTLS context, codec registries, event-loop thread identity,
// global flags, and the current call configuration. Grounded on the
// teacher's manager-with-RWMutex pattern (internal/rtpmanager/session.Manager)
// generalised to a lazily-initialised, reference-counted singleton per
// spec §3 ("Created lazily on first request; destroyed when the last
// reference is dropped").
package mediasystem

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"sync"

	"github.com/sebas/flowcore/internal/flowcore/codec"
	"github.com/sebas/flowcore/internal/flowcore/ferrors"
	"github.com/sebas/flowcore/internal/flowcore/logging"
)

var log = logging.For("mediasystem")

// SRTPProfile is the one whitelisted SRTP profile per spec §3/§6.
const SRTPProfile = "SRTP_AES128_CM_SHA1_80"

// ICEServer is a decoded STUN/TURN server entry from the call config.
type ICEServer struct {
	Scheme      string // "stun" or "turn"
	Transport   string // "udp", "tcp", "tls"
	Address     string
	Username    string
	Credential  string
}

// CallConfig is the current call configuration: ICE servers with credentials.
type CallConfig struct {
	ICEServers []ICEServer
}

// Flags holds the global, rarely-changed behavioural switches of §3.
type Flags struct {
	Loopback      bool
	Privacy       bool
	KASEEnabled   bool
	BindInterface string // empty means "no filter"
}

// DTLSContext stands in for the real DTLS context: a self-signed ECDSA
// P-256 certificate plus the SRTP protection profile; it carries no
// cipher-suite list. The
// actual DTLS handshake implementation is out of scope per spec §1; this
// type only carries what Userflow.Alloc needs to configure a Mediaflow.
type DTLSContext struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
	SRTPProfile string
}

// MediaSystem is the process-wide singleton of spec §4.1.
type MediaSystem struct {
	mu sync.Mutex

	name    string
	started bool
	tid     uint64 // event-loop thread identifier, 0 = unset

	dtls     *DTLSContext
	registry *codec.Registry
	flags    Flags
	config   CallConfig

	// loopMu is the re-entrant event-loop lock of Enter/Leave.
	loopMu     sync.Mutex
	loopHolder uint64
	loopDepth  int
}

var (
	singletonMu sync.Mutex
	singleton   *MediaSystem
	refCount    int
)

// Config carries the construction-time parameters of Get.
type Config struct {
	Loopback      bool
	Privacy       bool
	KASEEnabled   bool
	BindInterface string
}

// Get returns the shared MediaSystem instance, creating it on first call.
// Every call increments the reference count; pair with Release.
func Get(name string, cfg Config) (*MediaSystem, error) {
	singletonMu.Lock()
	defer singletonMu.Unlock()

	if singleton != nil {
		refCount++
		return singleton, nil
	}

	dtls, err := newDTLSContext()
	if err != nil {
		return nil, fmt.Errorf("mediasystem: dtls context: %w", err)
	}

	ms := &MediaSystem{
		name:     name,
		dtls:     dtls,
		registry: codec.NewRegistry(),
		flags: Flags{
			Loopback:      cfg.Loopback,
			Privacy:       cfg.Privacy,
			KASEEnabled:   cfg.KASEEnabled,
			BindInterface: cfg.BindInterface,
		},
	}

	singleton = ms
	refCount = 1
	log.Info("media system created", "name", name)
	return ms, nil
}

// Release drops a reference to the shared instance, tearing it down when
// the last reference is released.
func Release() {
	singletonMu.Lock()
	defer singletonMu.Unlock()

	if singleton == nil {
		return
	}
	refCount--
	if refCount <= 0 {
		log.Info("media system destroyed", "name", singleton.name)
		singleton = nil
		refCount = 0
	}
}

func newDTLSContext() (*DTLSContext, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: selfSignedSerial(),
		Subject:      pkixNameFor("flowcore"),
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	return &DTLSContext{
		Certificate: cert,
		PrivateKey:  key,
		SRTPProfile: SRTPProfile,
	}, nil
}

// Start marks the MediaSystem as started (enables the call-config fetch
// path in FlowManager.New per spec §4.5).
func (ms *MediaSystem) Start() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.started = true
}

// Stop marks the MediaSystem as stopped.
func (ms *MediaSystem) Stop() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.started = false
}

// Started reports whether Start has been called.
func (ms *MediaSystem) Started() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.started
}

// SetTid records the event-loop thread identifier.
func (ms *MediaSystem) SetTid(tid uint64) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.tid = tid
}

// Tid returns the recorded event-loop thread identifier.
func (ms *MediaSystem) Tid() uint64 {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.tid
}

// OnEventLoop reports whether tid is the recorded event-loop thread.
func (ms *MediaSystem) OnEventLoop(tid uint64) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.tid != 0 && ms.tid == tid
}

// Enter acquires the re-entrant event-loop lock when the caller is not
// already the event-loop thread; a no-op when it is. Callers must pair
// every Enter with a Leave, even when Enter was a no-op.
func (ms *MediaSystem) Enter(tid uint64) {
	if ms.OnEventLoop(tid) {
		return
	}
	ms.loopMu.Lock()
	ms.loopHolder = tid
	ms.loopDepth++
}

// Leave releases the lock acquired by a matching Enter.
func (ms *MediaSystem) Leave(tid uint64) {
	if ms.OnEventLoop(tid) {
		return
	}
	ms.loopDepth--
	ms.loopMu.Unlock()
}

// DTLS returns the shared DTLS context.
func (ms *MediaSystem) DTLS() *DTLSContext {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.dtls
}

// Codecs returns the shared codec registry.
func (ms *MediaSystem) Codecs() *codec.Registry {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.registry
}

// Flags returns a copy of the current global flags.
func (ms *MediaSystem) Flags() Flags {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.flags
}

// SetCallConfig ingests the ICE server list, decoding each URI into
// scheme/transport/address/credentials per spec §4.1.
func (ms *MediaSystem) SetCallConfig(raw []RawICEServer) error {
	servers := make([]ICEServer, 0, len(raw))
	for _, r := range raw {
		srv, err := decodeICEServerURI(r.URL, r.Username, r.Credential)
		if err != nil {
			log.Warn("skipping malformed ice server uri", "url", r.URL, "err", err)
			continue
		}
		servers = append(servers, srv)
	}

	ms.mu.Lock()
	ms.config = CallConfig{ICEServers: servers}
	ms.mu.Unlock()
	return nil
}

// CallConfig returns a copy of the current call configuration.
func (ms *MediaSystem) CallConfig() CallConfig {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.config
}

// RawICEServer is the wire shape of one `ice_servers[]` entry from
// GET /calls/config (spec §6).
type RawICEServer struct {
	URL        string
	Username   string
	Credential string
}

func decodeICEServerURI(raw, username, credential string) (ICEServer, error) {
	scheme, rest, ok := cutScheme(raw)
	if !ok {
		return ICEServer{}, ferrors.ErrProtocol
	}
	if scheme != "stun" && scheme != "turn" {
		return ICEServer{}, ferrors.ErrProtocol
	}

	addr, transport := cutTransport(rest)

	return ICEServer{
		Scheme:     scheme,
		Transport:  transport,
		Address:    addr,
		Username:   username,
		Credential: credential,
	}, nil
}

func cutScheme(raw string) (scheme, rest string, ok bool) {
	for i := 0; i < len(raw); i++ {
		if raw[i] == ':' {
			return raw[:i], raw[i+1:], true
		}
	}
	return "", "", false
}

func cutTransport(rest string) (addr, transport string) {
	transport = "udp"
	addr = rest
	if i := indexByte(rest, '?'); i >= 0 {
		addr = rest[:i]
		query := rest[i+1:]
		if len(query) > len("transport=") && query[:len("transport=")] == "transport=" {
			transport = query[len("transport="):]
		}
	}
	return addr, transport
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
