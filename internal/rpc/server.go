package rpc

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/duskmesh/dht/internal/dhtcrypto"
	"github.com/duskmesh/dht/internal/dhterrors"
	"github.com/duskmesh/dht/internal/id"
	"github.com/duskmesh/dht/internal/logging"
	"github.com/duskmesh/dht/internal/routingtable"
	"github.com/duskmesh/dht/internal/wire"
)

// Handler processes an inbound request envelope and returns the
// response body to seal and send back. Returning a non-nil err sends
// a KindError envelope instead.
type Handler func(from routingtable.NodeInfo, req *wire.Envelope) (wire.Map, error)

// Server owns one UDP socket and the encrypted envelope pipeline:
// packet decrypt → envelope decode → request dispatch or call
// correlation, and the reverse on send.
//
// Uses a context/cancel/WaitGroup pair, an RWMutex-guarded map of
// in-flight state, and a background cleanup loop driven by a ticker.
type Server struct {
	conn   *net.UDPConn
	self   id.Id
	crypto *dhtcrypto.CryptoCache
	logger *slog.Logger

	handler     Handler
	receiveHook func(from routingtable.NodeInfo, isResponse bool)

	mu      sync.RWMutex
	pending map[int32]*Call

	reachMu    sync.Mutex
	recvCounts map[id.Id]int

	limiters *limiterCache

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer binds a UDP socket at addr and wires it to crypto for
// per-remote packet encryption and decryption.
func NewServer(addr *net.UDPAddr, self id.Id, crypto *dhtcrypto.CryptoCache, handler Handler, logger *slog.Logger) (*Server, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("rpc: listen %s: %w", addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		conn:       conn,
		self:       self,
		crypto:     crypto,
		logger:     logger.With(slog.String(logging.KeyComponent, "rpc")),
		handler:    handler,
		pending:    make(map[int32]*Call),
		recvCounts: make(map[id.Id]int),
		limiters:   newLimiterCache(),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.wg.Add(1)
	go s.readLoop()
	s.wg.Add(1)
	go s.cleanupLoop()
	return s, nil
}

// SetReceiveHook installs the callback fired for every successfully
// decrypted, decoded inbound message (request or response), before
// dispatch, so the DHT node can run its received() routing-table
// discipline (§4.6) uniformly across both kinds.
func (s *Server) SetReceiveHook(fn func(from routingtable.NodeInfo, isResponse bool)) {
	s.receiveHook = fn
}

// LocalAddr reports the socket's bound address.
func (s *Server) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Close stops the server's goroutines and closes its socket.
func (s *Server) Close() error {
	s.cancel()
	err := s.conn.Close()
	s.wg.Wait()
	return err
}

func newTxID() int32 {
	var b [4]byte
	rand.Read(b[:])
	v := int32(binary.BigEndian.Uint32(b[:]))
	if v == 0 {
		v = 1
	}
	return v
}

// SendCall seals and sends a request envelope to target, registering
// a Call tracked by TxID and reported through onEvent as its state
// changes. Timeout fires CallTimeout after send if no response (or
// matching stall) has landed.
func (s *Server) SendCall(target routingtable.NodeInfo, method wire.Method, body wire.Map, onEvent OnEvent) (*Call, error) {
	txid := newTxID()
	env := &wire.Envelope{
		Kind:    wire.KindRequest,
		Method:  method,
		TxID:    txid,
		Version: target.Version,
		Body:    body,
	}

	call := &Call{
		TxID:    txid,
		Target:  target,
		Request: env,
		State:   Unsent,
		onEvent: onEvent,
	}

	if err := s.send(target, env); err != nil {
		call.transition(Error)
		return call, err
	}

	call.SentAt = time.Now()
	call.transition(Sent)

	s.mu.Lock()
	s.pending[txid] = call
	s.mu.Unlock()

	time.AfterFunc(CallTimeout, func() { s.expireCall(txid) })

	return call, nil
}

// Reply seals and sends a response or error envelope correlated to
// txid back to target.
func (s *Server) Reply(target routingtable.NodeInfo, method wire.Method, txid int32, body wire.Map, isError bool) error {
	kind := wire.KindResponse
	if isError {
		kind = wire.KindError
	}
	env := &wire.Envelope{
		Kind:    kind,
		Method:  method,
		TxID:    txid,
		Version: target.Version,
		Body:    body,
	}
	return s.send(target, env)
}

func (s *Server) send(target routingtable.NodeInfo, env *wire.Envelope) error {
	ctx, err := s.crypto.Get(target.Id)
	if err != nil {
		return fmt.Errorf("rpc: crypto context for %s: %w", target.Id.ShortString(), err)
	}
	plain := env.Encode()
	sealed := ctx.EncryptInto(plain)

	packet := make([]byte, 0, id.Size+len(sealed))
	packet = append(packet, s.self.Bytes()...)
	packet = append(packet, sealed...)

	_, err = s.conn.WriteToUDP(packet, target.Addr)
	return err
}

func (s *Server) expireCall(txid int32) {
	s.mu.Lock()
	call, ok := s.pending[txid]
	if !ok {
		s.mu.Unlock()
		return
	}
	if call.State.IsTerminal() {
		s.mu.Unlock()
		return
	}
	delete(s.pending, txid)
	s.mu.Unlock()

	call.transition(Timeout)
}

func (s *Server) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Debug("read error", logging.KeyError, err)
				continue
			}
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		go s.handlePacket(packet, addr)
	}
}

func (s *Server) handlePacket(packet []byte, addr *net.UDPAddr) {
	if len(packet) < id.Size+dhtcrypto.Overhead {
		return
	}
	var senderID id.Id
	copy(senderID[:], packet[:id.Size])
	if senderID == s.self {
		return
	}

	cryptoCtx, err := s.crypto.Get(senderID)
	if err != nil {
		s.logger.Debug("crypto context failed", logging.KeyPeerID, senderID.ShortString(), logging.KeyError, err)
		return
	}
	plain, err := cryptoCtx.DecryptInto(packet[id.Size:])
	if err != nil {
		s.logger.Debug("decrypt failed", logging.KeyPeerID, senderID.ShortString(), logging.KeyError, err)
		return
	}

	env, err := wire.DecodeEnvelope(plain)
	if err != nil {
		s.logger.Debug("decode failed", logging.KeyPeerID, senderID.ShortString(), logging.KeyError, err)
		return
	}

	s.bumpReachability(senderID)

	from := routingtable.NodeInfo{Id: senderID, Addr: addr, Version: env.Version}

	switch env.Kind {
	case wire.KindRequest:
		if s.receiveHook != nil {
			s.receiveHook(from, false)
		}
		s.dispatchRequest(from, env)
	case wire.KindResponse, wire.KindError:
		s.dispatchResponse(from, env)
	}
}

func (s *Server) dispatchRequest(from routingtable.NodeInfo, env *wire.Envelope) {
	if s.handler == nil {
		return
	}
	if env.TxID == 0 {
		s.logger.Debug("dropping request with zero txid", logging.KeyPeerID, from.Id.ShortString())
		return
	}
	if !s.limiters.Allow(from.Id) {
		s.logger.Debug("rate limit exceeded, dropping request", logging.KeyPeerID, from.Id.ShortString())
		return
	}
	body, err := s.handler(from, env)
	if err != nil {
		s.Reply(from, env.Method, env.TxID, wire.Map{
			wire.KeyErrorCode:    wire.Int32(dhterrors.WireCode(err)),
			wire.KeyErrorMessage: wire.String(err.Error()),
		}, true)
		return
	}
	s.Reply(from, env.Method, env.TxID, body, false)
}

func (s *Server) dispatchResponse(from routingtable.NodeInfo, env *wire.Envelope) {
	s.mu.Lock()
	call, ok := s.pending[env.TxID]
	s.mu.Unlock()

	if !ok || call.State.IsTerminal() {
		return
	}

	if !call.MatchesAddr(from.Addr.String()) {
		// Never a success and never deleted from the pending map here:
		// Stalled isn't terminal (§7), so the call stays reachable by
		// its already-scheduled expireCall and genuinely times out.
		call.transition(Stalled)
		return
	}

	s.mu.Lock()
	delete(s.pending, env.TxID)
	s.mu.Unlock()

	call.Response = env
	if env.Kind == wire.KindError {
		call.transition(Error)
		return
	}
	if s.receiveHook != nil {
		s.receiveHook(from, true)
	}
	call.transition(Responded)
}

func (s *Server) bumpReachability(from id.Id) {
	s.reachMu.Lock()
	s.recvCounts[from]++
	s.reachMu.Unlock()
}

// ReachabilitySnapshot returns and resets the per-peer inbound message
// counts accumulated since the last snapshot, the input the routing
// table's reachability tracking ticks on every interval.
func (s *Server) ReachabilitySnapshot() map[id.Id]int {
	s.reachMu.Lock()
	defer s.reachMu.Unlock()
	snap := s.recvCounts
	s.recvCounts = make(map[id.Id]int)
	return snap
}

// cleanupLoop periodically sweeps the crypto cache for idle contexts.
func (s *Server) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(dhtcrypto.CryptoCacheTTL)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			evicted := s.crypto.Sweep()
			if evicted > 0 {
				s.logger.Debug("evicted idle crypto contexts", logging.KeyCount, evicted)
			}
			if evictedLimiters := s.limiters.sweep(); evictedLimiters > 0 {
				s.logger.Debug("evicted idle rate limiters", logging.KeyCount, evictedLimiters)
			}
		}
	}
}
