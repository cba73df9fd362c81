// Package messaging implements the secure messaging client: a
// websocket-transported MQTT-shaped inbox/outbox/broadcast session,
// end-to-end encrypted envelopes, RPC request/response correlation,
// channel invites, and contact sync (§4.7, §6).
package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/duskmesh/dht/internal/dhtcrypto"
	"github.com/duskmesh/dht/internal/dhterrors"
	"github.com/duskmesh/dht/internal/id"
	"github.com/duskmesh/dht/internal/logging"
	"github.com/duskmesh/dht/internal/recovery"
	"github.com/duskmesh/dht/internal/wire"
)

// frame is the envelope that rides each websocket message: a topic
// name plus an opaque payload. No MQTT broker library is available, so
// the broker-facing protocol here is a minimal topic/payload framing
// carried over nhooyr.io/websocket's duplexed connection instead of a
// fabricated MQTT client dependency.
type frame struct {
	Topic   string
	Payload []byte
}

const (
	frameKeyTopic   = "t"
	frameKeyPayload = "p"
)

func encodeFrame(f frame) []byte {
	return wire.Encode(wire.Map{
		frameKeyTopic:   wire.String(f.Topic),
		frameKeyPayload: wire.Bytes(f.Payload),
	})
}

func decodeFrame(buf []byte) (frame, error) {
	m, err := wire.Decode(buf)
	if err != nil {
		return frame{}, dhterrors.Wrap(dhterrors.Protocol, "messaging.decodeFrame", err)
	}
	topic, ok := m[frameKeyTopic].AsString()
	if !ok {
		return frame{}, dhterrors.New(dhterrors.Protocol, "messaging.decodeFrame", "frame missing topic")
	}
	payload, _ := m[frameKeyPayload].AsBytes()
	return frame{Topic: topic, Payload: payload}, nil
}

const (
	// subscribeTopicPrefix marks a frame as a subscription request
	// rather than a payload delivery.
	subscribeTopicPrefix = "$sub:"
)

// Config configures a Client.
type Config struct {
	Session      *Session
	BrokerURL    string
	ContactStore ContactStore
	Logger       *slog.Logger

	// OnMessage is invoked for each decrypted user-to-user message
	// delivered on the inbox topic.
	OnMessage func(env *Envelope, plaintext []byte)
	// OnChannelMessage is invoked for each decrypted channel message.
	OnChannelMessage func(channelID id.Id, env *Envelope, plaintext []byte)
	// OnContactsUpdate is invoked when the server pushes a contacts
	// sync update (§4.7).
	OnContactsUpdate func(update *ContactsUpdate)
	// OnBroadcast is invoked for each envelope delivered on the shared
	// broadcast topic.
	OnBroadcast func(env *Envelope)
}

// Client is one messaging-overlay session: the websocket connection
// to the broker, the RPC pending-call table, and the channel/contact
// state it dispatches inbound traffic against.
type Client struct {
	cfg     Config
	session *Session
	logger  *slog.Logger

	conn    *websocket.Conn
	pending *PendingCalls

	mu       sync.Mutex
	channels map[id.Id]*Channel
	started  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Client bound to cfg. Call Start to dial the broker and
// begin the dispatch loop.
func New(cfg Config) (*Client, error) {
	if cfg.Session == nil {
		return nil, dhterrors.New(dhterrors.Argument, "messaging.New", "config requires a session")
	}
	if cfg.BrokerURL == "" {
		return nil, dhterrors.New(dhterrors.Argument, "messaging.New", "config requires a broker URL")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Client{
		cfg:      cfg,
		session:  cfg.Session,
		logger:   logger.With(slog.String(logging.KeyComponent, "messaging")),
		pending:  NewPendingCalls(),
		channels: make(map[id.Id]*Channel),
	}, nil
}

// Start dials the broker, authenticates with the session's sign-nonce
// password, subscribes to the inbox/outbox/broadcast topics, and
// begins the read dispatch loop.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return dhterrors.New(dhterrors.State, "messaging.Start", "already started")
	}
	c.started = true
	c.mu.Unlock()

	password, err := c.session.AuthPassword()
	if err != nil {
		return dhterrors.Wrap(dhterrors.Crypto, "messaging.Start", err)
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, 10*time.Second)
	defer cancelDial()
	conn, _, err := websocket.Dial(dialCtx, c.cfg.BrokerURL, &websocket.DialOptions{
		HTTPHeader: map[string][]string{
			"X-User-Id":   {c.session.UserId().String()},
			"X-Device-Id": {c.session.DeviceId().String()},
			"X-Auth":      {password},
		},
	})
	if err != nil {
		return dhterrors.Wrap(dhterrors.IO, "messaging.Start", err)
	}
	conn.SetReadLimit(16 * 1024 * 1024)
	c.conn = conn

	runCtx, cancel := context.WithCancel(ctx)
	c.ctx = runCtx
	c.cancel = cancel

	if err := c.publish(subscribeTopicPrefix+c.session.InboxTopic(), nil); err != nil {
		cancel()
		return dhterrors.Wrap(dhterrors.IO, "messaging.Start", err)
	}
	if err := c.publish(subscribeTopicPrefix+c.session.OutboxTopic(), nil); err != nil {
		cancel()
		return dhterrors.Wrap(dhterrors.IO, "messaging.Start", err)
	}
	if err := c.publish(subscribeTopicPrefix+BroadcastTopic, nil); err != nil {
		cancel()
		return dhterrors.Wrap(dhterrors.IO, "messaging.Start", err)
	}
	c.wg.Add(1)
	go c.readLoop()

	if NeedsFullSync(c.cfg.ContactStore) {
		c.logger.Debug("no local contacts version, full sync needed on next API call")
	}

	return nil
}

// Stop cancels the dispatch loop, closes the broker connection, and
// unblocks every pending RPC with an error.
func (c *Client) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	c.pending.CancelAll(dhterrors.New(dhterrors.State, "messaging.Stop", "client stopped"))
	var err error
	if c.conn != nil {
		err = c.conn.Close(websocket.StatusNormalClosure, "stopping")
	}
	c.wg.Wait()
	return err
}

func (c *Client) publish(topic string, payload []byte) error {
	return c.conn.Write(c.ctx, websocket.MessageBinary, encodeFrame(frame{Topic: topic, Payload: payload}))
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer recovery.RecoverWithLog(c.logger, "messaging.readLoop")

	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("broker read failed", logging.KeyError, err)
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		f, err := decodeFrame(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", logging.KeyError, err)
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f frame) {
	switch {
	case f.Topic == c.session.OutboxTopic():
		// §4.7/§9 open question: the owning client does not normally
		// consume its own outbox echo. Acknowledged and dropped here
		// rather than re-delivered to the application.
		c.logger.Debug("outgoing message received on outbox, ignored")
	case f.Topic == c.session.InboxTopic():
		c.dispatchInbox(f.Payload)
	case f.Topic == BroadcastTopic:
		c.dispatchBroadcast(f.Payload)
	default:
		c.logger.Debug("frame on unrecognized topic", "topic", f.Topic)
	}
}

func (c *Client) dispatchInbox(payload []byte) {
	env, err := DecodeEnvelope(payload)
	if err != nil {
		c.logger.Warn("dropping malformed envelope", logging.KeyError, err)
		return
	}

	body := env.Body
	if env.RequiresEncryption(c.session.HomePeer) {
		plain, err := c.openEnvelopeBody(env)
		if err != nil {
			c.logger.Warn("dropping envelope with undecryptable body",
				logging.KeyError, err, "from", env.From.ShortString())
			return
		}
		body = plain
	}

	switch env.Type {
	case TypeCall:
		c.handleCallResponse(env, body)
	case TypeNotification:
		c.handleNotification(env, body)
	default:
		c.mu.Lock()
		_, isChannel := c.channels[env.To]
		c.mu.Unlock()
		if isChannel {
			if c.cfg.OnChannelMessage != nil {
				c.cfg.OnChannelMessage(env.To, env, body)
			}
			return
		}
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(env, body)
		}
	}
}

func (c *Client) dispatchBroadcast(payload []byte) {
	env, err := DecodeEnvelope(payload)
	if err != nil {
		c.logger.Warn("dropping malformed broadcast envelope", logging.KeyError, err)
		return
	}
	if c.cfg.OnBroadcast != nil {
		c.cfg.OnBroadcast(env)
	}
}

// openEnvelopeBody decrypts env.Body under the key pair appropriate to
// its addressing: a channel session key if To names a known channel,
// this user's own session key for a direct user-to-user message (the
// counterpart of the contact session key the sender encrypted under,
// §4.7), or the local device identity box key for RPC calls and
// notifications (both sides derive these symmetrically from the
// peer's Id, so no stored key material is needed).
func (c *Client) openEnvelopeBody(env *Envelope) ([]byte, error) {
	senderPub, err := id.IdToBoxPublicKey(env.From)
	if err != nil {
		return nil, dhterrors.Wrap(dhterrors.Crypto, "messaging.openEnvelopeBody", err)
	}

	c.mu.Lock()
	channel, isChannel := c.channels[env.To]
	c.mu.Unlock()

	if isChannel && channel.SessionKeyPair != nil {
		return DecryptBody(channel.SessionKeyPair.PrivateKey, senderPub, env.Body)
	}

	if env.Type == TypeMessage {
		if c.session.SessionKeyPair == nil {
			return nil, dhterrors.New(dhterrors.State, "messaging.openEnvelopeBody",
				"session has no session keypair configured to decrypt direct messages")
		}
		return DecryptBody(c.session.SessionKeyPair.PrivateKey, senderPub, env.Body)
	}

	localPriv, err := c.deviceBoxPrivateKey()
	if err != nil {
		return nil, err
	}
	return DecryptBody(localPriv, senderPub, env.Body)
}

func (c *Client) deviceBoxPrivateKey() ([dhtcrypto.BoxKeySize]byte, error) {
	kp, err := dhtcrypto.BoxKeyPairFromSigningKeyPair(c.session.DeviceIdentity)
	if err != nil {
		return [dhtcrypto.BoxKeySize]byte{}, err
	}
	return kp.PrivateKey, nil
}

func (c *Client) handleCallResponse(env *Envelope, body []byte) {
	if !c.pending.Resolve(env.ID, body) {
		c.logger.Debug("unmatched RPC response id, dropping", "id", env.ID)
	}
}

func (c *Client) handleNotification(env *Envelope, body []byte) {
	update, err := decodeContactsUpdate(body)
	if err == nil {
		if c.cfg.ContactStore != nil {
			if mergeErr := MergeContacts(c.cfg.ContactStore, update); mergeErr != nil {
				c.logger.Warn("contacts merge failed", logging.KeyError, mergeErr)
				return
			}
		}
		if c.cfg.OnContactsUpdate != nil {
			c.cfg.OnContactsUpdate(update)
		}
		return
	}
	c.logger.Debug("unrecognized notification body", "from", env.From.ShortString())
}

// RegisterChannel makes ch's session key available to the dispatch
// loop for decrypting inbound channel messages addressed to ch.ID.
func (c *Client) RegisterChannel(ch *Channel) {
	c.mu.Lock()
	c.channels[ch.ID] = ch
	c.mu.Unlock()
}

// Call issues an RPC over the messaging overlay: it publishes an
// encrypted TypeCall envelope on the outbox topic and blocks until the
// matching response arrives on the inbox topic or RPCTimeout elapses
// (§4.7, §5).
func (c *Client) Call(to id.Id, method string, body []byte) ([]byte, error) {
	recipientPub, err := id.IdToBoxPublicKey(to)
	if err != nil {
		return nil, dhterrors.Wrap(dhterrors.Crypto, "messaging.Call", err)
	}
	senderPriv, err := c.deviceBoxPrivateKey()
	if err != nil {
		return nil, err
	}
	cipher, err := EncryptBody(senderPriv, recipientPub, body)
	if err != nil {
		return nil, err
	}

	req := &Request{ID: c.pending.NextID(), To: to, Method: method, Body: body}
	c.pending.Register(req)

	env := &Envelope{
		Version: EnvelopeVersion,
		From:    c.session.DeviceId(),
		To:      to,
		ID:      req.ID,
		Type:    TypeCall,
		Created: time.Now(),
		Body:    cipher,
	}
	if err := c.publish(c.session.OutboxTopic(), env.Encode()); err != nil {
		c.pending.Reject(req.ID, err)
		return nil, dhterrors.Wrap(dhterrors.IO, "messaging.Call", err)
	}
	return c.pending.Await(req)
}

// SendMessage encrypts plaintext under the recipient contact's session
// key and publishes it as a TypeMessage envelope (§4.7: "User->user
// messages: body encrypted under sender's private key and the
// recipient's session public key"). The recipient decrypts with the
// matching DH pair: their own session private key and this sender's
// device identity public key (openEnvelopeBody's TypeMessage branch).
func (c *Client) SendMessage(contact *Contact, plaintext []byte) error {
	senderPriv, err := c.deviceBoxPrivateKey()
	if err != nil {
		return err
	}
	cipher, err := EncryptBody(senderPriv, contact.SessionKey, plaintext)
	if err != nil {
		return err
	}
	env := &Envelope{
		Version: EnvelopeVersion,
		From:    c.session.DeviceId(),
		To:      contact.ID,
		ID:      c.pending.NextID(),
		Type:    TypeMessage,
		Created: time.Now(),
		Body:    cipher,
	}
	return c.publish(c.session.OutboxTopic(), env.Encode())
}

// SendChannelMessage encrypts plaintext under the channel's session
// key and publishes it addressed to the channel id (§4.7: "Channel
// messages: encrypted under sender's private key and the channel
// session public key").
func (c *Client) SendChannelMessage(ch *Channel, plaintext []byte) error {
	senderPriv, err := c.deviceBoxPrivateKey()
	if err != nil {
		return err
	}
	cipher, err := EncryptBody(senderPriv, ch.SessionKeyPair.PublicKey, plaintext)
	if err != nil {
		return err
	}
	env := &Envelope{
		Version: EnvelopeVersion,
		From:    c.session.DeviceId(),
		To:      ch.ID,
		ID:      c.pending.NextID(),
		Type:    TypeMessage,
		Created: time.Now(),
		Body:    cipher,
	}
	return c.publish(c.session.OutboxTopic(), env.Encode())
}
