// Package bridge links the local bus to a peer over a byte stream (a UART on
// hardware, TCP on the host). It mirrors selected topics to the peer and
// carries the peer's control requests into the local bus.
package bridge

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"audiocode-go/bus"
	"audiocode-go/errcode"
	"audiocode-go/types"
	"audiocode-go/x/strx"
)

var (
	TopicConfig = bus.T("config", "bridge")
	TopicState  = bus.T("bridge", "state")
)

// DefaultForward is mirrored when Config.Forward is empty.
var DefaultForward = []string{"audio/state", "audio/stats", "audio/vad", "audio/capabilities"}

const (
	defaultRequestPrefix = "audio/control"
	defaultPing          = 5 * time.Second
	requestTimeout       = 3 * time.Second
)

// -----------------------------------------------------------------------------
// Public entry point
// -----------------------------------------------------------------------------

type Option func(*Service)

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.log = l } }

// Start runs the bridge until ctx is cancelled. It listens for a Config on
// "config/bridge" and reopens the link on every new one.
func Start(ctx context.Context, conn *bus.Connection, opts ...Option) {
	s := &Service{conn: conn, log: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	s.run(ctx)
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config is published on "config/bridge", as a value or as JSON.
type Config struct {
	Transport TransportConfig `json:"transport"`

	// Forward lists topic patterns mirrored to the peer; wildcards allowed.
	Forward []string `json:"forward,omitempty"`
	// RequestPrefix limits which topics the peer may send requests to.
	RequestPrefix string `json:"request_prefix,omitempty"`
	PingMS        int    `json:"ping_ms,omitempty"`
}

type TransportConfig struct {
	// "uart" is built in; others are added with RegisterTransport.
	Type string      `json:"type"`
	UART *UARTConfig `json:"uart,omitempty"`
	// Addr is used by network transports.
	Addr string `json:"addr,omitempty"`
}

// UARTConfig carries enough for the injected UARTDial to open the port.
type UARTConfig struct {
	Baud  int `json:"baud"`
	RxPin int `json:"rx_pin"` // platform pin numbers
	TxPin int `json:"tx_pin"`
}

// State is published, retained, on "bridge/state".
type State struct {
	Level  string `json:"level"`  // "idle", "up", "degraded", "error"
	Status string `json:"status"` // short machine string
	Error  string `json:"error,omitempty"`
	TS     int64  `json:"ts_ms"`
}

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

type Service struct {
	conn *bus.Connection
	log  *zap.Logger

	mu     sync.Mutex
	curRun context.CancelFunc
	wg     sync.WaitGroup
}

// run waits for config and supervises a single link.
func (s *Service) run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(TopicConfig)
	defer s.conn.Unsubscribe(cfgSub)

	s.publishState("idle", "awaiting_config", nil)

	for {
		select {
		case <-ctx.Done():
			s.stopCurrent()
			return
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				s.publishState("error", "config_subscription_closed", nil)
				s.stopCurrent()
				return
			}
			cfg, err := decodeConfig(msg.Payload)
			if err != nil {
				s.publishState("error", "config_decode_failed", err)
				continue
			}
			s.reconfigure(ctx, cfg)
		}
	}
}

func (s *Service) stopCurrent() {
	s.mu.Lock()
	if s.curRun != nil {
		s.curRun()
		s.curRun = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) reconfigure(parent context.Context, cfg Config) {
	s.stopCurrent()
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.curRun = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLink(ctx, cfg)
	}()
}

// -----------------------------------------------------------------------------
// Link supervision and I/O
// -----------------------------------------------------------------------------

func (s *Service) runLink(ctx context.Context, cfg Config) {
	tr, err := newTransport(cfg.Transport)
	if err != nil {
		s.publishState("error", "transport_init_failed", err)
		return
	}

	backoff := backoffSeq(250*time.Millisecond, 5*time.Second)
	for {
		if ctx.Err() != nil {
			return
		}

		rwc, err := tr.Open(ctx)
		if err != nil {
			delay := backoff()
			s.log.Warn("bridge dial failed", zap.String("transport", tr.String()), zap.Duration("retry", delay), zap.Error(err))
			s.publishState("degraded", "dial_failed_retrying", err)
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		s.log.Info("bridge link up", zap.String("transport", tr.String()))
		s.publishState("up", "link_established", nil)
		err = s.handleLink(ctx, cfg, rwc)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			delay := backoff()
			s.log.Warn("bridge link lost", zap.Duration("retry", delay), zap.Error(err))
			s.publishState("degraded", "link_lost_retrying", err)
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		// Peer closed cleanly: wait for a new config.
		s.publishState("idle", "peer_closed", nil)
		return
	}
}

// handleLink owns the active link until ctx ends, the peer closes or an
// I/O error occurs. The link is closed before it returns.
func (s *Service) handleLink(ctx context.Context, cfg Config, rw io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)

	rd := newFramedReader(rw)
	wr := newFramedWriter(rw)
	errCh := make(chan error, 1)
	fail := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	// Closing rw unblocks the reader; wait for every goroutine after that.
	var wg sync.WaitGroup
	defer wg.Wait()
	defer rw.Close()
	defer cancel()

	// Local topics out to the peer.
	forward := cfg.Forward
	if len(forward) == 0 {
		forward = DefaultForward
	}
	for _, pattern := range forward {
		sub := s.conn.Subscribe(bus.ParseTopic(pattern))
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.conn.Unsubscribe(sub)
			for {
				select {
				case <-ctx.Done():
					return
				case m, ok := <-sub.Channel():
					if !ok {
						return
					}
					if err := s.sendPub(wr, m); err != nil {
						fail(err)
						return
					}
				}
			}
		}()
	}

	// Peer frames in.
	prefix := bus.ParseTopic(strx.Coalesce(cfg.RequestPrefix, defaultRequestPrefix))
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			f, err := rd.ReadFrame()
			if err != nil {
				fail(err)
				return
			}
			switch f.Type {
			case framePing:
				if err := wr.WriteFrame(Frame{Type: framePong}); err != nil {
					fail(err)
					return
				}
			case framePong:
			case frameReq:
				wg.Add(1)
				go func(p []byte) {
					defer wg.Done()
					if err := s.serveRequest(ctx, wr, prefix, p); err != nil {
						fail(err)
					}
				}(f.Payload)
			case frameClose:
				fail(nil)
				return
			default:
				s.log.Debug("bridge: unknown frame", zap.Uint8("type", f.Type))
			}
		}
	}()

	ping := defaultPing
	if cfg.PingMS > 0 {
		ping = time.Duration(cfg.PingMS) * time.Millisecond
	}
	tick := time.NewTicker(ping)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = wr.WriteFrame(Frame{Type: frameClose})
			return nil
		case err := <-errCh:
			return err
		case <-tick.C:
			if err := wr.WriteFrame(Frame{Type: framePing}); err != nil {
				return err
			}
		}
	}
}

// wireMsg is the JSON body of pub, req and reply frames.
type wireMsg struct {
	ID       uint32          `json:"id,omitempty"`
	Topic    string          `json:"topic"`
	Retained bool            `json:"retained,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func (s *Service) sendPub(wr *framedWriter, m *bus.Message) error {
	p, err := json.Marshal(m.Payload)
	if err != nil {
		s.log.Debug("bridge: payload not encodable", zap.String("topic", m.Topic.String()), zap.Error(err))
		return nil
	}
	body, err := json.Marshal(wireMsg{Topic: m.Topic.String(), Retained: m.Retained, Payload: p})
	if err != nil {
		return err
	}
	return wr.WriteFrame(Frame{Type: framePub, Payload: body})
}

// serveRequest forwards one peer request into the bus and writes the reply
// frame. Only a write error is returned; request failures become an
// ErrorReply for the peer.
func (s *Service) serveRequest(ctx context.Context, wr *framedWriter, prefix bus.Topic, body []byte) error {
	var req wireMsg
	var reply any
	if err := json.Unmarshal(body, &req); err != nil {
		reply = types.ErrorReply{Error: string(errcode.InvalidPayload)}
	} else {
		reply = s.forward(ctx, prefix, req)
	}
	p, err := json.Marshal(reply)
	if err != nil {
		p, _ = json.Marshal(types.ErrorReply{Error: string(errcode.Error)})
	}
	out, err := json.Marshal(wireMsg{ID: req.ID, Topic: req.Topic, Payload: p})
	if err != nil {
		return err
	}
	return wr.WriteFrame(Frame{Type: frameReply, Payload: out})
}

func (s *Service) forward(ctx context.Context, prefix bus.Topic, req wireMsg) any {
	topic := bus.ParseTopic(req.Topic)
	if len(topic) != len(prefix)+1 || !topic.HasPrefix(prefix) {
		return types.ErrorReply{Error: string(errcode.InvalidTopic)}
	}
	verb, _ := topic[len(topic)-1].(string)
	payload, err := decodePayload(verb, req.Payload)
	if err != nil {
		return types.ErrorReply{Error: string(errcode.InvalidPayload)}
	}

	rctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	m, err := s.conn.RequestWait(rctx, s.conn.NewMessage(topic, payload, false))
	if err != nil {
		return types.ErrorReply{Error: string(errcode.Of(err))}
	}
	return m.Payload
}

// -----------------------------------------------------------------------------
// Transport registry
// -----------------------------------------------------------------------------

// Transport is a pluggable link dialler.
type Transport interface {
	Open(ctx context.Context) (io.ReadWriteCloser, error)
	String() string
}

type TransportFactory func(TransportConfig) (Transport, error)

var (
	regMu    sync.RWMutex
	registry = map[string]TransportFactory{}
)

// RegisterTransport adds a transport type, eg. "tcp" on the host.
func RegisterTransport(name string, f TransportFactory) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[name] = f
}

func newTransport(cfg TransportConfig) (Transport, error) {
	regMu.RLock()
	f, ok := registry[cfg.Type]
	regMu.RUnlock()
	if ok {
		return f(cfg)
	}
	switch cfg.Type {
	case "uart":
		return newUARTTransport(cfg)
	default:
		return nil, errcode.New(errcode.Unsupported, "bridge.transport", "unknown transport type "+cfg.Type)
	}
}

// UARTDial is injected by platform code. It must return the configured UART
// as an io.ReadWriteCloser.
var UARTDial func(ctx context.Context, u UARTConfig) (io.ReadWriteCloser, error)

type uartTransport struct {
	cfg UARTConfig
}

func newUARTTransport(cfg TransportConfig) (Transport, error) {
	if cfg.UART == nil {
		return nil, errcode.New(errcode.InvalidParams, "bridge.transport", "uart transport requires uart config")
	}
	return &uartTransport{cfg: *cfg.UART}, nil
}

func (u *uartTransport) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	if UARTDial == nil {
		return nil, errcode.New(errcode.Unavailable, "bridge.uart", "no UART dialler on this platform")
	}
	return UARTDial(ctx, u.cfg)
}

func (u *uartTransport) String() string { return "uart" }

// -----------------------------------------------------------------------------
// Framing
// -----------------------------------------------------------------------------

const (
	framePing  byte = 0x01
	framePong  byte = 0x02
	framePub   byte = 0x10
	frameReq   byte = 0x14
	frameReply byte = 0x15
	frameClose byte = 0x7f
)

// Frame is a type byte, a 16-bit big-endian length and the payload.
type Frame struct {
	Type    byte
	Payload []byte
}

type framedReader struct{ r io.Reader }

type framedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newFramedReader(r io.Reader) *framedReader { return &framedReader{r: r} }
func newFramedWriter(w io.Writer) *framedWriter { return &framedWriter{w: w} }

func (fr *framedReader) ReadFrame() (Frame, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		return Frame{}, err
	}
	typ := hdr[0]
	n := int(hdr[1])<<8 | int(hdr[2])
	var buf []byte
	if n > 0 {
		buf = make([]byte, n)
		if _, err := io.ReadFull(fr.r, buf); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Type: typ, Payload: buf}, nil
}

// WriteFrame writes one frame; concurrent callers are serialised.
func (fw *framedWriter) WriteFrame(f Frame) error {
	if len(f.Payload) > 0xFFFF {
		return errcode.New(errcode.Overflow, "bridge.frame", "frame too large")
	}
	buf := make([]byte, 0, 3+len(f.Payload))
	buf = append(buf, f.Type, byte(len(f.Payload)>>8), byte(len(f.Payload)))
	buf = append(buf, f.Payload...)
	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, err := fw.w.Write(buf)
	return err
}

// -----------------------------------------------------------------------------
// Utilities
// -----------------------------------------------------------------------------

func decodeConfig(p any) (Config, error) {
	var cfg Config
	switch v := p.(type) {
	case Config:
		return v, nil
	case *Config:
		if v == nil {
			return cfg, errcode.InvalidPayload
		}
		return *v, nil
	case []byte:
		if err := json.Unmarshal(v, &cfg); err != nil {
			return cfg, errcode.Wrap(errcode.InvalidPayload, "bridge.config", err)
		}
	case string:
		if err := json.Unmarshal([]byte(v), &cfg); err != nil {
			return cfg, errcode.Wrap(errcode.InvalidPayload, "bridge.config", err)
		}
	case map[string]any:
		// Already a decoded object; re-marshal for simplicity.
		b, err := json.Marshal(v)
		if err != nil {
			return cfg, errcode.Wrap(errcode.InvalidPayload, "bridge.config", err)
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, errcode.Wrap(errcode.InvalidPayload, "bridge.config", err)
		}
	default:
		return cfg, errcode.New(errcode.InvalidPayload, "bridge.config", "unsupported config payload type")
	}
	return cfg, nil
}

func (s *Service) publishState(level, status string, err error) {
	st := State{Level: level, Status: status, TS: time.Now().UnixMilli()}
	if err != nil {
		st.Error = err.Error()
	}
	s.conn.Publish(s.conn.NewMessage(TopicState, st, true))
}

func backoffSeq(min, max time.Duration) func() time.Duration {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	cur := min
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
