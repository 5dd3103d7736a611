package foxglove

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sensorlink/pkg/engine"
	"sensorlink/pkg/protocol"
)

const (
	subprotocol     = "foxglove.websocket.v1"
	shutdownTimeout = 5 * time.Second

	motorsMask = protocol.MaskMotorEncoders | protocol.MaskHomeSwitches | protocol.MaskPotentiometers
)

type Server struct {
	cfg      Config
	hub      *engine.Hub
	logger   *zap.Logger
	channels []Channel
	clients  map[*client]struct{}
	mu       sync.RWMutex
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	subs map[uint32]uint64
	mu   sync.RWMutex
	once sync.Once
}

func NewServer(cfg Config, hub *engine.Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Server{
		cfg:      cfg,
		hub:      hub,
		logger:   logger.Named("foxglove"),
		channels: cfg.Channels(),
		clients:  make(map[*client]struct{}),
	}
}

// Run serves WebSocket clients on cfg.WSAddr and forwards hub events until
// ctx is done.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)

	httpServer := &http.Server{
		Addr:              s.cfg.WSAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sub := s.hub.Subscribe()
	go s.broadcastLoop(ctx, sub)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	s.logger.Info("listening", zap.String("addr", s.cfg.WSAddr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
		s.closeClients()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("foxglove listen %s: %w", s.cfg.WSAddr, err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{subprotocol},
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	c := newClient(conn, s.cfg.SendBuf)
	s.addClient(c)
	s.logger.Debug("client connected", zap.String("remote", r.RemoteAddr))

	if err := conn.WriteJSON(s.serverInfo()); err != nil {
		c.close()
		s.removeClient(c)
		return
	}
	if err := conn.WriteJSON(s.advertise()); err != nil {
		c.close()
		s.removeClient(c)
		return
	}

	go c.writeLoop()
	c.readLoop(s.supportedChannels())

	c.close()
	s.removeClient(c)
	s.logger.Debug("client disconnected", zap.String("remote", r.RemoteAddr))
}

func (s *Server) supportedChannels() map[uint64]struct{} {
	out := make(map[uint64]struct{}, len(s.channels))
	for _, ch := range s.channels {
		out[ch.ID] = struct{}{}
	}
	return out
}

func (s *Server) serverInfo() ServerInfoMsg {
	return ServerInfoMsg{
		Op:                 OpServerInfo,
		Name:               s.cfg.Name,
		Capabilities:       []string{},
		SupportedEncodings: []string{},
		SessionID:          fmt.Sprintf("%d", time.Now().UTC().UnixNano()),
	}
}

func (s *Server) advertise() AdvertiseMsg {
	channels := make([]Channel, len(s.channels))
	copy(channels, s.channels)
	return AdvertiseMsg{Op: OpAdvertise, Channels: channels}
}

func (s *Server) broadcastLoop(ctx context.Context, sub <-chan protocol.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			s.broadcastEvent(ev)
		}
	}
}

func (s *Server) broadcastEvent(ev protocol.Event) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	s.publishJSONToChannel(ChannelSnapshot, ts, snapshotMessage(ev, ts))
	if msg, ok := s.temperatureFromEvent(ev, ts); ok {
		s.publishJSONToChannel(ChannelTemperature, ts, msg)
	}
	if msg, ok := imuFromEvent(ev, ts); ok {
		s.publishJSONToChannel(ChannelIMU, ts, msg)
	}
	if msg, ok := motorsFromEvent(ev, ts); ok {
		s.publishJSONToChannel(ChannelMotors, ts, msg)
	}
}

func (s *Server) publishJSONToChannel(channelID uint64, ts time.Time, message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		s.logger.Warn("marshal message", zap.Uint64("channel", channelID), zap.Error(err))
		return
	}

	logTime := uint64(ts.UnixNano())
	for _, c := range s.snapshotClients() {
		for _, subID := range c.subIDsForChannel(channelID) {
			c.trySend(EncodeMessageData(subID, logTime, payload))
		}
	}
}

func snapshotMessage(ev protocol.Event, ts time.Time) SnapshotMessage {
	return SnapshotMessage{
		Node:       ev.Node,
		TS:         ts.UTC().Format(time.RFC3339Nano),
		Mask:       ev.Mask.String(),
		Fields:     ev.Mask.Names(),
		PayloadHex: hex.EncodeToString(ev.Payload),
		Data:       ev.Snapshot.Selected(ev.Mask),
		Snapshot:   ev.Snapshot,
	}
}

func (s *Server) temperatureFromEvent(ev protocol.Event, ts time.Time) (TemperatureMessage, bool) {
	if !ev.Mask.Has(protocol.FieldTempSensor) {
		return TemperatureMessage{}, false
	}
	return TemperatureMessage{
		Timestamp: frameTime(ts),
		Value:     float64(ev.Snapshot.TempSensor),
		Unit:      s.cfg.TempUnit,
	}, true
}

func imuFromEvent(ev protocol.Event, ts time.Time) (IMUMessage, bool) {
	if !ev.Mask.Has(protocol.FieldIMU) {
		return IMUMessage{}, false
	}
	v := ev.Snapshot.IMU
	return IMUMessage{
		Timestamp: frameTime(ts),
		Accel:     Vector3{X: float64(v[0]), Y: float64(v[1]), Z: float64(v[2])},
		Gyro:      Vector3{X: float64(v[3]), Y: float64(v[4]), Z: float64(v[5])},
	}, true
}

func motorsFromEvent(ev protocol.Event, ts time.Time) (MotorsMessage, bool) {
	if ev.Mask&motorsMask == 0 {
		return MotorsMessage{}, false
	}
	msg := MotorsMessage{Timestamp: frameTime(ts)}
	if ev.Mask.Has(protocol.FieldMotorEncoders) {
		v := ev.Snapshot.MotorEncoders
		msg.Encoders = v[:]
	}
	if ev.Mask.Has(protocol.FieldHomeSwitches) {
		v := ev.Snapshot.HomeSwitches
		msg.HomeSwitches = v[:]
	}
	if ev.Mask.Has(protocol.FieldPotentiometers) {
		v := ev.Snapshot.Potentiometers
		msg.Potentiometers = v[:]
	}
	return msg, true
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) closeClients() {
	for _, c := range s.snapshotClients() {
		c.close()
	}
}

func (s *Server) snapshotClients() []*client {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	return clients
}

func newClient(conn *websocket.Conn, sendBuf int) *client {
	if sendBuf <= 0 {
		sendBuf = DefaultConfig().SendBuf
	}
	return &client{
		conn: conn,
		send: make(chan []byte, sendBuf),
		subs: make(map[uint32]uint64),
	}
}

func (c *client) readLoop(supportedChannels map[uint64]struct{}) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var header struct {
			Op string `json:"op"`
		}
		if err := json.Unmarshal(data, &header); err != nil {
			continue
		}

		switch header.Op {
		case OpSubscribe:
			var msg SubscribeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			for _, sub := range msg.Subscriptions {
				if _, ok := supportedChannels[sub.ChannelID]; ok {
					c.addSub(sub.ID, sub.ChannelID)
				}
			}
		case OpUnsubscribe:
			var msg UnsubscribeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			for _, id := range msg.SubscriptionIDs {
				c.removeSub(id)
			}
		}
	}
}

func (c *client) writeLoop() {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			c.close()
			return
		}
	}
}

// trySend drops msg when the client's queue is full. The recover covers a
// send racing close.
func (c *client) trySend(msg []byte) {
	defer func() {
		_ = recover()
	}()
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) addSub(id uint32, channelID uint64) {
	c.mu.Lock()
	c.subs[id] = channelID
	c.mu.Unlock()
}

func (c *client) removeSub(id uint32) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

func (c *client) subIDsForChannel(channelID uint64) []uint32 {
	c.mu.RLock()
	ids := make([]uint32, 0, len(c.subs))
	for id, ch := range c.subs {
		if ch == channelID {
			ids = append(ids, id)
		}
	}
	c.mu.RUnlock()
	return ids
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}
