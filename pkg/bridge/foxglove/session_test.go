package foxglove_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"sensorlink/pkg/bridge/foxglove"
	"sensorlink/pkg/engine"
	"sensorlink/pkg/protocol"
)

type foxgloveSession struct {
	hub      *engine.Hub
	conn     *websocket.Conn
	channels map[string]foxglove.Channel
}

func startFoxgloveSession(t *testing.T, cfg foxglove.Config) *foxgloveSession {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen free port: %v", err)
	}
	cfg.WSAddr = ln.Addr().String()
	_ = ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	hub := engine.NewHub()
	go hub.Run(ctx)

	srv := foxglove.NewServer(cfg, hub, zaptest.NewLogger(t))
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	dialURL := url.URL{Scheme: "ws", Host: cfg.WSAddr, Path: "/"}
	dialer := websocket.Dialer{Subprotocols: []string{"foxglove.websocket.v1"}}

	var conn *websocket.Conn
	for i := 0; i < 80; i++ {
		conn, _, err = dialer.Dial(dialURL.String(), nil)
		if err == nil {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	if err != nil {
		cancel()
		t.Fatalf("dial foxglove websocket: %v", err)
	}

	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("foxglove server run error: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Errorf("timed out waiting for foxglove server shutdown")
		}
	})

	_, infoRaw, err := readWSMessage(conn)
	if err != nil {
		t.Fatalf("read serverInfo: %v", err)
	}
	var info foxglove.ServerInfoMsg
	if err := json.Unmarshal(infoRaw, &info); err != nil {
		t.Fatalf("decode serverInfo json: %v", err)
	}
	if info.Op != foxglove.OpServerInfo {
		t.Fatalf("unexpected first op: %s", info.Op)
	}

	_, advRaw, err := readWSMessage(conn)
	if err != nil {
		t.Fatalf("read advertise: %v", err)
	}
	var adv foxglove.AdvertiseMsg
	if err := json.Unmarshal(advRaw, &adv); err != nil {
		t.Fatalf("decode advertise json: %v", err)
	}

	channels := make(map[string]foxglove.Channel, len(adv.Channels))
	for _, ch := range adv.Channels {
		channels[ch.Topic] = ch
	}
	return &foxgloveSession{hub: hub, conn: conn, channels: channels}
}

func readWSMessage(conn *websocket.Conn) (int, []byte, error) {
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, raw, err := conn.ReadMessage()
	_ = conn.SetReadDeadline(time.Time{})
	return msgType, raw, err
}

func subscribeChannel(t *testing.T, conn *websocket.Conn, subID uint32, channelID uint64) {
	t.Helper()
	msg := foxglove.SubscribeMsg{
		Op:            foxglove.OpSubscribe,
		Subscriptions: []foxglove.Subscription{{ID: subID, ChannelID: channelID}},
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("subscribe channel %d: %v", channelID, err)
	}
	// Subscriptions are applied by the read loop; give it a moment.
	time.Sleep(20 * time.Millisecond)
}

func readBinaryPayloadForSubID(t *testing.T, conn *websocket.Conn, subID uint32) []byte {
	t.Helper()
	for i := 0; i < 40; i++ {
		msgType, frame, err := readWSMessage(conn)
		if err != nil {
			t.Fatalf("read messageData frame: %v", err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if len(frame) < 13 || frame[0] != foxglove.BinaryOpMessageData {
			continue
		}
		if binary.LittleEndian.Uint32(frame[1:5]) != subID {
			continue
		}
		payload := make([]byte, len(frame[13:]))
		copy(payload, frame[13:])
		return payload
	}
	t.Fatalf("did not receive messageData for subscription id %d", subID)
	return nil
}

func TestAdvertisesSensorChannels(t *testing.T) {
	s := startFoxgloveSession(t, foxglove.DefaultConfig())

	for _, topic := range []string{"/sensorlink/snapshot", "/sensorlink/temperature", "/sensorlink/imu", "/sensorlink/motors"} {
		if _, ok := s.channels[topic]; !ok {
			t.Fatalf("missing advertised topic: %s", topic)
		}
	}
	if len(s.channels) != 4 {
		t.Fatalf("expected 4 channels, got %d", len(s.channels))
	}
}

func TestPublishesTemperature(t *testing.T) {
	s := startFoxgloveSession(t, foxglove.DefaultConfig())
	subscribeChannel(t, s.conn, 22, s.channels["/sensorlink/temperature"].ID)

	s.hub.Publish(protocol.Event{
		Node:      "A",
		Timestamp: time.Unix(321, 654),
		Mask:      protocol.MaskTempSensor,
		Payload:   []byte{0x00, 0x00, 0x1A, 0x42},
		Snapshot:  protocol.SensorSnapshot{TempSensor: 38.5},
	})

	payload := readBinaryPayloadForSubID(t, s.conn, 22)
	var rec foxglove.TemperatureMessage
	if err := json.Unmarshal(payload, &rec); err != nil {
		t.Fatalf("decode temperature payload: %v", err)
	}
	if rec.Value != 38.5 || rec.Unit != "C" {
		t.Fatalf("unexpected temperature: %+v", rec)
	}
	if rec.Timestamp.Sec != 321 || rec.Timestamp.Nsec != 654 {
		t.Fatalf("unexpected timestamp: %+v", rec.Timestamp)
	}
}

func TestUnsubscribedChannelIsSilent(t *testing.T) {
	s := startFoxgloveSession(t, foxglove.DefaultConfig())
	subscribeChannel(t, s.conn, 1, s.channels["/sensorlink/imu"].ID)
	subscribeChannel(t, s.conn, 2, s.channels["/sensorlink/snapshot"].ID)

	if err := s.conn.WriteJSON(foxglove.UnsubscribeMsg{Op: foxglove.OpUnsubscribe, SubscriptionIDs: []uint32{1}}); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	s.hub.Publish(protocol.Event{
		Node:     "A",
		Mask:     protocol.MaskIMU,
		Payload:  make([]byte, 24),
		Snapshot: protocol.SensorSnapshot{IMU: [6]float32{1, 2, 3, 4, 5, 6}},
	})

	_, frame, err := readWSMessage(s.conn)
	if err != nil {
		t.Fatalf("read messageData: %v", err)
	}
	if got := binary.LittleEndian.Uint32(frame[1:5]); got != 2 {
		t.Fatalf("expected only the snapshot subscription, got sub %d", got)
	}
	var rec foxglove.SnapshotMessage
	if err := json.Unmarshal(frame[13:], &rec); err != nil {
		t.Fatalf("decode snapshot payload: %v", err)
	}
	if rec.Node != "A" || rec.Snapshot.IMU[5] != 6 {
		t.Fatalf("unexpected snapshot record: %+v", rec)
	}

	if _, frame, err := readWSMessage(s.conn); err == nil {
		t.Fatalf("unexpected message after unsubscribe: % X", frame[:min(len(frame), 13)])
	}
}
