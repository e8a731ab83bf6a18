//go:build tinygo

// Package mqtttrigger implements updatecontroller.Trigger over an MQTT
// subscription: an operator publishing to the check-now topic causes the
// next updatecontroller.TickMs call to fire an immediate version check,
// without waiting for the periodic timer.
package mqtttrigger

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
	mqtt "github.com/soypat/natiu-mqtt"
)

const (
	dialTimeout = 10 * time.Second
	dialRetries = 3
	tcpBufSize  = 1024
	mqttBufSize = 256
)

var topicCheckNow = []byte("fwupdate/check-now")

// Trigger maintains a long-lived MQTT subscription to the check-now topic
// and latches a pending flag whenever a message arrives.
type Trigger struct {
	stack   *xnet.StackAsync
	broker  netip.AddrPort
	logger  *slog.Logger
	client  *mqtt.Client
	conn    tcp.Conn
	pending bool

	rxBuf  [tcpBufSize]byte
	txBuf  [tcpBufSize]byte
	usrBuf [mqttBufSize]byte
}

// New dials the broker and subscribes to the check-now topic. The
// connection is kept open for the lifetime of the Trigger; reconnect is
// the caller's responsibility (cmd/fwupdated calls New once and runs
// without a trigger if it fails).
func New(stack *xnet.StackAsync, broker netip.AddrPort, clientID string, logger *slog.Logger) (*Trigger, error) {
	t := &Trigger{stack: stack, broker: broker, logger: logger}

	if err := t.conn.Configure(tcp.ConnConfig{
		RxBuf:             t.rxBuf[:],
		TxBuf:             t.txBuf[:],
		TxPacketQueueSize: 2,
	}); err != nil {
		return nil, err
	}

	cfg := mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: t.usrBuf[:]},
		OnPub:   t.onMessage,
	}
	t.client = mqtt.NewClient(cfg)

	rstack := stack.StackRetrying(5 * time.Millisecond)
	lport := uint16(stack.Prand32()>>17) + 1024
	if err := rstack.DoDialTCP(&t.conn, lport, broker, dialTimeout, dialRetries); err != nil {
		return nil, err
	}

	var varconn mqtt.VariablesConnect
	id := append([]byte(clientID), '-', 't', 'r', 'i', 'g')
	varconn.SetDefaultMQTT(id)
	t.conn.SetDeadline(time.Now().Add(dialTimeout))
	if err := t.client.StartConnect(&t.conn, &varconn); err != nil {
		t.conn.Abort()
		return nil, err
	}
	for i := 0; i < 50 && !t.client.IsConnected(); i++ {
		time.Sleep(100 * time.Millisecond)
		t.client.HandleNext()
	}

	varSub := mqtt.VariablesSubscribe{
		TopicFilters:     []mqtt.SubscribeRequest{{TopicFilter: topicCheckNow, QoS: mqtt.QoS0}},
		PacketIdentifier: uint16(stack.Prand32()),
	}
	if err := t.client.StartSubscribe(varSub); err != nil {
		t.conn.Abort()
		return nil, err
	}
	logger.Info("mqtttrigger:subscribed", slog.String("topic", string(topicCheckNow)))
	return t, nil
}

// Poll drains pending MQTT traffic and reports and clears a latched
// check-now request. It satisfies updatecontroller.Trigger.
func (t *Trigger) Poll() bool {
	t.client.HandleNext()
	if !t.pending {
		return false
	}
	t.pending = false
	return true
}

func (t *Trigger) onMessage(head mqtt.Header, varPub mqtt.VariablesPublish, r interface {
	Read([]byte) (int, error)
}) error {
	if string(varPub.TopicName) != string(topicCheckNow) {
		return nil
	}
	t.pending = true
	return nil
}
