package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/wneessen/go-mail"

	"github.com/oshokin/lab-monitor/internal/config"
)

var errTestSend = errors.New("test send error")

// recordingNotifier captures events and returns a preset error.
type recordingNotifier struct {
	// mu protects events.
	mu sync.Mutex
	// events holds every event received.
	events []Event
	// err is returned from Notify.
	err error
}

// Notify records the event.
func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)

	return r.err
}

// TestMulti_DeliversToAllAndJoinsErrors checks that one failing transport does not stop the others.
func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	t.Parallel()

	failing := &recordingNotifier{err: errTestSend}
	working := &recordingNotifier{}

	err := Multi{failing, working}.Notify(context.Background(), Event{Subject: "Face Detection Alert"})

	require.ErrorIs(t, err, errTestSend)
	require.Len(t, failing.events, 1)
	require.Len(t, working.events, 1)
}

// TestCombine picks Log, the single notifier, or Multi.
func TestCombine(t *testing.T) {
	t.Parallel()

	require.IsType(t, Log{}, Combine())

	single := new(recordingNotifier)
	require.Same(t, single, Combine(single))

	require.IsType(t, Multi{}, Combine(single, new(recordingNotifier)))
	require.NoError(t, Combine().Notify(context.Background(), Event{Subject: "x"}))
}

// fakeSender captures mail messages.
type fakeSender struct {
	// sent holds the messages passed to DialAndSendWithContext.
	sent []*mail.Msg
	// err is returned from DialAndSendWithContext.
	err error
}

// DialAndSendWithContext records the messages.
func (f *fakeSender) DialAndSendWithContext(_ context.Context, messages ...*mail.Msg) error {
	f.sent = append(f.sent, messages...)

	return f.err
}

// TestMailer_Notify checks the message built for an alert.
func TestMailer_Notify(t *testing.T) {
	t.Parallel()

	sender := new(fakeSender)
	m := newMailer(sender, "camera@example.com", []string{"ops@example.com", "lab@example.com"})

	err := m.Notify(context.Background(), Event{
		Topic:   "face",
		Subject: "Face Detection Alert",
		Body:    "Detection event:\n\n[]",
		Time:    time.Now(),
	})
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)

	msg := sender.sent[0]
	require.Equal(t, []string{"Face Detection Alert"}, msg.GetGenHeader(mail.HeaderSubject))

	recipients, err := msg.GetRecipients()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"ops@example.com", "lab@example.com"}, recipients)
}

// TestMailer_Errors covers a bad sender address and a transport failure.
func TestMailer_Errors(t *testing.T) {
	t.Parallel()

	sender := new(fakeSender)

	m := newMailer(sender, "not an address", []string{"ops@example.com"})
	require.Error(t, m.Notify(context.Background(), Event{Subject: "x"}))
	require.Empty(t, sender.sent)

	sender.err = errTestSend
	m = newMailer(sender, "camera@example.com", []string{"ops@example.com"})
	require.ErrorIs(t, m.Notify(context.Background(), Event{Subject: "x"}), errTestSend)

	_, err := NewMailer(config.Mail{})
	require.ErrorIs(t, err, errMailNotConfigured)
}

// fakeToken is a completed mqtt.Token.
type fakeToken struct {
	// done is closed when the publish completes.
	done chan struct{}
	// err is the publish error.
	err error
}

func newFakeToken(err error) *fakeToken {
	done := make(chan struct{})
	close(done)

	return &fakeToken{done: done, err: err}
}

func (f *fakeToken) Wait() bool {
	<-f.done

	return true
}

func (f *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (f *fakeToken) Done() <-chan struct{}          { return f.done }
func (f *fakeToken) Error() error                   { return f.err }

// fakeMQTT records publishes.
type fakeMQTT struct {
	// open is returned from IsConnectionOpen.
	open bool
	// topics and payloads record publish calls.
	topics   []string
	payloads [][]byte
	// err is the publish error reported by the token.
	err error
}

func (f *fakeMQTT) IsConnectionOpen() bool { return f.open }
func (f *fakeMQTT) Disconnect(uint)        {}

//nolint:ireturn // Mirrors the paho client signature.
func (f *fakeMQTT) Publish(topic string, _ byte, _ bool, payload any) mqtt.Token {
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload.([]byte))

	return newFakeToken(f.err)
}

// TestMQTTPublisher_Notify checks topic composition and both payload formats.
func TestMQTTPublisher_Notify(t *testing.T) {
	t.Parallel()

	event := Event{Topic: "person", Subject: "Person Detection Alert", Body: "body", Time: time.Unix(1700000000, 0)}

	client := &fakeMQTT{open: true}
	p := newMQTTPublisher(client, config.MQTT{Topic: "lab/alerts", PayloadFormat: config.PayloadJSON, Timeout: time.Second})

	require.NoError(t, p.Notify(context.Background(), event))
	require.Equal(t, []string{"lab/alerts/person"}, client.topics)

	var decoded alertPayload
	require.NoError(t, json.Unmarshal(client.payloads[0], &decoded))
	require.Equal(t, event.Subject, decoded.Subject)

	client = &fakeMQTT{open: true}
	p = newMQTTPublisher(client, config.MQTT{Topic: "lab/alerts", PayloadFormat: config.PayloadMsgpack, Timeout: time.Second})

	require.NoError(t, p.Notify(context.Background(), event))

	decoded = alertPayload{}
	require.NoError(t, msgpack.Unmarshal(client.payloads[0], &decoded))
	require.Equal(t, event.Body, decoded.Body)
	require.True(t, event.Time.Equal(decoded.Time))
}

// TestMQTTPublisher_Errors covers a closed connection and a broker-side failure.
func TestMQTTPublisher_Errors(t *testing.T) {
	t.Parallel()

	p := newMQTTPublisher(&fakeMQTT{open: false}, config.MQTT{Timeout: time.Second})
	require.ErrorIs(t, p.Notify(context.Background(), Event{}), errMQTTNotConnected)

	p = newMQTTPublisher(&fakeMQTT{open: true, err: errTestSend}, config.MQTT{Timeout: time.Second})
	require.ErrorIs(t, p.Notify(context.Background(), Event{}), errTestSend)
}
