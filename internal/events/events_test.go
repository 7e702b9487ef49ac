package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinal-e2ee/internal/events"
)

type recorder struct {
	got []events.Inbound
}

func (r *recorder) HandleSend(m events.SendMessage) error          { r.got = append(r.got, m); return nil }
func (r *recorder) HandleReceipt(m events.Receipt) error           { r.got = append(r.got, m); return nil }
func (r *recorder) HandleTyping(m events.Typing) error             { r.got = append(r.got, m); return nil }
func (r *recorder) HandleGroup(m events.GroupMembership) error     { r.got = append(r.got, m); return nil }
func (r *recorder) HandleSubscription(m events.Subscription) error { r.got = append(r.got, m); return nil }
func (r *recorder) HandlePing(m events.Ping) error                 { r.got = append(r.got, m); return nil }
func (r *recorder) HandlePong(m events.Pong) error                 { r.got = append(r.got, m); return nil }

func TestDecodeDispatchesEveryKind(t *testing.T) {
	id := uuid.New()
	frames := []string{
		`{"type":"message.send","messageId":"c1","data":{"recipientId":"` + id.String() + `","content":"hi"}}`,
		`{"type":"receipt.read","data":{"messageId":"` + id.String() + `"}}`,
		`{"type":"typing.start","data":{"groupId":"` + id.String() + `"}}`,
		`{"type":"group.leave","data":{"groupId":"` + id.String() + `"}}`,
		`{"type":"subscribe","data":{"channel":"channel:group:` + id.String() + `"}}`,
		`{"type":"ping"}`,
		`{"type":"pong"}`,
	}

	rec := &recorder{}
	for _, raw := range frames {
		in, _, err := events.Decode([]byte(raw))
		require.NoError(t, err, raw)
		require.NoError(t, in.Accept(rec))
	}
	require.Len(t, rec.got, len(frames))

	send := rec.got[0].(events.SendMessage)
	assert.Equal(t, "c1", send.Ref)
	assert.Equal(t, id, *send.RecipientID)
	assert.Equal(t, events.TypeReceiptRead, rec.got[1].Kind())
	assert.Equal(t, events.TypeTypingStart, rec.got[2].Kind())
	assert.Equal(t, events.TypeGroupLeave, rec.got[3].Kind())
	assert.Equal(t, events.TypeSubscribe, rec.got[4].Kind())
}

func TestDecodeRejectsMalformed(t *testing.T) {
	id := uuid.New().String()
	cases := map[string]string{
		"not json":          `{"type":`,
		"no data":           `{"type":"message.send"}`,
		"both addressees":   `{"type":"message.send","data":{"recipientId":"` + id + `","groupId":"` + id + `","content":"x"}}`,
		"no addressee":      `{"type":"message.send","data":{"content":"x"}}`,
		"empty content":     `{"type":"message.send","data":{"recipientId":"` + id + `"}}`,
		"receipt no id":     `{"type":"receipt.delivered","data":{}}`,
		"join no group":     `{"type":"group.join","data":{}}`,
		"subscribe no name": `{"type":"subscribe","data":{}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := events.Decode([]byte(raw))
			assert.ErrorIs(t, err, events.ErrMalformedFrame)
		})
	}

	_, f, err := events.Decode([]byte(`{"type":"call.start"}`))
	assert.ErrorIs(t, err, events.ErrUnknownType)
	assert.Equal(t, "call.start", f.Type)
}

func TestParseChannel(t *testing.T) {
	id := uuid.New()

	kind, got, err := events.ParseChannel(events.UserChannel(id))
	require.NoError(t, err)
	assert.Equal(t, events.ChannelUser, kind)
	assert.Equal(t, id, got)

	kind, got, err = events.ParseChannel(events.GroupChannel(id))
	require.NoError(t, err)
	assert.Equal(t, events.ChannelGroup, kind)
	assert.Equal(t, id, got)

	for _, bad := range []string{"", "channel:admin:" + id.String(), "channel:user:nope", "channel:group:" + uuid.Nil.String()} {
		_, _, err := events.ParseChannel(bad)
		assert.Error(t, err, bad)
	}
}

func TestErrorFrameShape(t *testing.T) {
	var f events.Frame
	require.NoError(t, json.Unmarshal(events.ErrorFrame("VALIDATION", "bad", "c9"), &f))
	assert.Equal(t, events.TypeError, f.Type)
	assert.NotZero(t, f.Timestamp)

	var p events.ErrorPayload
	require.NoError(t, json.Unmarshal(f.Data, &p))
	assert.Equal(t, events.ErrorPayload{Code: "VALIDATION", Message: "bad", Ref: "c9"}, p)
}

func TestLocalBrokerFanOut(t *testing.T) {
	b := events.NewLocalBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan events.Delivery, 4)
	for i := 0; i < 2; i++ {
		go func() {
			_ = b.Subscribe(ctx, func(d events.Delivery) {
				select {
				case got <- d:
				default:
				}
			})
		}()
	}

	d := events.Delivery{Channel: events.UserChannel(uuid.New()), Frame: []byte(`{"type":"ping"}`)}
	require.Eventually(t, func() bool {
		if err := b.Publish(ctx, d); err != nil {
			return false
		}
		return len(got) >= 2
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, d, <-got)

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(ctx, d), events.ErrBrokerClosed)
}
