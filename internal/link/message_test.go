package link

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageWireShape(t *testing.T) {
	old := "false"
	cases := []struct {
		name string
		msg  Message
		want string
	}{
		{"refresh", RefreshRequest(7), `{"refreshRequested":true,"token":7}`},
		{"delta", SettingDelta("hide_countdown", "true", &old), `{"key":"hide_countdown","newValue":"true","oldValue":"false"}`},
		{"new key", SettingDelta("url0", "x", nil), `{"key":"url0","newValue":"x"}`},
		{"restore", RestoreDelta("url0", "x"), `{"key":"url0","newValue":"x","restore":true}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := tc.msg.Encode()
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(data))

			back, err := DecodeMessage(data)
			require.NoError(t, err)
			assert.Equal(t, tc.msg, back)
		})
	}
}

func TestMessageIsSetting(t *testing.T) {
	assert.True(t, SettingDelta("user", "", nil).IsSetting())
	assert.False(t, RefreshRequest(1).IsSetting())
	assert.False(t, Message{}.IsSetting())
}

func TestMessageSizeLimit(t *testing.T) {
	big := SettingDelta("url0", strings.Repeat("x", MaxMessageSize), nil)
	_, err := big.Encode()
	assert.ErrorIs(t, err, ErrMessageTooLarge)

	_, err = DecodeMessage([]byte(`{"key":"` + strings.Repeat("x", MaxMessageSize) + `"}`))
	assert.ErrorIs(t, err, ErrMessageTooLarge)

	_, err = DecodeMessage([]byte(`{"key":`))
	assert.Error(t, err)
}

func TestPipeRefusesOversizedAndClosedSends(t *testing.T) {
	aLoop, bLoop := NewLoop(4), NewLoop(4)
	a, b := Pipe(aLoop, bLoop)
	h := &recordingHandler{}
	b.Bind(h)

	assert.False(t, a.Send(RefreshRequest(1)), "closed link")

	a.Connect()
	bLoop.Drain()
	assert.False(t, a.Send(SettingDelta("url0", strings.Repeat("x", MaxMessageSize), nil)))
	assert.True(t, a.Send(RefreshRequest(2)))
	bLoop.Drain()

	require.Len(t, h.messages, 1)
	assert.Equal(t, uint64(2), h.messages[0].Token)
	assert.Equal(t, 1, h.opens)

	a.Disconnect()
	bLoop.Drain()
	assert.Equal(t, 1, h.closes)
	assert.Equal(t, Closed, b.State())
}

type recordingHandler struct {
	opens, closes int
	messages      []Message
}

func (h *recordingHandler) OnOpen()             { h.opens++ }
func (h *recordingHandler) OnClose()            { h.closes++ }
func (h *recordingHandler) OnMessage(m Message) { h.messages = append(h.messages, m) }

func TestLoopRunsInOrder(t *testing.T) {
	l := NewLoop(8)
	var got []int
	for i := range 3 {
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	l.Post(func() { l.Post(func() { got = append(got, 99) }) })

	assert.Equal(t, 5, l.Drain())
	assert.Equal(t, []int{0, 1, 2, 99}, got)
}

func TestLoopCallAndStop(t *testing.T) {
	l := NewLoop(8)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(stopped)
	}()

	ran := false
	require.NoError(t, l.Call(context.Background(), func() { ran = true }))
	assert.True(t, ran)

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
	assert.False(t, l.Post(func() {}))
	assert.ErrorIs(t, l.Call(context.Background(), func() {}), ErrLoopStopped)
}
