package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeer_LoopbackDataChannel(t *testing.T) {
	if testing.Short() {
		t.Skip("negotiates a real WebRTC session")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	offerer, err := NewPeer(PeerConfig{Loopback: true})
	require.NoError(t, err)
	answerer, err := NewPeer(PeerConfig{Loopback: true})
	require.NoError(t, err)

	offer, err := offerer.Offer(ctx)
	require.NoError(t, err)
	answer, err := answerer.Answer(ctx, offer)
	require.NoError(t, err)
	require.NoError(t, offerer.Accept(answer))

	a, err := offerer.Channel(ctx)
	require.NoError(t, err)
	defer a.Close()
	b, err := answerer.Channel(ctx)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, KindMesh, a.Kind())
	assert.Equal(t, DataChannelLabel, b.Label())

	require.NoError(t, a.Send(ctx, []byte("ping")))
	msg, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), msg)
}
