package minicord

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPresenceJSON(t *testing.T) {
	t.Parallel()

	since := int64(1693000000000)
	b, err := json.Marshal(Presence{
		Since: &since,
		Activities: []Activity{
			{Name: "with frames", Type: ActivityGame},
		},
		Status: StatusIdle,
		AFK:    true,
	})
	require.NoError(t, err)
	require.JSONEq(t, `{
		"since": 1693000000000,
		"activities": [{"name": "with frames", "type": 0}],
		"status": "idle",
		"afk": true
	}`, string(b))

	// since is nullable, not omittable, and url only appears when set.
	b, err = json.Marshal(Presence{
		Activities: []Activity{
			{Name: "a stream", Type: ActivityStreaming, URL: "https://example.com/live"},
		},
		Status: StatusOnline,
	})
	require.NoError(t, err)
	require.JSONEq(t, `{
		"since": null,
		"activities": [{"name": "a stream", "type": 1, "url": "https://example.com/live"}],
		"status": "online",
		"afk": false
	}`, string(b))
}

func TestIdentifyCarriesPresence(t *testing.T) {
	t.Parallel()

	g := newFakeGateway()
	s, err := New(Options{
		Token: "tok-123",
		Dial:  g.dial,
		Presence: &Presence{
			Status: StatusDoNotDisturb,
			Activities: []Activity{
				{Name: "competitive frames", Type: ActivityCompeting},
			},
		},
		ReconnectEvery: time.Millisecond,
	})
	require.NoError(t, err)
	s.randFloat = func() float64 { return 0.99 }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErrs := make(chan error, 1)
	go func() { runErrs <- s.Run(ctx) }()

	peer := g.accept(t)
	p := peer.readPayload(t)
	require.Equal(t, OpIdentify, p.Op)

	var id identifyData
	require.NoError(t, json.Unmarshal(p.D, &id))
	require.NotNil(t, id.Presence)
	require.Equal(t, StatusDoNotDisturb, id.Presence.Status)
	require.Len(t, id.Presence.Activities, 1)
	require.Equal(t, ActivityCompeting, id.Presence.Activities[0].Type)

	cancel()
	require.ErrorIs(t, <-runErrs, context.Canceled)
}
