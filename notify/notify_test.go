package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/streamcity/coin-engine/notify"
	"github.com/streamcity/coin-engine/notify/notifytest"
)

func TestMulti_FansOutInOrder(t *testing.T) {
	var a, b notifytest.Recorder
	m := notify.Multi{&a, notify.Discard{}, notify.LogDispatcher{}, &b}

	ev := notify.Event{Type: notify.EventTipReceived, UserID: "luna", Amount: 500, At: time.Now()}
	m.Dispatch(context.Background(), ev)
	m.Dispatch(context.Background(), notify.Event{Type: notify.EventAccountReset, UserID: "max"})

	assert.Len(t, a.Events(), 2)
	assert.Len(t, b.Events(), 2)
	assert.Equal(t, ev, b.Events()[0])
	assert.Len(t, b.OfType(notify.EventAccountReset), 1)
}
