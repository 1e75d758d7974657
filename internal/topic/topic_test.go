package topic

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingSubscriber struct {
	events []Event
}

func (r *recordingSubscriber) Write(msg any, urgent bool) {
	r.events = append(r.events, msg.(Event))
}

func TestPublishLocalDeliversToEverySubscriber(t *testing.T) {
	b := New()
	s1, s2 := &recordingSubscriber{}, &recordingSubscriber{}
	b.Subscribe("alerts", "c1", s1)
	b.Subscribe("alerts", "c2", s2)

	b.PublishLocal("alerts", "disk full")

	require.Len(t, s1.events, 1)
	require.Len(t, s2.events, 1)
	require.Equal(t, "disk full", s1.events[0].Payload)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	s1 := &recordingSubscriber{}
	b.Subscribe("alerts", "c1", s1)
	b.Unsubscribe("alerts", "c1")

	b.PublishLocal("alerts", "x")

	require.Empty(t, s1.events)
	require.False(t, b.HasLocalSubscribers("alerts"))
}

func TestUnsubscribeAllForClientRemovesFromEveryTopic(t *testing.T) {
	b := New()
	s1 := &recordingSubscriber{}
	b.Subscribe("a", "c1", s1)
	b.Subscribe("b", "c1", s1)

	b.UnsubscribeAllForClient("c1")

	require.False(t, b.HasLocalSubscribers("a"))
	require.False(t, b.HasLocalSubscribers("b"))
}

func TestPublishWithNoSubscribersIsNoOp(t *testing.T) {
	b := New()
	require.NotPanics(t, func() { b.PublishLocal("empty-topic", 42) })
}
