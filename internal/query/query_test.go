package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meridian/internal/proto"
)

func TestCursorRoundTripIsIdentity(t *testing.T) {
	c := Cursor{LastKey: "k9", LastSortValue: "42", PredicateHash: PredicateHash("value>0"), TimestampMs: 1234}
	encoded := c.Encode()

	decoded, err := DecodeCursor(encoded)
	require.NoError(t, err)
	require.Equal(t, c, decoded)
	require.Equal(t, encoded, decoded.Encode())
}

func TestCursorValidatePredicateMismatch(t *testing.T) {
	c := Cursor{PredicateHash: PredicateHash("value>0"), TimestampMs: time.Now().UnixMilli()}
	require.Equal(t, CursorInvalid, c.Validate("value>10", time.Now(), 0))
}

func TestCursorValidateExpired(t *testing.T) {
	old := time.Now().Add(-48 * time.Hour)
	c := Cursor{PredicateHash: PredicateHash("p"), TimestampMs: old.UnixMilli()}
	require.Equal(t, CursorExpired, c.Validate("p", time.Now(), 0))
}

type recordingSubscriber struct {
	events []proto.ServerEvent
}

func (r *recordingSubscriber) Write(msg any, urgent bool) {
	r.events = append(r.events, msg.(proto.ServerEvent))
}

func TestOnChangeEmitsEnterThenLeave(t *testing.T) {
	reg := NewRegistry()
	sub := &recordingSubscriber{}
	pred := func(mapName, key string, value any) bool { return value != nil && value.(int) > 10 }

	s := reg.Subscribe("c1", "m", "value>10", pred, nil, sub, nil)
	require.NotEmpty(t, s.ID)

	reg.OnChange("m", "k1", 42, ChangeRecord{LWW: &proto.LWWRecordWire{Value: []byte("42")}})
	require.Len(t, sub.events, 1)
	require.Equal(t, proto.EventEnter, sub.events[0].EventType)
	require.Equal(t, []byte("42"), sub.events[0].Record.Value)

	reg.OnChange("m", "k1", nil, ChangeRecord{})
	require.Len(t, sub.events, 2)
	require.Equal(t, proto.EventLeave, sub.events[1].EventType)
}

func TestOnChangeProjectsInterestedFields(t *testing.T) {
	reg := NewRegistry()
	sub := &recordingSubscriber{}
	pred := func(mapName, key string, value any) bool { return true }

	reg.Subscribe("c1", "m", "true", pred, []string{"name"}, sub, nil)

	record := &proto.LWWRecordWire{Value: []byte(`{"name":"ada","ssn":"secret"}`)}
	reg.OnChange("m", "k1", map[string]any{"name": "ada"}, ChangeRecord{LWW: record})

	require.Len(t, sub.events, 1)
	require.JSONEq(t, `{"name":"ada"}`, string(sub.events[0].Record.Value))
}

func TestHasSubscribersAndUnsubscribe(t *testing.T) {
	reg := NewRegistry()
	sub := &recordingSubscriber{}
	require.False(t, reg.HasSubscribers("m"))

	s := reg.Subscribe("c1", "m", "true", func(string, string, any) bool { return true }, nil, sub, nil)
	require.True(t, reg.HasSubscribers("m"))

	reg.Unsubscribe(s.ID)
	require.False(t, reg.HasSubscribers("m"))
}

func TestPageAppliesCursorAndLimit(t *testing.T) {
	results := []Result{{Key: "b", SortValue: "2"}, {Key: "a", SortValue: "1"}, {Key: "c", SortValue: "3"}}
	page, next, hasMore := Page(results, Cursor{}, 2)
	require.Equal(t, []Result{{Key: "a", SortValue: "1"}, {Key: "b", SortValue: "2"}}, page)
	require.True(t, hasMore)

	page2, _, hasMore2 := Page(results, next, 2)
	require.Equal(t, []Result{{Key: "c", SortValue: "3"}}, page2)
	require.False(t, hasMore2)
}
