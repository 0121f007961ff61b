package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adwski/webrtc-portal/backend/model"
	"github.com/adwski/webrtc-portal/backend/room"
	"github.com/adwski/webrtc-portal/backend/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type journal struct {
	mx     sync.Mutex
	events []string
}

func (j *journal) add(e string) {
	j.mx.Lock()
	defer j.mx.Unlock()
	j.events = append(j.events, e)
}

func (j *journal) list() []string {
	j.mx.Lock()
	defer j.mx.Unlock()
	return append([]string(nil), j.events...)
}

type fakeStore struct {
	journal *journal
	blobs   map[string][]byte
	putErr  error
}

func newFakeStore(j *journal) *fakeStore {
	return &fakeStore{journal: j, blobs: make(map[string][]byte)}
}

func (fs *fakeStore) Get(_ context.Context, key string) ([]byte, error) {
	b, ok := fs.blobs[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return b, nil
}

func (fs *fakeStore) Put(_ context.Context, key string, blob []byte) error {
	if fs.putErr != nil {
		return fs.putErr
	}
	fs.journal.add("put")
	fs.blobs[key] = append([]byte(nil), blob...)
	return nil
}

func (fs *fakeStore) Delete(_ context.Context, key string) error {
	fs.journal.add("delete")
	delete(fs.blobs, key)
	return nil
}

type fakeRelay struct {
	journal   *journal
	connected map[string]bool
	inbox     map[string][]model.Message
	hungUp    []string
}

func newFakeRelay(j *journal, endpoints ...string) *fakeRelay {
	fr := &fakeRelay{
		journal:   j,
		connected: make(map[string]bool),
		inbox:     make(map[string][]model.Message),
	}
	for _, e := range endpoints {
		fr.connected[e] = true
	}
	return fr
}

func (fr *fakeRelay) Send(_ context.Context, _, endpoint string, msg model.Message) bool {
	if !fr.connected[endpoint] {
		return false
	}
	fr.journal.add("send:" + endpoint + ":" + string(msg.Type()))
	fr.inbox[endpoint] = append(fr.inbox[endpoint], msg)
	return true
}

func (fr *fakeRelay) Connected(_, endpoint string) bool {
	return fr.connected[endpoint]
}

func (fr *fakeRelay) Hangup(_, endpoint string) {
	fr.hungUp = append(fr.hungUp, endpoint)
	delete(fr.connected, endpoint)
}

func (fr *fakeRelay) types(endpoint string) []model.MessageType {
	out := make([]model.MessageType, 0, len(fr.inbox[endpoint]))
	for _, m := range fr.inbox[endpoint] {
		out = append(out, m.Type())
	}
	return out
}

func (fr *fakeRelay) last(endpoint string) model.Message {
	msgs := fr.inbox[endpoint]
	if len(msgs) == 0 {
		return model.Message{}
	}
	return msgs[len(msgs)-1]
}

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

type fixture struct {
	c     *Coordinator
	store *fakeStore
	relay *fakeRelay
	log   *journal
	clock *clock
}

func newFixture(t *testing.T, endpoints ...string) *fixture {
	t.Helper()
	j := &journal{}
	f := &fixture{
		store: newFakeStore(j),
		relay: newFakeRelay(j, endpoints...),
		log:   j,
		clock: &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.c = f.coordinator(t, false)
	return f
}

func (f *fixture) coordinator(t *testing.T, shared bool) *Coordinator {
	t.Helper()
	logger := zerolog.Nop()
	c, err := New(context.Background(), Config{
		Logger:      &logger,
		Store:       f.store,
		Relay:       f.relay,
		RoomID:      "1.2.3.4",
		StaleAfter:  15 * time.Second,
		SharedStore: shared,
		Clock:       f.clock.Now,
	})
	require.NoError(t, err)
	return c
}

func offer(sdp string) model.Message {
	return model.NewMessage(model.Offer{SDP: sdp, Candidates: []model.Candidate{model.Candidate(`{"candidate":"c1"}`)}})
}

func answer(sdp string) model.Message {
	return model.NewMessage(model.Answer{SDP: sdp})
}

func errorCode(t *testing.T, msg model.Message) model.ErrorCode {
	t.Helper()
	e, ok := msg.Payload.(model.Error)
	require.True(t, ok, "expected error message, got %s", msg.Type())
	return e.Code
}

func TestJoinAssignsRoles(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	ctx := context.Background()

	role, err := f.c.Join(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.RoleOfferer, role)

	role, err = f.c.Join(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, model.RoleAnswerer, role)

	_, err = f.c.Join(ctx, "c")
	require.ErrorIs(t, err, room.ErrRoomFull)
	assert.Equal(t, model.CodeRoomFull, ErrorCode(err))

	ra, ok := f.relay.last("a").Payload.(model.RoleAssignment)
	require.True(t, ok)
	assert.Equal(t, model.RoleAssignment{Role: model.RoleOfferer, ClientID: "a", RoomID: "1.2.3.4"}, ra)
	assert.Equal(t, []model.MessageType{model.TypeRole}, f.relay.types("b"))
	assert.Empty(t, f.relay.types("c"))
}

func TestLateAnswererGetsStoredOffer(t *testing.T) {
	f := newFixture(t, "a", "b")
	ctx := context.Background()

	_, err := f.c.Join(ctx, "a")
	require.NoError(t, err)
	f.c.Handle(ctx, "a", offer("X"))
	assert.Equal(t, []model.MessageType{model.TypeRole, model.TypeAck}, f.relay.types("a"))

	_, err = f.c.Join(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []model.MessageType{model.TypeRole, model.TypeOffer}, f.relay.types("b"))
	got, ok := f.relay.last("b").Payload.(model.Offer)
	require.True(t, ok)
	assert.Equal(t, "X", got.SDP)
	require.Len(t, got.Candidates, 1)
	assert.JSONEq(t, `{"candidate":"c1"}`, string(got.Candidates[0]))
}

func TestFullExchange(t *testing.T) {
	f := newFixture(t, "a", "b")
	ctx := context.Background()

	_, _ = f.c.Join(ctx, "a")
	_, _ = f.c.Join(ctx, "b")
	f.c.Handle(ctx, "a", offer("X"))
	f.c.Handle(ctx, "b", answer("Y"))

	assert.Equal(t, []model.MessageType{model.TypeRole, model.TypeAck, model.TypeAnswer}, f.relay.types("a"))
	assert.Equal(t, []model.MessageType{model.TypeRole, model.TypeOffer, model.TypeAck}, f.relay.types("b"))

	ack, ok := f.relay.last("b").Payload.(model.Ack)
	require.True(t, ok)
	assert.Equal(t, model.TypeAnswer, ack.Type)

	snap, err := f.c.Snapshot(ctx)
	require.NoError(t, err)
	a, ok := snap.Answer()
	require.True(t, ok)
	assert.Equal(t, "Y", a.SDP)
}

func TestResentOfferGetsStoredAnswer(t *testing.T) {
	f := newFixture(t, "a", "b")
	ctx := context.Background()

	_, _ = f.c.Join(ctx, "a")
	_, _ = f.c.Join(ctx, "b")
	f.c.Handle(ctx, "a", offer("X"))

	// answer relay to the offerer is lost
	f.relay.connected["a"] = false
	f.c.Handle(ctx, "b", answer("Y"))
	f.relay.connected["a"] = true
	assert.Equal(t, []model.MessageType{model.TypeRole, model.TypeAck}, f.relay.types("a"))

	f.c.Handle(ctx, "a", offer("X"))
	assert.Equal(t, []model.MessageType{model.TypeRole, model.TypeAck, model.TypeAck, model.TypeAnswer},
		f.relay.types("a"))
	got, ok := f.relay.last("a").Payload.(model.Answer)
	require.True(t, ok)
	assert.Equal(t, "Y", got.SDP)

	snap, err := f.c.Snapshot(ctx)
	require.NoError(t, err)
	_, ok = snap.Answer()
	assert.True(t, ok, "identical resend must keep the answer")

	// new offer of the same client starts over, there is no answer to push
	f.c.Handle(ctx, "a", offer("X2"))
	assert.Equal(t, model.TypeAck, f.relay.last("a").Type())
}

func TestHeartbeatsKeepParticipant(t *testing.T) {
	f := newFixture(t, "a")
	ctx := context.Background()

	_, _ = f.c.Join(ctx, "a")
	for i := 0; i < 4; i++ {
		f.clock.now = f.clock.now.Add(10 * time.Second)
		f.c.Handle(ctx, "a", model.NewMessage(model.Heartbeat{}))
		assert.Equal(t, 1, f.c.Evict(ctx), "round %d", i)
	}
	assert.Empty(t, f.relay.hungUp)
	assert.Equal(t, []model.MessageType{model.TypeRole}, f.relay.types("a"), "heartbeats are not acked")

	snap, err := f.c.Snapshot(ctx)
	require.NoError(t, err)
	p, ok := snap.Participant("a")
	require.True(t, ok)
	assert.Equal(t, f.clock.now, p.LastSeen)

	// silence past the threshold
	f.clock.now = f.clock.now.Add(20 * time.Second)
	assert.Equal(t, 0, f.c.Evict(ctx))
	assert.Equal(t, []string{"a"}, f.relay.hungUp)
}

func TestPersistBeforeRelay(t *testing.T) {
	f := newFixture(t, "a", "b")
	ctx := context.Background()

	_, _ = f.c.Join(ctx, "a")
	_, _ = f.c.Join(ctx, "b")
	before := len(f.log.list())
	f.c.Handle(ctx, "a", offer("X"))

	assert.Equal(t, []string{"put", "send:b:offer", "send:a:ack"}, f.log.list()[before:])
}

func TestAnswerWithoutOffer(t *testing.T) {
	f := newFixture(t, "a", "b")
	ctx := context.Background()

	_, _ = f.c.Join(ctx, "a")
	_, _ = f.c.Join(ctx, "b")
	f.c.Handle(ctx, "b", answer("Y"))

	assert.Equal(t, model.CodeNoOffer, errorCode(t, f.relay.last("b")))
	assert.Equal(t, []model.MessageType{model.TypeRole}, f.relay.types("a"))

	snap, err := f.c.Snapshot(ctx)
	require.NoError(t, err)
	_, ok := snap.Answer()
	assert.False(t, ok)
	assert.Equal(t, 2, snap.Len())
}

func TestRoleViolations(t *testing.T) {
	f := newFixture(t, "a", "b")
	ctx := context.Background()

	_, _ = f.c.Join(ctx, "a")
	_, _ = f.c.Join(ctx, "b")

	f.c.Handle(ctx, "a", answer("Y"))
	assert.Equal(t, model.CodeRoleViolation, errorCode(t, f.relay.last("a")))

	f.c.Handle(ctx, "b", offer("X"))
	assert.Equal(t, model.CodeRoleViolation, errorCode(t, f.relay.last("b")))

	f.c.Handle(ctx, "a", model.NewMessage(model.Ack{Type: model.TypeOffer}))
	assert.Equal(t, model.CodeMalformedMessage, errorCode(t, f.relay.last("a")))

	f.c.Handle(ctx, "a", offer("X"))
	f.c.Handle(ctx, "b", answer("Y"))
	f.c.Handle(ctx, "b", answer("Z"))
	assert.Equal(t, model.CodeAnswerExists, errorCode(t, f.relay.last("b")))

	snap, err := f.c.Snapshot(ctx)
	require.NoError(t, err)
	a, _ := snap.Answer()
	assert.Equal(t, "Y", a.SDP)
}

func TestPersistFailureRollsBack(t *testing.T) {
	f := newFixture(t, "a", "b")
	ctx := context.Background()

	_, _ = f.c.Join(ctx, "a")
	_, _ = f.c.Join(ctx, "b")
	f.store.putErr = errors.New("disk is on fire")
	f.c.Handle(ctx, "a", offer("X"))

	assert.Equal(t, model.CodeInternal, errorCode(t, f.relay.last("a")))
	assert.Equal(t, []model.MessageType{model.TypeRole}, f.relay.types("b"))

	snap, err := f.c.Snapshot(ctx)
	require.NoError(t, err)
	_, ok := snap.Offer()
	assert.False(t, ok)
}

func TestEviction(t *testing.T) {
	f := newFixture(t, "a", "b")
	ctx := context.Background()

	_, _ = f.c.Join(ctx, "a")
	f.c.Handle(ctx, "a", offer("X"))
	f.clock.now = f.clock.now.Add(10 * time.Second)
	_, _ = f.c.Join(ctx, "b")

	f.clock.now = f.clock.now.Add(5 * time.Second)
	f.c.Touch(ctx, "b")
	assert.Equal(t, 1, f.c.Evict(ctx))
	assert.Equal(t, []string{"a"}, f.relay.hungUp)

	snap, err := f.c.Snapshot(ctx)
	require.NoError(t, err)
	_, ok := snap.Offer()
	assert.False(t, ok, "offer of evicted offerer must be cleared")
	_, ok = snap.Participant("b")
	assert.True(t, ok)
}

func TestJoinPrunesStaleFirst(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	ctx := context.Background()

	_, _ = f.c.Join(ctx, "a")
	_, _ = f.c.Join(ctx, "b")
	f.clock.now = f.clock.now.Add(20 * time.Second)

	role, err := f.c.Join(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, model.RoleOfferer, role)
	assert.ElementsMatch(t, []string{"a", "b"}, f.relay.hungUp)
}

func TestLeaveAndClose(t *testing.T) {
	f := newFixture(t, "a", "b")
	ctx := context.Background()

	_, _ = f.c.Join(ctx, "a")
	_, _ = f.c.Join(ctx, "b")
	f.c.Handle(ctx, "a", offer("X"))
	f.c.Handle(ctx, "b", answer("Y"))

	left, err := f.c.Leave(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, left)
	snap, _ := f.c.Snapshot(ctx)
	_, ok := snap.Answer()
	assert.False(t, ok)
	_, ok = snap.Offer()
	assert.True(t, ok)

	left, err = f.c.Leave(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0, left)
	assert.Empty(t, f.store.blobs)
	assert.Equal(t, "delete", f.log.list()[len(f.log.list())-1])

	_, err = f.c.Join(ctx, "c")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRehydrateFromStore(t *testing.T) {
	f := newFixture(t, "a", "b")
	ctx := context.Background()

	_, _ = f.c.Join(ctx, "a")
	f.c.Handle(ctx, "a", offer("X"))

	// process restart
	restarted := f.coordinator(t, false)
	snap, err := restarted.Snapshot(ctx)
	require.NoError(t, err)
	p, ok := snap.Participant("a")
	require.True(t, ok)
	assert.Equal(t, model.RoleOfferer, p.Role)

	role, err := restarted.Join(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, model.RoleAnswerer, role)
	assert.Equal(t, []model.MessageType{model.TypeRole, model.TypeOffer}, f.relay.types("b"))
}

func TestCorruptBlobStartsFresh(t *testing.T) {
	f := newFixture(t, "a")
	f.store.blobs[storage.RoomKey("1.2.3.4")] = []byte(`{"roomId":`)

	c := f.coordinator(t, false)
	role, err := c.Join(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, model.RoleOfferer, role)
}

func TestReset(t *testing.T) {
	f := newFixture(t, "a", "b")
	ctx := context.Background()

	_, _ = f.c.Join(ctx, "a")
	_, _ = f.c.Join(ctx, "b")
	require.NoError(t, f.c.Reset(ctx))

	assert.Empty(t, f.store.blobs)
	assert.ElementsMatch(t, []string{"a", "b"}, f.relay.hungUp)
	_, err := f.c.Join(ctx, "a")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSharedStoreSync(t *testing.T) {
	j := &journal{}
	store := newFakeStore(j)
	clk := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}

	// two instances serving the same room
	first := &fixture{store: store, relay: newFakeRelay(j, "a"), log: j, clock: clk}
	second := &fixture{store: store, relay: newFakeRelay(j, "b"), log: j, clock: clk}
	cA := first.coordinator(t, true)
	cB := second.coordinator(t, true)
	ctx := context.Background()

	_, err := cA.Join(ctx, "a")
	require.NoError(t, err)
	role, err := cB.Join(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, model.RoleAnswerer, role)

	cA.Handle(ctx, "a", offer("X"))
	assert.Equal(t, []model.MessageType{model.TypeRole}, second.relay.types("b"))

	assert.Equal(t, 2, cB.Evict(ctx))
	assert.Equal(t, []model.MessageType{model.TypeRole, model.TypeOffer}, second.relay.types("b"))

	// already delivered offers are not pushed again
	cB.Evict(ctx)
	assert.Len(t, second.relay.types("b"), 2)

	cB.Handle(ctx, "b", answer("Y"))
	cA.Evict(ctx)
	assert.Equal(t, []model.MessageType{model.TypeRole, model.TypeAck, model.TypeAnswer}, first.relay.types("a"))
}

func TestErrorCode(t *testing.T) {
	for _, tt := range []struct {
		err  error
		want model.ErrorCode
	}{
		{err: room.ErrRoomFull, want: model.CodeRoomFull},
		{err: room.ErrNotOfferer, want: model.CodeRoleViolation},
		{err: room.ErrNotParticipant, want: model.CodeRoleViolation},
		{err: room.ErrOfferAlreadyExists, want: model.CodeOfferExists},
		{err: room.ErrAnswerAlreadyExists, want: model.CodeAnswerExists},
		{err: room.ErrNoOfferYet, want: model.CodeNoOffer},
		{err: model.ErrMalformedMessage, want: model.CodeMalformedMessage},
		{err: errors.Join(ErrPersist, errors.New("boom")), want: model.CodeInternal},
	} {
		assert.Equal(t, tt.want, ErrorCode(tt.err), tt.err.Error())
	}
}
