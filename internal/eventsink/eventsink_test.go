package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fgsvc/internal/eventbus"
	"fgsvc/internal/storage"
	logx "fgsvc/pkg/logx"
)

type fakeNATS struct {
	mu      sync.Mutex
	subj    []string
	flushed int
	drained bool
}

func (f *fakeNATS) Publish(subj string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subj = append(f.subj, subj)
	return nil
}

func (f *fakeNATS) FlushWithContext(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed++
	return nil
}

func (f *fakeNATS) Drain() error {
	f.drained = true
	return nil
}

func TestNATSSubjects(t *testing.T) {
	conn := &fakeNATS{}
	n := newNATS(conn, "ops.fgsvc.")
	ctx := context.Background()

	require.NoError(t, n.Publish(ctx, eventbus.Event{Type: eventbus.TypeTaskExecuted}))
	require.NoError(t, n.Publish(ctx, eventbus.Event{Type: eventbus.TypeServiceRecovery, Data: eventbus.ServiceRecovery{Kind: eventbus.RecoveryRestarted}}))
	require.NoError(t, n.Close())

	assert.Equal(t, []string{"ops.fgsvc.task.executed", "ops.fgsvc.service.recovery"}, conn.subj)
	assert.Equal(t, 1, conn.flushed)
	assert.True(t, conn.drained)
}

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeMQTT struct {
	pubs         []published
	err          error
	disconnected bool
}

func (f *fakeMQTT) Publish(topic string, _ byte, retained bool, payload any) mqtt.Token {
	f.pubs = append(f.pubs, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return doneToken{err: f.err}
}

func (f *fakeMQTT) Disconnect(uint) { f.disconnected = true }

func TestMQTTPublishesRetainedState(t *testing.T) {
	c := &fakeMQTT{}
	m := newMQTT(c, "home/fgsvc", 1)
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, eventbus.Event{Type: eventbus.TypeServiceStateChanged, Data: eventbus.StateChanged{Running: 1}}))
	require.Len(t, c.pubs, 2)
	assert.Equal(t, "home/fgsvc/service/state_changed", c.pubs[0].topic)
	assert.False(t, c.pubs[0].retained)
	assert.Equal(t, "home/fgsvc/state", c.pubs[1].topic)
	assert.True(t, c.pubs[1].retained)

	var state map[string]any
	require.NoError(t, json.Unmarshal(c.pubs[1].payload, &state))
	assert.Equal(t, float64(1), state["running"])

	c.err = errors.New("not connected")
	assert.Error(t, m.Publish(ctx, eventbus.Event{Type: eventbus.TypeTaskError}))
	require.NoError(t, m.Close())
	assert.True(t, c.disconnected)
}

type sentAlert struct {
	title, body string
}

func TestAlertsFilterDescribeAndLimit(t *testing.T) {
	var sent []sentAlert
	send := func(msg string, p *stypes.Params) []error {
		title, _ := p.Title()
		sent = append(sent, sentAlert{title: title, body: msg})
		return nil
	}
	a := newAlerts(send, AlertOptions{RatePerMin: 2})
	ctx := context.Background()

	require.NoError(t, a.Publish(ctx, eventbus.Event{Type: eventbus.TypeTaskExecuted, Data: eventbus.TaskEvent{Task: "x"}}))
	require.NoError(t, a.Publish(ctx, eventbus.Event{Type: eventbus.TypeServiceError, Data: eventbus.ServiceError{Op: "start", Code: "PERMISSION_DENIED", Message: "missing FOREGROUND_SERVICE_LOCATION"}}))
	require.NoError(t, a.Publish(ctx, eventbus.Event{Type: eventbus.TypeServiceRecovery, Data: eventbus.ServiceRecovery{Kind: eventbus.RecoveryFailed, Reason: "unit masked"}}))
	require.NoError(t, a.Publish(ctx, eventbus.Event{Type: eventbus.TypeServiceRecovery, Data: eventbus.ServiceRecovery{Kind: eventbus.RecoveryRestarted}}))

	require.Len(t, sent, 2, "third alert is rate limited")
	assert.Equal(t, "fgsvc: start failed", sent[0].title)
	assert.Equal(t, "PERMISSION_DENIED: missing FOREGROUND_SERVICE_LOCATION", sent[0].body)
	assert.Equal(t, "unit masked", sent[1].body)
}

func TestAlertsReturnsSendError(t *testing.T) {
	a := newAlerts(func(string, *stypes.Params) []error { return []error{nil, errors.New("smtp down")} }, AlertOptions{})
	err := a.Publish(context.Background(), eventbus.Event{Type: eventbus.TypeServiceError, Data: eventbus.ServiceError{Op: "stop"}})
	assert.EqualError(t, err, "smtp down")
}

func TestNewAlertsRequiresURL(t *testing.T) {
	_, err := NewAlerts(AlertOptions{})
	assert.Error(t, err)
}

func TestJournalAppendsSelectedEvents(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "s.json")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	j := NewJournal(st)
	ctx := context.Background()

	require.NoError(t, j.Publish(ctx, eventbus.Event{Type: eventbus.TypeServiceStateChanged, Data: eventbus.StateChanged{Running: 1}}))
	require.NoError(t, j.Publish(ctx, eventbus.Event{Type: eventbus.TypeTaskExecuted, Data: eventbus.TaskEvent{Task: "ok"}}))
	require.NoError(t, j.Publish(ctx, eventbus.Event{Type: eventbus.TypeServiceError, Time: time.Now(), Data: eventbus.ServiceError{Op: "start", Code: "RENDER_FAILURE", Message: "no chat"}}))

	got, err := st.RecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "RENDER_FAILURE", got[0].Code)
	assert.Equal(t, "start: no chat", got[0].Message)
}

type recordingPub struct {
	mu     sync.Mutex
	types  []string
	closed bool
	panick bool
}

func (r *recordingPub) Name() string { return "rec" }

func (r *recordingPub) Publish(_ context.Context, e eventbus.Event) error {
	if r.panick {
		panic("boom")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, e.Type)
	return nil
}

func (r *recordingPub) Close() error {
	r.closed = true
	return nil
}

func (r *recordingPub) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.types...)
}

func TestForwarderDeliversAndSurvivesPanics(t *testing.T) {
	bus := eventbus.New()
	good := &recordingPub{}
	bad := &recordingPub{panick: true}
	f := NewForwarder(bus, logx.Nop(), bad, good)
	f.Start(context.Background())

	bus.Publish(eventbus.Event{Type: "a"})
	bus.Publish(eventbus.Event{Type: "b"})
	require.Eventually(t, func() bool { return len(good.seen()) == 2 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.Stop(ctx))
	assert.True(t, good.closed)
	assert.True(t, bad.closed)
}
