package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/speechmux/internal/observe"
	"github.com/MrWong99/speechmux/pkg/keepalive"
	"github.com/MrWong99/speechmux/pkg/params"
	"github.com/MrWong99/speechmux/pkg/transport"
	"github.com/MrWong99/speechmux/pkg/transport/mock"
	"github.com/MrWong99/speechmux/pkg/wire"
)

// fakeServer plays the remote platform: it collects the text of a request
// and answers its end frame with a partial, a final and an end frame. Text
// "boom" is answered with an error frame instead.
type fakeServer struct {
	mu   sync.Mutex
	text map[int32]string
	hold bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{text: make(map[int32]string)}
}

func (s *fakeServer) setHold(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = v
}

func (s *fakeServer) respond(c *mock.Conn, msg []byte) {
	var f wire.Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return
	}

	s.mu.Lock()
	switch f.Kind {
	case wire.KindText:
		s.text[f.ID] += f.Text
	case wire.KindAudio:
		s.text[f.ID] += fmt.Sprintf("[%d]", len(f.Data))
	}
	text, hold := s.text[f.ID], s.hold
	s.mu.Unlock()

	if f.Kind != wire.KindEnd || hold {
		return
	}
	if text == "boom" {
		deliver(c, wire.Frame{ID: f.ID, Kind: wire.KindError, Code: 42, Message: "bad input"})
		return
	}
	if text != "" {
		deliver(c, wire.Frame{ID: f.ID, Kind: wire.KindPartial, Text: text[:1]})
	}
	deliver(c, wire.Frame{ID: f.ID, Kind: wire.KindFinal, Text: text})
	deliver(c, wire.Frame{ID: f.ID, Kind: wire.KindEnd})
}

func deliver(c *mock.Conn, f wire.Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		panic(err)
	}
	c.Deliver(b)
}

func newTestMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newTestClient(t *testing.T, d *mock.Dialer, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithMetrics(newTestMetrics(t)),
		WithKeepalive(keepalive.Config{Interval: 20 * time.Millisecond}),
		WithTimeouts(time.Second, time.Second, 20*time.Millisecond),
		WithRetryDelay(5 * time.Millisecond),
	}, opts...)
	c, err := New(d, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Release() })
	return c
}

func prepared(t *testing.T, d *mock.Dialer, opts ...Option) *Client {
	t.Helper()
	c := newTestClient(t, d, opts...)
	if err := c.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return c
}

// drain polls until n terminal results have arrived.
func drain(t *testing.T, c *Client, n int) []Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out []Result
	for n > 0 {
		r, err := c.Poll(ctx)
		if err != nil {
			t.Fatalf("Poll after %v: %v", out, err)
		}
		out = append(out, r)
		if r.Kind.Terminal() {
			n--
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// frames decodes everything sent on every dialed connection.
func frames(t *testing.T, d *mock.Dialer) []wire.Frame {
	t.Helper()
	var out []wire.Frame
	for _, c := range d.Conns() {
		for _, b := range c.Sent() {
			var f wire.Frame
			if err := json.Unmarshal(b, &f); err != nil {
				t.Fatalf("sent frame: %v", err)
			}
			out = append(out, f)
		}
	}
	return out
}

func sentKind(t *testing.T, d *mock.Dialer, id int32, kind wire.Kind) func() bool {
	return func() bool {
		for _, f := range frames(t, d) {
			if f.ID == id && f.Kind == kind {
				return true
			}
		}
		return false
	}
}

func kinds(rs []Result) []ResultKind {
	out := make([]ResultKind, len(rs))
	for i, r := range rs {
		out[i] = r.Kind
	}
	return out
}

func TestClient_RoundTrip(t *testing.T) {
	t.Parallel()
	srv := newFakeServer()
	d := &mock.Dialer{Respond: srv.respond}
	c := prepared(t, d)

	id, err := c.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !c.PushText(id, "hel") || !c.PushText(id, "lo") {
		t.Fatal("PushText rejected")
	}
	if !c.End(id) {
		t.Fatal("End rejected")
	}
	if c.PushText(id, "late") {
		t.Error("PushText after End accepted")
	}

	rs := drain(t, c, 1)
	want := []ResultKind{ResultStarted, ResultPartial, ResultFinal, ResultEnd}
	if got := kinds(rs); !slices.Equal(got, want) {
		t.Fatalf("result kinds = %v, want %v", got, want)
	}
	if rs[1].Text != "h" || rs[2].Text != "hello" {
		t.Errorf("texts = %q, %q", rs[1].Text, rs[2].Text)
	}
	for _, r := range rs {
		if r.ID != id {
			t.Errorf("result %v has id %d, want %d", r.Kind, r.ID, id)
		}
	}

	var sent []wire.Kind
	for _, f := range frames(t, d) {
		sent = append(sent, f.Kind)
	}
	wantSent := []wire.Kind{wire.KindStart, wire.KindText, wire.KindText, wire.KindEnd}
	if !slices.Equal(sent, wantSent) {
		t.Errorf("sent frames = %v, want %v", sent, wantSent)
	}
	if c.Cancel(id) != 0 {
		t.Error("Cancel of a finished request returned non-zero")
	}
}

func TestClient_StartOrder(t *testing.T) {
	t.Parallel()
	srv := newFakeServer()
	d := &mock.Dialer{Respond: srv.respond}
	c := prepared(t, d)

	first, _ := c.Start(context.Background(), nil)
	second, _ := c.Start(context.Background(), nil)
	c.PushText(second, "two")
	c.End(second)
	time.Sleep(20 * time.Millisecond)
	c.PushText(first, "one")
	c.End(first)

	rs := drain(t, c, 2)
	var terminals []int32
	for _, r := range rs {
		if r.Kind.Terminal() {
			terminals = append(terminals, r.ID)
			if r.Kind != ResultEnd {
				t.Errorf("request %d ended with %v", r.ID, r.Kind)
			}
		}
	}
	if !slices.Equal(terminals, []int32{first, second}) {
		t.Errorf("terminal order = %v, want [%d %d]", terminals, first, second)
	}
	for _, r := range rs {
		if r.Kind == ResultFinal && r.ID == second && r.Text != "two" {
			t.Errorf("final of second = %q", r.Text)
		}
	}
}

func TestClient_CancelInFlight(t *testing.T) {
	t.Parallel()
	srv := newFakeServer()
	srv.setHold(true)
	d := &mock.Dialer{Respond: srv.respond}
	c := prepared(t, d)

	id, _ := c.Start(context.Background(), nil)
	c.PushText(id, "never answered")
	c.End(id)
	waitFor(t, "end frame", sentKind(t, d, id, wire.KindEnd))

	if n := c.Cancel(id); n != 1 {
		t.Fatalf("Cancel = %d, want 1", n)
	}
	rs := drain(t, c, 1)
	last := rs[len(rs)-1]
	if last.Kind != ResultCancelled || last.ID != id {
		t.Fatalf("terminal = %+v, want cancelled %d", last, id)
	}
	waitFor(t, "cancel frame", sentKind(t, d, id, wire.KindCancel))

	if n := c.Cancel(id); n != 0 {
		t.Errorf("second Cancel = %d, want 0", n)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if r, err := c.Poll(ctx); err == nil {
		t.Errorf("unexpected extra result %+v", r)
	}
}

func TestClient_CancelBeforeWire(t *testing.T) {
	t.Parallel()
	d := &mock.Dialer{Respond: newFakeServer().respond}
	c := newTestClient(t, d)

	id, err := c.Start(context.Background(), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.PushText(id, "dropped")
	if n := c.Cancel(id); n != 1 {
		t.Fatalf("Cancel = %d, want 1", n)
	}
	if err := c.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	rs := drain(t, c, 1)
	if got := kinds(rs); !slices.Equal(got, []ResultKind{ResultCancelled}) {
		t.Fatalf("results = %v, want only cancelled", got)
	}
	waitFor(t, "connection", c.Connected)
	time.Sleep(20 * time.Millisecond)
	if fs := frames(t, d); len(fs) != 0 {
		t.Errorf("frames sent for a request cancelled before the wire: %+v", fs)
	}
}

func TestClient_CancelTwiceBeforePoll(t *testing.T) {
	t.Parallel()
	srv := newFakeServer()
	srv.setHold(true)
	c := prepared(t, &mock.Dialer{Respond: srv.respond})

	id, _ := c.Start(context.Background(), nil)
	c.PushText(id, "x")
	if n := c.Cancel(id); n != 1 {
		t.Fatalf("first Cancel = %d, want 1", n)
	}
	if n := c.Cancel(id); n != 0 {
		t.Errorf("second Cancel = %d, want 0", n)
	}
	if n := c.Cancel(0); n != 0 {
		t.Errorf("Cancel(0) over cancelled requests = %d, want 0", n)
	}
	rs := drain(t, c, 1)
	if last := rs[len(rs)-1]; last.Kind != ResultCancelled || last.ID != id {
		t.Errorf("terminal = %+v, want cancelled %d", last, id)
	}
}

func TestClient_ConcurrentStartsKeepIDOrder(t *testing.T) {
	t.Parallel()
	c := prepared(t, &mock.Dialer{Respond: newFakeServer().respond})

	const n = 16
	var wg sync.WaitGroup
	for range n {
		wg.Go(func() {
			id, err := c.Start(context.Background(), nil)
			if err != nil {
				t.Errorf("Start: %v", err)
				return
			}
			c.PushText(id, "go")
			c.End(id)
		})
	}
	wg.Wait()

	var terminals []int32
	for _, r := range drain(t, c, n) {
		if r.Kind.Terminal() {
			if r.Kind != ResultEnd {
				t.Errorf("request %d ended with %v", r.ID, r.Kind)
			}
			terminals = append(terminals, r.ID)
		}
	}
	if !slices.IsSorted(terminals) {
		t.Errorf("terminal ids = %v, want ascending", terminals)
	}
}

func TestClient_CancelAll(t *testing.T) {
	t.Parallel()
	srv := newFakeServer()
	srv.setHold(true)
	d := &mock.Dialer{Respond: srv.respond}
	c := prepared(t, d)

	ids := make(map[int32]bool)
	for range 3 {
		id, _ := c.Start(context.Background(), nil)
		c.PushText(id, "x")
		ids[id] = true
	}
	if n := c.Cancel(0); n != 3 {
		t.Fatalf("Cancel(0) = %d, want 3", n)
	}
	rs := drain(t, c, 3)
	seen := make(map[int32]bool)
	for _, r := range rs {
		if !r.Kind.Terminal() {
			continue
		}
		if r.Kind != ResultCancelled {
			t.Errorf("request %d ended with %v", r.ID, r.Kind)
		}
		if seen[r.ID] {
			t.Errorf("request %d has two terminal results", r.ID)
		}
		seen[r.ID] = true
	}
	if !maps.Equal(seen, ids) {
		t.Errorf("cancelled ids = %v, want %v", seen, ids)
	}
	if n := c.Cancel(0); n != 0 {
		t.Errorf("Cancel(0) with nothing open = %d, want 0", n)
	}
}

func TestClient_RemoteError(t *testing.T) {
	t.Parallel()
	d := &mock.Dialer{Respond: newFakeServer().respond}
	c := prepared(t, d)

	id, _ := c.Start(context.Background(), nil)
	c.PushText(id, "boom")
	c.End(id)

	rs := drain(t, c, 1)
	last := rs[len(rs)-1]
	if last.Kind != ResultError || last.Code != 42 || last.Message != "bad input" {
		t.Errorf("terminal = %+v, want error 42 \"bad input\"", last)
	}
}

func TestClient_BrokenConnectionFailsAndRecovers(t *testing.T) {
	t.Parallel()
	srv := newFakeServer()
	srv.setHold(true)
	d := &mock.Dialer{Respond: srv.respond}
	c := prepared(t, d)

	id, _ := c.Start(context.Background(), nil)
	c.PushText(id, "lost")
	c.End(id)
	waitFor(t, "end frame", sentKind(t, d, id, wire.KindEnd))
	d.Last().Break()

	rs := drain(t, c, 1)
	last := rs[len(rs)-1]
	if last.Kind != ResultError || last.Code != wire.CodeUnavailable {
		t.Fatalf("terminal = %+v, want error %d", last, wire.CodeUnavailable)
	}
	if last.Message != wire.CodeText(wire.CodeUnavailable) {
		t.Errorf("message = %q", last.Message)
	}

	srv.setHold(false)
	waitFor(t, "reconnect", func() bool { return d.Dials() >= 2 && c.Connected() })
	next, _ := c.Start(context.Background(), nil)
	c.PushText(next, "again")
	c.End(next)
	rs = drain(t, c, 1)
	if last := rs[len(rs)-1]; last.Kind != ResultEnd || last.ID != next {
		t.Errorf("terminal after reconnect = %+v", last)
	}
}

func TestClient_SendTimeout(t *testing.T) {
	t.Parallel()
	d := &mock.Dialer{Respond: newFakeServer().respond}
	c := prepared(t, d)
	waitFor(t, "connection", c.Connected)
	d.Last().SetSendErr(fmt.Errorf("slow peer: %w", transport.ErrTimeout))

	id, _ := c.Start(context.Background(), nil)
	rs := drain(t, c, 1)
	last := rs[len(rs)-1]
	if last.Kind != ResultError || last.Code != wire.CodeTimeout || last.ID != id {
		t.Errorf("terminal = %+v, want timeout error", last)
	}
	if n := d.Dials(); n != 1 {
		t.Errorf("Dials() = %d after a send timeout, want 1", n)
	}
}

func TestClient_SplitsLargeAudio(t *testing.T) {
	t.Parallel()
	d := &mock.Dialer{Respond: newFakeServer().respond}
	c := prepared(t, d, WithMaxFrameBytes(4))

	id, _ := c.Start(context.Background(), nil)
	c.PushAudio(id, []byte("0123456789"))
	c.End(id)
	rs := drain(t, c, 1)
	if last := rs[len(rs)-1]; last.Kind != ResultEnd {
		t.Fatalf("terminal = %+v", last)
	}

	var sizes []int
	for _, f := range frames(t, d) {
		if f.Kind == wire.KindAudio {
			sizes = append(sizes, len(f.Data))
		}
	}
	if !slices.Equal(sizes, []int{4, 4, 2}) {
		t.Errorf("audio frame sizes = %v, want [4 4 2]", sizes)
	}
}

func TestClient_ParamsMerge(t *testing.T) {
	t.Parallel()
	d := &mock.Dialer{Respond: newFakeServer().respond}
	store := params.New(map[string]string{"lang": "en", "vad": "on"})
	c := prepared(t, d, WithParams(store))

	id, _ := c.Start(context.Background(), map[string]string{"lang": "de", "vad": ""})
	c.End(id)
	drain(t, c, 1)

	for _, f := range frames(t, d) {
		if f.Kind != wire.KindStart {
			continue
		}
		if !maps.Equal(f.Params, map[string]string{"lang": "de"}) {
			t.Errorf("start params = %v", f.Params)
		}
		return
	}
	t.Fatal("no start frame sent")
}

func TestClient_Release(t *testing.T) {
	t.Parallel()
	c := prepared(t, &mock.Dialer{})

	errc := make(chan error, 1)
	go func() {
		_, err := c.Poll(context.Background())
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)

	if err := c.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, ErrReleased) {
			t.Errorf("blocked Poll err = %v, want ErrReleased", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Poll still blocked after Release")
	}

	if err := c.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
	if _, err := c.Start(context.Background(), nil); !errors.Is(err, ErrReleased) {
		t.Errorf("Start after Release: err = %v", err)
	}
	if err := c.Prepare(context.Background()); !errors.Is(err, ErrReleased) {
		t.Errorf("Prepare after Release: err = %v", err)
	}
	if c.Connected() {
		t.Error("Connected() = true after Release")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New(nil); err == nil {
		t.Error("New(nil) succeeded")
	}
	d := &mock.Dialer{}
	for name, opt := range map[string]Option{
		"empty service": WithService(""),
		"nil params":    WithParams(nil),
		"zero frame":    WithMaxFrameBytes(0),
		"zero timeout":  WithTimeouts(0, time.Second, time.Second),
	} {
		if _, err := New(d, opt); err == nil {
			t.Errorf("%s: New succeeded", name)
		}
	}
}

func TestResultKind_String(t *testing.T) {
	t.Parallel()
	for k, want := range map[ResultKind]string{
		ResultStarted: "started", ResultPartial: "partial", ResultFinal: "final",
		ResultEnd: "end", ResultCancelled: "cancelled", ResultError: "error",
		ResultKind(99): "kind(99)",
	} {
		if got := k.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(k), got, want)
		}
	}
}

func TestClient_PingFailureFailsInFlight(t *testing.T) {
	t.Parallel()
	srv := newFakeServer()
	srv.setHold(true)
	d := &mock.Dialer{Respond: srv.respond}
	c := prepared(t, d)

	id, _ := c.Start(context.Background(), nil)
	c.End(id)
	waitFor(t, "end frame", sentKind(t, d, id, wire.KindEnd))
	d.Last().SetPingErr(errors.New("pong missing"))

	rs := drain(t, c, 1)
	if last := rs[len(rs)-1]; last.Kind != ResultError || last.Code != wire.CodeUnavailable {
		t.Errorf("terminal = %+v, want error %d", last, wire.CodeUnavailable)
	}
}
