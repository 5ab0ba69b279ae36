package runner

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/speechmux/internal/observe"
	"github.com/MrWong99/speechmux/pkg/keepalive"
	"github.com/MrWong99/speechmux/pkg/transport/mock"
	"github.com/MrWong99/speechmux/pkg/wire"
)

// server answers the end frame of an operation with the frames returned by
// reply for the collected text. While held it does not answer at all.
type server struct {
	mu    sync.Mutex
	text  map[int32]string
	hold  bool
	reply func(id int32, text string) []wire.Frame
}

func newServer(reply func(id int32, text string) []wire.Frame) *server {
	return &server{text: make(map[int32]string), reply: reply}
}

func upperFinal(id int32, text string) []wire.Frame {
	return []wire.Frame{{ID: id, Kind: wire.KindFinal, Text: strings.ToUpper(text)}}
}

// upperLast is upperFinal for streaming shapes, which wait for the frame
// marked final.
func upperLast(id int32, text string) []wire.Frame {
	return []wire.Frame{{ID: id, Kind: wire.KindFinal, Text: strings.ToUpper(text), Final: true}}
}

func (s *server) setHold(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = v
}

func (s *server) respond(c *mock.Conn, msg []byte) {
	var f wire.Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return
	}
	s.mu.Lock()
	if f.Kind == wire.KindText {
		s.text[f.ID] += f.Text
	}
	text, hold := s.text[f.ID], s.hold
	s.mu.Unlock()
	if f.Kind != wire.KindEnd || hold {
		return
	}
	for _, out := range s.reply(f.ID, text) {
		b, _ := json.Marshal(out)
		c.Deliver(b)
	}
}

func newRunner(t *testing.T, d *mock.Dialer, shape Shape, opts ...Option) *Runner[wire.Chunk, wire.Chunk] {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	opts = append([]Option{
		WithMetrics(m),
		WithKeepalive(keepalive.Config{Interval: 20 * time.Millisecond}),
		WithTimeouts(time.Second, time.Second, 20*time.Millisecond),
	}, opts...)
	r, err := New[wire.Chunk, wire.Chunk](d, wire.NewFrameProtocol("nlp", nil), shape, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func prepared(t *testing.T, d *mock.Dialer, shape Shape, opts ...Option) *Runner[wire.Chunk, wire.Chunk] {
	t.Helper()
	r := newRunner(t, d, shape, opts...)
	if err := r.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return r
}

func drain(t *testing.T, r *Runner[wire.Chunk, wire.Chunk], n int) []Result[wire.Chunk] {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out []Result[wire.Chunk]
	for n > 0 {
		res, err := r.Poll(ctx)
		if err != nil {
			t.Fatalf("Poll after %d results: %v", len(out), err)
		}
		out = append(out, res)
		if res.Kind.Terminal() {
			n--
		}
	}
	return out
}

func kinds(rs []Result[wire.Chunk]) []Kind {
	out := make([]Kind, len(rs))
	for i, r := range rs {
		out[i] = r.Kind
	}
	return out
}

func sentFrames(t *testing.T, d *mock.Dialer) []wire.Frame {
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

func waitSent(t *testing.T, d *mock.Dialer, id int32, kind wire.Kind) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		for _, f := range sentFrames(t, d) {
			if f.ID == id && f.Kind == kind {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("no %s frame sent for %d", kind, id)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRunner_Unary(t *testing.T) {
	t.Parallel()
	d := &mock.Dialer{Respond: newServer(upperFinal).respond}
	r := prepared(t, d, Unary)

	id, err := r.Start(context.Background(), map[string]string{"lang": "en"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !r.Push(id, wire.Chunk{Text: "hi"}) {
		t.Fatal("first Push rejected")
	}
	if r.Push(id, wire.Chunk{Text: "again"}) {
		t.Error("unary operation accepted a second item")
	}
	r.End(id)

	rs := drain(t, r, 1)
	if got, want := kinds(rs), []Kind{KindStarted, KindData, KindEnd}; !slices.Equal(got, want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	if rs[1].Resp.Text != "HI" {
		t.Errorf("response = %q, want HI", rs[1].Resp.Text)
	}

	fs := sentFrames(t, d)
	var sent []wire.Kind
	for _, f := range fs {
		sent = append(sent, f.Kind)
	}
	if want := []wire.Kind{wire.KindStart, wire.KindText, wire.KindEnd}; !slices.Equal(sent, want) {
		t.Errorf("sent = %v, want %v", sent, want)
	}
	if fs[0].Params["lang"] != "en" {
		t.Errorf("start params = %v", fs[0].Params)
	}
}

func TestRunner_ServerStream(t *testing.T) {
	t.Parallel()
	srv := newServer(func(id int32, text string) []wire.Frame {
		return []wire.Frame{
			{ID: id, Kind: wire.KindPartial, Text: "1"},
			{ID: id, Kind: wire.KindPartial, Text: "2"},
			{ID: id, Kind: wire.KindEnd},
		}
	})
	r := prepared(t, &mock.Dialer{Respond: srv.respond}, ServerStream)

	id, err := r.Call(context.Background(), nil, wire.Chunk{Text: "count"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	rs := drain(t, r, 1)
	if got, want := kinds(rs), []Kind{KindStarted, KindData, KindData, KindEnd}; !slices.Equal(got, want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	if rs[1].Resp.Text != "1" || rs[2].Resp.Text != "2" || rs[3].ID != id {
		t.Errorf("results = %+v", rs)
	}
}

func TestRunner_ClientStreamIgnoresLateEnd(t *testing.T) {
	t.Parallel()
	srv := newServer(func(id int32, text string) []wire.Frame {
		return []wire.Frame{
			{ID: id, Kind: wire.KindFinal, Text: text},
			{ID: id, Kind: wire.KindEnd},
		}
	})
	r := prepared(t, &mock.Dialer{Respond: srv.respond}, ClientStream)

	for round := range 2 {
		id, _ := r.Start(context.Background(), nil)
		for _, s := range []string{"a", "b", "c"} {
			if !r.Push(id, wire.Chunk{Text: s}) {
				t.Fatalf("round %d: Push %q rejected", round, s)
			}
		}
		r.End(id)
		rs := drain(t, r, 1)
		if got, want := kinds(rs), []Kind{KindStarted, KindData, KindEnd}; !slices.Equal(got, want) {
			t.Fatalf("round %d: kinds = %v, want %v", round, got, want)
		}
		if rs[1].Resp.Text != "abc" {
			t.Errorf("round %d: response = %q", round, rs[1].Resp.Text)
		}
	}
}

func TestRunner_OneOperationAtATime(t *testing.T) {
	t.Parallel()
	d := &mock.Dialer{Respond: newServer(upperLast).respond}
	r := prepared(t, d, Bidi)

	first, _ := r.Start(context.Background(), nil)
	second, _ := r.Start(context.Background(), nil)
	r.Push(second, wire.Chunk{Text: "two"})
	r.End(second)
	r.Push(first, wire.Chunk{Text: "one"})
	r.End(first)

	rs := drain(t, r, 2)
	var terminals []int32
	for _, res := range rs {
		if res.Kind.Terminal() {
			terminals = append(terminals, res.ID)
		}
	}
	if !slices.Equal(terminals, []int32{first, second}) {
		t.Errorf("terminal order = %v", terminals)
	}

	// The second operation may only begin after the first finished.
	var order []wire.Frame
	for _, f := range sentFrames(t, d) {
		if f.Kind == wire.KindStart || f.Kind == wire.KindEnd {
			order = append(order, f)
		}
	}
	want := []struct {
		id   int32
		kind wire.Kind
	}{
		{first, wire.KindStart}, {first, wire.KindEnd},
		{second, wire.KindStart}, {second, wire.KindEnd},
	}
	if len(order) != len(want) {
		t.Fatalf("start/end frames = %+v, want %d", order, len(want))
	}
	for i, w := range want {
		if order[i].ID != w.id || order[i].Kind != w.kind {
			t.Errorf("frame %d = %d/%s, want %d/%s", i, order[i].ID, order[i].Kind, w.id, w.kind)
		}
	}

	var texts []string
	for _, res := range rs {
		if res.Kind == KindData {
			texts = append(texts, res.Resp.Text)
		}
	}
	if !slices.Equal(texts, []string{"ONE", "TWO"}) {
		t.Errorf("responses = %v, want [ONE TWO]", texts)
	}
}

func TestRunner_CancelWhileAwaiting(t *testing.T) {
	t.Parallel()
	srv := newServer(upperFinal)
	srv.setHold(true)
	d := &mock.Dialer{Respond: srv.respond}
	r := prepared(t, d, Unary)

	id, _ := r.Call(context.Background(), nil, wire.Chunk{Text: "slow"})
	waitSent(t, d, id, wire.KindEnd)
	if n := r.Cancel(id); n != 1 {
		t.Fatalf("Cancel = %d, want 1", n)
	}
	rs := drain(t, r, 1)
	if last := rs[len(rs)-1]; last.Kind != KindCancelled || last.ID != id {
		t.Fatalf("terminal = %+v", last)
	}
	waitSent(t, d, id, wire.KindCancel)
	if n := r.Cancel(id); n != 0 {
		t.Errorf("Cancel of a polled operation = %d, want 0", n)
	}

	srv.setHold(false)
	next, _ := r.Call(context.Background(), nil, wire.Chunk{Text: "fast"})
	rs = drain(t, r, 1)
	if last := rs[len(rs)-1]; last.Kind != KindEnd || last.ID != next {
		t.Errorf("next terminal = %+v", last)
	}
}

func TestRunner_CancelBeforeBegin(t *testing.T) {
	t.Parallel()
	d := &mock.Dialer{Respond: newServer(upperFinal).respond}
	r := newRunner(t, d, Unary)

	a, _ := r.Call(context.Background(), nil, wire.Chunk{Text: "a"})
	b, _ := r.Call(context.Background(), nil, wire.Chunk{Text: "b"})
	if n := r.Cancel(0); n != 2 {
		t.Fatalf("Cancel(0) = %d, want 2", n)
	}
	if err := r.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	rs := drain(t, r, 2)
	if got, want := kinds(rs), []Kind{KindCancelled, KindCancelled}; !slices.Equal(got, want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	if rs[0].ID != a || rs[1].ID != b {
		t.Errorf("ids = %d, %d", rs[0].ID, rs[1].ID)
	}
	time.Sleep(20 * time.Millisecond)
	if fs := sentFrames(t, d); len(fs) != 0 {
		t.Errorf("frames sent for cancelled operations: %+v", fs)
	}
}

func TestRunner_ResponseTimeout(t *testing.T) {
	t.Parallel()
	srv := newServer(upperFinal)
	srv.setHold(true)
	d := &mock.Dialer{Respond: srv.respond}
	r := prepared(t, d, Unary, WithResponseTimeout(30*time.Millisecond))

	id, _ := r.Call(context.Background(), nil, wire.Chunk{Text: "lost"})
	rs := drain(t, r, 1)
	last := rs[len(rs)-1]
	if last.Kind != KindError || last.Code != wire.CodeTimeout || last.ID != id {
		t.Fatalf("terminal = %+v, want timeout error", last)
	}
	waitSent(t, d, id, wire.KindCancel)
}

func TestRunner_RemoteError(t *testing.T) {
	t.Parallel()
	srv := newServer(func(id int32, _ string) []wire.Frame {
		return []wire.Frame{{ID: id, Kind: wire.KindError, Code: 42, Message: "bad input"}}
	})
	r := prepared(t, &mock.Dialer{Respond: srv.respond}, Unary)

	r.Call(context.Background(), nil, wire.Chunk{Text: "x"})
	rs := drain(t, r, 1)
	last := rs[len(rs)-1]
	if last.Kind != KindError || last.Code != 42 || last.Message != "bad input" {
		t.Errorf("terminal = %+v", last)
	}
}

func TestRunner_BrokenConnection(t *testing.T) {
	t.Parallel()
	srv := newServer(upperFinal)
	srv.setHold(true)
	d := &mock.Dialer{Respond: srv.respond}
	r := prepared(t, d, Unary)

	id, _ := r.Call(context.Background(), nil, wire.Chunk{Text: "x"})
	waitSent(t, d, id, wire.KindEnd)
	d.Last().Break()

	rs := drain(t, r, 1)
	last := rs[len(rs)-1]
	if last.Kind != KindError || last.Code != wire.CodeUnavailable {
		t.Fatalf("terminal = %+v, want unavailable", last)
	}

	srv.setHold(false)
	next, _ := r.Call(context.Background(), nil, wire.Chunk{Text: "y"})
	rs = drain(t, r, 1)
	if last := rs[len(rs)-1]; last.Kind != KindEnd || last.ID != next {
		t.Errorf("terminal after reconnect = %+v", last)
	}
	if d.Dials() < 2 {
		t.Errorf("Dials() = %d, want a reconnect", d.Dials())
	}
}

func TestRunner_Close(t *testing.T) {
	t.Parallel()
	r := prepared(t, &mock.Dialer{}, Bidi)

	errc := make(chan error, 1)
	go func() {
		_, err := r.Poll(context.Background())
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Poll err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Poll still blocked after Close")
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := r.Start(context.Background(), nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close: %v", err)
	}
	if err := r.Prepare(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Prepare after Close: %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	proto := wire.NewFrameProtocol("nlp", nil)
	d := &mock.Dialer{}
	if _, err := New[wire.Chunk, wire.Chunk](nil, proto, Unary); err == nil {
		t.Error("nil dialer accepted")
	}
	if _, err := New[wire.Chunk, wire.Chunk](d, nil, Unary); err == nil {
		t.Error("nil protocol accepted")
	}
	if _, err := New[wire.Chunk, wire.Chunk](d, proto, Shape(0)); err == nil {
		t.Error("zero shape accepted")
	}
	if _, err := New[wire.Chunk, wire.Chunk](d, proto, Bidi, WithResponseTimeout(0)); err == nil {
		t.Error("zero response timeout accepted")
	}
}

func TestShape(t *testing.T) {
	t.Parallel()
	tests := []struct {
		shape      Shape
		name       string
		reqs, resp bool
	}{
		{Unary, "unary", false, false},
		{ClientStream, "client-stream", true, false},
		{ServerStream, "server-stream", false, true},
		{Bidi, "bidi", true, true},
	}
	for _, tt := range tests {
		if got := tt.shape.String(); got != tt.name {
			t.Errorf("String() = %q, want %q", got, tt.name)
		}
		if tt.shape.StreamsRequests() != tt.reqs || tt.shape.StreamsResponses() != tt.resp {
			t.Errorf("%s: streams = %v/%v, want %v/%v", tt.name,
				tt.shape.StreamsRequests(), tt.shape.StreamsResponses(), tt.reqs, tt.resp)
		}
	}
}
