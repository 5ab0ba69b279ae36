package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/speechmux/internal/config"
	"github.com/MrWong99/speechmux/internal/observe"
	"github.com/MrWong99/speechmux/pkg/codec"
	"github.com/MrWong99/speechmux/pkg/keepalive"
	"github.com/MrWong99/speechmux/pkg/params"
	"github.com/MrWong99/speechmux/pkg/runner"
	"github.com/MrWong99/speechmux/pkg/speech"
	"github.com/MrWong99/speechmux/pkg/transport"
	"github.com/MrWong99/speechmux/pkg/wire"
)

// session is the request surface shared by the pipelined client and the
// single-operation runner.
type session interface {
	Prepare(ctx context.Context) error
	Connected() bool
	Start(ctx context.Context, overrides map[string]string) (int32, error)
	PushText(id int32, text string) bool
	PushAudio(id int32, audio []byte) bool
	End(id int32) bool
	Cancel(id int32) int
	Poll(ctx context.Context) (speech.Result, error)
	Release() error
}

// modePipeline selects [speech.Client]. Every other mode names a
// [runner.Shape].
const modePipeline = "pipeline"

// parseMode maps a -mode value to a runner shape. ok is false for the
// pipelined client.
func parseMode(s string) (shape runner.Shape, ok bool, err error) {
	if s == "" || s == modePipeline {
		return 0, false, nil
	}
	for _, sh := range []runner.Shape{runner.Unary, runner.ClientStream, runner.ServerStream, runner.Bidi} {
		if sh.String() == s {
			return sh, true, nil
		}
	}
	return 0, false, fmt.Errorf("unknown mode %q; valid: pipeline, unary, client-stream, server-stream, bidi", s)
}

// runnerSession adapts a [runner.Runner] over text/audio chunks to [session].
type runnerSession struct {
	r *runner.Runner[wire.Chunk, wire.Chunk]
}

func buildRunner(cfg *config.Config, shape runner.Shape, dialer transport.Dialer, store *params.Store, m *observe.Metrics) (*runnerSession, error) {
	c := cfg.Connection
	fc, err := codec.ForName[wire.Frame](c.Codec)
	if err != nil {
		return nil, err
	}
	r, err := runner.New[wire.Chunk, wire.Chunk](dialer, wire.NewFrameProtocol(string(c.Service), fc), shape,
		runner.WithService(string(c.Service)),
		runner.WithParams(store),
		runner.WithKeepalive(keepalive.Config{
			Interval:    c.KeepaliveInterval,
			PingTimeout: c.PingTimeout,
			DialTimeout: c.DialTimeout,
			Metrics:     m,
		}),
		runner.WithTimeouts(c.DialTimeout, c.SendTimeout, c.RecvTimeout),
		runner.WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}
	return &runnerSession{r: r}, nil
}

func (s *runnerSession) Prepare(ctx context.Context) error { return s.r.Prepare(ctx) }

func (s *runnerSession) Connected() bool { return s.r.Connected() }

func (s *runnerSession) Start(ctx context.Context, overrides map[string]string) (int32, error) {
	return s.r.Start(ctx, overrides)
}

func (s *runnerSession) PushText(id int32, text string) bool {
	return s.r.Push(id, wire.Chunk{Text: text})
}

func (s *runnerSession) PushAudio(id int32, audio []byte) bool {
	return s.r.Push(id, wire.Chunk{Audio: audio})
}

func (s *runnerSession) End(id int32) bool { return s.r.End(id) }

func (s *runnerSession) Cancel(id int32) int { return s.r.Cancel(id) }

func (s *runnerSession) Release() error { return s.r.Close() }

// Poll translates runner results into client results so both modes print
// the same way. Response items are stable payloads and map to final.
func (s *runnerSession) Poll(ctx context.Context) (speech.Result, error) {
	res, err := s.r.Poll(ctx)
	if err != nil {
		if errors.Is(err, runner.ErrClosed) {
			return speech.Result{}, speech.ErrReleased
		}
		return speech.Result{}, err
	}
	out := speech.Result{ID: res.ID, Code: res.Code, Message: res.Message}
	switch res.Kind {
	case runner.KindStarted:
		out.Kind = speech.ResultStarted
	case runner.KindData:
		out.Kind = speech.ResultFinal
		out.Text, out.Audio = res.Resp.Text, res.Resp.Audio
	case runner.KindEnd:
		out.Kind = speech.ResultEnd
	case runner.KindCancelled:
		out.Kind = speech.ResultCancelled
	default:
		out.Kind = speech.ResultError
	}
	return out, nil
}
