package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xhad/ragkit/internal/models"
	"github.com/xhad/ragkit/pkg/llm"
)

// ErrStreamCancelled is returned by Result when the stream was closed or its
// context cancelled before the answer was complete.
var ErrStreamCancelled = errors.New("stream cancelled")

// Stream is an answer being generated. Read Fragments until it is closed, or
// call Close to abandon the answer, then call Result.
type Stream struct {
	fragments chan string
	sources   []models.Source
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	resp *Response
	err  error
}

// Fragments yields the non-empty pieces of the answer in order.
func (s *Stream) Fragments() <-chan string {
	return s.fragments
}

// Sources is the citation list of the retrieval this stream answers from.
func (s *Stream) Sources() []models.Source {
	return s.sources
}

// Close stops generation. Nothing is recorded for a stream closed before completion.
func (s *Stream) Close() {
	s.closeOnce.Do(s.cancel)
	<-s.done
}

// Result waits for the stream to end. It must be called after Fragments is
// drained or after Close.
func (s *Stream) Result() (*Response, error) {
	<-s.done
	return s.resp, s.err
}

// GenerateStream retrieves context and starts streaming the completion. The
// retrieval is done before it returns, so Sources is immediately usable.
func (p *Pipeline) GenerateStream(ctx context.Context, req Request) (*Stream, error) {
	prep, err := p.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		fragments: make(chan string),
		sources:   FormatSources(prep.results),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go p.produce(ctx, cancel, s, req, prep)

	return s, nil
}

func (p *Pipeline) produce(ctx context.Context, cancel context.CancelFunc, s *Stream, req Request, prep *prepared) {
	defer close(s.done)
	defer close(s.fragments)
	defer cancel()

	var answer strings.Builder
	var firstToken *time.Duration

	err := p.completer.Stream(ctx, prep.request, func(fragment string) error {
		if fragment == "" {
			return nil
		}
		if firstToken == nil {
			d := time.Since(prep.start)
			firstToken = &d
		}
		select {
		case s.fragments <- fragment:
			answer.WriteString(fragment)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			s.err = fmt.Errorf("%w: %w", ErrStreamCancelled, ctx.Err())
			p.logger.Info("stream cancelled", "conversation_id", req.ConversationID)
			return
		}
		s.err = fmt.Errorf("failed to stream answer: %w", err)
		return
	}

	text := answer.String()
	s.resp = p.finish(req, prep, text, llm.CountTokens(p.tokenizer, text), time.Since(prep.start), firstToken)
}
