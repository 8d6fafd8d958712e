// Package autoreply answers inbound channel messages: cached replies
// where possible, LLM-generated text when configured, and a canned
// fallback set otherwise. Reply content is best-effort and never part
// of the dispatch-reliability contract.
package autoreply

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ncondori/wasub/internal/circuitbreaker"
	"github.com/ncondori/wasub/internal/dispatch"
)

const systemPrompt = `You are the WhatsApp assistant of a subscription service.
Answer customer messages briefly and politely in one short paragraph.
If the question concerns payments, renewals or account changes, ask the
customer to wait for a human agent. Never invent prices or dates.`

// fallbackReplies is used when generation is disabled or failing.
var fallbackReplies = []string{
	"Thanks for your message! An agent will get back to you shortly.",
	"We received your message and will reply as soon as possible.",
	"Thanks for reaching out! Our team will answer you soon.",
}

// Dispatcher is the slice of the dispatch engine the responder uses.
type Dispatcher interface {
	Send(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
}

// Responder turns inbound messages into auto-reply dispatches.
type Responder struct {
	cache      *ResponseCache
	client     *Client // nil when AI is disabled
	breaker    *circuitbreaker.Breaker
	dispatcher Dispatcher
	logger     *zap.Logger

	fallbackIdx atomic.Int64
}

// NewResponder wires the responder. client may be nil; every reply then
// comes from the fallback set.
func NewResponder(client *Client, d Dispatcher, logger *zap.Logger) *Responder {
	return &Responder{
		cache:  NewResponseCache(),
		client: client,
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Name:            "openai",
			MaxFailures:     3,
			RecoveryTimeout: time.Minute,
		}, logger),
		dispatcher: d,
		logger:     logger,
	}
}

// HandleMessage is registered with the connection manager. It returns
// immediately; composition and dispatch run off the event loop.
func (r *Responder) HandleMessage(from, body string) {
	go r.respond(from, body)
}

func (r *Responder) respond(from, body string) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	reply := r.compose(ctx, body)

	_, err := r.dispatcher.Send(ctx, dispatch.Request{
		TargetAddress: from,
		Body:          reply,
		Kind:          dispatch.KindAutoReply,
		CreatedAt:     time.Now(),
	})
	if err != nil {
		r.logger.Warn("auto-reply dispatch failed",
			zap.String("from", from),
			zap.Error(err),
		)
	}
}

// compose returns the reply text for an inbound message, consulting the
// cache first and falling back to the canned set when generation is
// unavailable.
func (r *Responder) compose(ctx context.Context, body string) string {
	key := Key(body)
	if cached, ok := r.cache.Get(key); ok {
		return cached
	}

	if r.client == nil {
		return r.fallback()
	}

	var generated string
	err := r.breaker.Do(func() error {
		text, genErr := r.client.GenerateText(ctx, systemPrompt, body)
		if genErr != nil {
			return genErr
		}
		generated = text
		return nil
	})
	if err != nil {
		r.logger.Warn("reply generation failed, using fallback", zap.Error(err))
		return r.fallback()
	}

	r.cache.Put(key, generated)
	return generated
}

func (r *Responder) fallback() string {
	idx := r.fallbackIdx.Add(1) - 1
	return fallbackReplies[int(idx)%len(fallbackReplies)]
}
