package main

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"assistant-relay/infra/queue"
	"assistant-relay/infra/storage"
)

type eventStore interface {
	Save(ctx context.Context, ev *storage.RelayEvent) error
}

type recorder struct {
	store eventStore
	log   *zap.Logger
}

// handle is the queue.Handler for relay events. Undecodable payloads are
// logged and acknowledged; store failures are returned so the broker
// redelivers.
func (r *recorder) handle(ctx context.Context, msg queue.Message) error {
	ev, err := queue.DecodeRelayEvent(msg)
	if err != nil {
		r.log.Warn("dropping undecodable relay event", zap.String("msg_id", msg.ID), zap.Error(err))
		return nil
	}
	if ev.SessionID == "" {
		r.log.Warn("dropping relay event without session", zap.String("msg_id", msg.ID))
		return nil
	}

	fields := []zap.Field{
		zap.String("session_id", ev.SessionID),
		zap.String("kind", string(ev.Kind)),
		zap.Uint("user_id", ev.UserID),
		zap.String("state", ev.State),
		zap.Int64("bytes", ev.Bytes),
		zap.Int64("duration_ms", ev.DurationMS),
	}
	if ev.Error != "" {
		fields = append(fields, zap.String("error", ev.Error))
	}
	r.log.Info("relay session", fields...)

	if r.store == nil {
		return nil
	}
	row := &storage.RelayEvent{
		MessageID:  msg.ID,
		SessionID:  ev.SessionID,
		Kind:       string(ev.Kind),
		UserID:     ev.UserID,
		State:      ev.State,
		Bytes:      ev.Bytes,
		Error:      truncate(ev.Error, 1024),
		StartedAt:  ev.StartedAt,
		DurationMS: ev.DurationMS,
	}
	if err := r.store.Save(ctx, row); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		r.log.Error("store relay event failed", zap.String("session_id", ev.SessionID), zap.Error(err))
		return err
	}
	return nil
}

// truncate cuts s to at most n bytes without splitting a rune; the column
// rejects invalid UTF-8.
func truncate(s string, n int) string {
	if len(s) <= n {
		return strings.ToValidUTF8(s, "")
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return strings.ToValidUTF8(s[:n], "")
}
