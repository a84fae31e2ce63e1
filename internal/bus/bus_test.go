package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPublishConsumeInbound(t *testing.T) {
	b := NewMessageBus()
	b.PublishInbound(&InboundMessage{Channel: "telegram", ChatID: "42", Content: "hi"})
	if b.InboundSize() != 1 {
		t.Fatalf("expected 1 pending, got %d", b.InboundSize())
	}
	msg, err := b.ConsumeInbound(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if msg.Content != "hi" || msg.Timestamp.IsZero() {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestConsumeRespectsContext(t *testing.T) {
	b := NewMessageBus()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.ConsumeMetadata(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestStopDropsPublishes(t *testing.T) {
	b := NewMessageBus()
	b.PublishMetadata(&ChatMetadata{ChatID: "a", Name: "A"})
	b.Stop()
	b.PublishMetadata(&ChatMetadata{ChatID: "b", Name: "B"})
	b.PublishInbound(&InboundMessage{ChatID: "b"})

	meta, err := b.ConsumeMetadata(context.Background())
	if err != nil || meta.ChatID != "a" {
		t.Fatalf("expected buffered event a, got %+v %v", meta, err)
	}
	if b.InboundSize() != 0 {
		t.Fatal("publish after stop should be dropped")
	}
}

func TestStopReleasesBlockedPublisher(t *testing.T) {
	b := NewMessageBus()
	for i := 0; i < cap(b.inbound); i++ {
		b.PublishInbound(&InboundMessage{ChatID: "a"})
	}
	returned := make(chan struct{})
	go func() {
		b.PublishInbound(&InboundMessage{ChatID: "overflow"})
		close(returned)
	}()
	select {
	case <-returned:
		t.Fatal("publish on a full buffer should block")
	case <-time.After(20 * time.Millisecond):
	}
	b.Stop()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Stop did not release the blocked publisher")
	}
	b.Stop()
}

func TestFlushMetadataWaitsForConsumer(t *testing.T) {
	b := NewMessageBus()
	var handled []string
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for {
			meta, err := b.ConsumeMetadata(ctx)
			if err != nil {
				return
			}
			time.Sleep(5 * time.Millisecond)
			handled = append(handled, meta.ChatID)
		}
	}()

	b.PublishMetadata(&ChatMetadata{ChatID: "a"})
	b.PublishMetadata(&ChatMetadata{ChatID: "b"})
	if err := b.FlushMetadata(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	<-consumerDone
	if len(handled) != 2 || handled[0] != "a" || handled[1] != "b" {
		t.Fatalf("handled = %v", handled)
	}
}

func TestFlushMetadataAfterStop(t *testing.T) {
	b := NewMessageBus()
	b.Stop()
	if err := b.FlushMetadata(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
