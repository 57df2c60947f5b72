package gateway

import (
	"context"
	"sync"
)

// MemoryNotifier is an in-process NotificationGateway that records every
// send. Used by tests and by `aimgr serve --dry-notify`.
type MemoryNotifier struct {
	mu   sync.Mutex
	sent []SentMessage

	// FailFor lists recipient handles whose deliveries should report
	// a failed (undelivered) send.
	FailFor map[string]bool
}

type SentMessage struct {
	Recipient string
	Text      string
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{FailFor: map[string]bool{}}
}

func (n *MemoryNotifier) Send(_ context.Context, recipientHandle, text string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, SentMessage{Recipient: recipientHandle, Text: text})
	if n.FailFor[recipientHandle] {
		return false, nil
	}
	return true, nil
}

// Sent returns a copy of everything delivered so far.
func (n *MemoryNotifier) Sent() []SentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]SentMessage, len(n.sent))
	copy(out, n.sent)
	return out
}

// NoopAnalyzer satisfies AnalysisGateway without calling any AI
// provider. It echoes the input kind so rule results stay inspectable.
type NoopAnalyzer struct{}

func (NoopAnalyzer) Analyze(_ context.Context, input AnalysisInput) (AnalysisResult, error) {
	return AnalysisResult{Fields: map[string]any{"kind": input.Kind, "skipped": true}}, nil
}
