package session

import (
	"context"

	"github.com/piwi3910/nebulardma/internal/channel"
	"github.com/piwi3910/nebulardma/internal/verbs"
)

// EstablishedFunc runs once per completion queue group before polling
// starts.
type EstablishedFunc func(ctx context.Context, s *Session, group []*channel.Channel) error

// CompletionFunc handles one successful completion. ch is the channel the
// work request was posted on.
type CompletionFunc func(ctx context.Context, s *Session, ch *channel.Channel, wc *verbs.WorkCompletion) error

// Handlers is the set of callbacks a session dispatches to.
type Handlers struct {
	Established     EstablishedFunc
	SendDone        CompletionFunc
	RecvDone        CompletionFunc
	RecvWithImmDone CompletionFunc
	WriteDone       CompletionFunc
	ReadDone        CompletionFunc
}

// merge returns h with every non-nil field of o applied.
func (h Handlers) merge(o Handlers) Handlers {
	if o.Established != nil {
		h.Established = o.Established
	}

	if o.SendDone != nil {
		h.SendDone = o.SendDone
	}

	if o.RecvDone != nil {
		h.RecvDone = o.RecvDone
	}

	if o.RecvWithImmDone != nil {
		h.RecvWithImmDone = o.RecvWithImmDone
	}

	if o.WriteDone != nil {
		h.WriteDone = o.WriteDone
	}

	if o.ReadDone != nil {
		h.ReadDone = o.ReadDone
	}

	return h
}
