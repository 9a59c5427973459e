package keystore

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gestalt-engine/gestaltnet/identity"
)

// ApprovalBroadcast fans key-approval decisions out to every handshake
// waiting on one. Each in-flight handshake subscribes its own receiver and
// filters by identity, so concurrent handshakes never consume each other's
// decisions.
type ApprovalBroadcast struct {
	mu   sync.Mutex
	subs []chan KeyApproval
}

// NewApprovalBroadcast builds an empty broadcast.
func NewApprovalBroadcast() *ApprovalBroadcast {
	return &ApprovalBroadcast{}
}

// Subscribe adds a receiver for future decisions.
func (b *ApprovalBroadcast) Subscribe() <-chan KeyApproval {
	ch := make(chan KeyApproval, 16)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Send publishes a decision to every subscriber. A lagging subscriber loses
// its oldest pending decision rather than blocking the policy.
func (b *ApprovalBroadcast) Send(approval KeyApproval) {
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()
	for _, ch := range subs {
		for {
			select {
			case ch <- approval:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// RunAutoApprover answers every mismatch report with decide's verdict until
// ctx ends or the report channel closes. The pluggable-policy escape hatch
// for headless nodes and tests; interactive builds read the report channel
// themselves and prompt.
func RunAutoApprover(ctx context.Context, reports <-chan identity.NodeIdentity,
	broadcast *ApprovalBroadcast, decide func(identity.NodeIdentity) bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case peer, ok := <-reports:
			if !ok {
				return
			}
			approved := decide(peer)
			logrus.WithFields(logrus.Fields{
				"peer":     peer.ToBase64(),
				"approved": approved,
			}).Info("Automatic decision for changed peer protocol key")
			broadcast.Send(KeyApproval{Identity: peer, Approved: approved})
		}
	}
}
