package ensemble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// PeerVote is an acceptor's answer to a binding proposal.
type PeerVote struct {
	// Granted means the acceptor holds this proposal as its (uncommitted)
	// acceptance.
	Granted bool
	// Accepted is the region the acceptor currently holds for the key.
	Accepted string
	// Committed marks Accepted as final; the proposer must adopt it.
	Committed bool
}

// RegionPeer is the control-plane link to one remote region. The wire
// format is owned by the transport collaborator; in-process fakes back the
// tests.
type RegionPeer interface {
	Region() string
	// Propose asks the peer's acceptor to vote on binding key → region.
	Propose(ctx context.Context, key, region string) (PeerVote, error)
	// Learn informs the peer that the binding committed.
	Learn(ctx context.Context, key, region string) error
	// Resolve returns the id for a ref the peer's region owns, creating
	// the instance there if needed.
	Resolve(ctx context.Context, ref Ref, input []byte) (InstanceID, error)
}

// acceptor is this region's vote state for binding proposals. A proposal
// from a lexicographically smaller region name displaces an uncommitted
// acceptance, which is what makes concurrent creates converge without a
// leader. Committed bindings are final.
type acceptor struct {
	mu       sync.Mutex
	store    BindingStore
	accepted map[string]string
}

func newAcceptor(store BindingStore) *acceptor {
	return &acceptor{store: store, accepted: make(map[string]string)}
}

func (a *acceptor) propose(key, region string) (PeerVote, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if committed, ok, err := a.store.Get(key); err != nil {
		return PeerVote{}, err
	} else if ok {
		return PeerVote{Granted: committed == region, Accepted: committed, Committed: true}, nil
	}

	cur, held := a.accepted[key]
	if !held || cur == region || region < cur {
		a.accepted[key] = region
		return PeerVote{Granted: true, Accepted: region}, nil
	}
	return PeerVote{Granted: false, Accepted: cur}, nil
}

func (a *acceptor) learn(key, region string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.accepted, key)
	_, err := a.store.Commit(key, region)
	return err
}

// KeyAllocator assigns the owning region for keyed actors. The common
// no-conflict case costs one round of Propose calls (one WAN round trip);
// conflicts are resolved by the deterministic yield in the acceptors, and
// the loser transparently adopts the winner's binding. Keyless actors
// never come through here.
type KeyAllocator struct {
	region string
	acc    *acceptor
	store  BindingStore
	peers  []RegionPeer

	proposeTimeout time.Duration
	maxAttempts    int

	// onCommit fires once per binding this allocator commits locally,
	// whether won or adopted.
	onCommit func()
}

func newKeyAllocator(region string, store BindingStore, peers []RegionPeer, proposeTimeout time.Duration) *KeyAllocator {
	return &KeyAllocator{
		region:         region,
		acc:            newAcceptor(store),
		store:          store,
		peers:          peers,
		proposeTimeout: proposeTimeout,
		maxAttempts:    8,
	}
}

// Acceptor exposes this region's vote state to the peer transport.
func (ka *KeyAllocator) Acceptor() *acceptor {
	return ka.acc
}

// Allocate returns the owning region for the key, proposing this region
// as owner when no binding exists yet. Bindings are write-once: once
// committed anywhere, every later Allocate returns the same region.
func (ka *KeyAllocator) Allocate(ctx context.Context, key string) (string, error) {
	if region, ok, err := ka.store.Get(key); err != nil {
		return "", err
	} else if ok {
		return region, nil
	}

	backoff := 10 * time.Millisecond
	for attempt := 0; attempt < ka.maxAttempts; attempt++ {
		region, done, err := ka.proposeRound(ctx, key)
		if err != nil {
			return "", err
		}
		if done {
			return region, nil
		}

		// Key conflict: another region is racing us. Back off and retry;
		// the acceptor tie-break guarantees one of us reaches quorum.
		slog.Debug("binding proposal lost a round", "key", key, "region", ka.region, "attempt", attempt)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		if backoff < 500*time.Millisecond {
			backoff *= 2
		}
	}
	return "", fmt.Errorf("binding for %q did not converge: %w", key, ErrInternal)
}

func (ka *KeyAllocator) proposeRound(ctx context.Context, key string) (string, bool, error) {
	total := 1 + len(ka.peers)
	quorum := total/2 + 1

	granted := 0

	vote, err := ka.acc.propose(key, ka.region)
	if err != nil {
		return "", false, err
	}
	if vote.Committed {
		return vote.Accepted, true, nil
	}
	if vote.Granted {
		granted++
	}

	for _, peer := range ka.peers {
		pctx, cancel := context.WithTimeout(ctx, ka.proposeTimeout)
		pv, err := peer.Propose(pctx, key, ka.region)
		cancel()
		if err != nil {
			// Unreachable peers just don't vote this round.
			slog.Warn("binding proposal failed to reach peer", "peer", peer.Region(), "key", key, "error", err)
			continue
		}
		if pv.Committed {
			// Someone already won; adopt their binding.
			if _, err := ka.store.Commit(key, pv.Accepted); err != nil {
				return "", false, err
			}
			ka.committed()
			return pv.Accepted, true, nil
		}
		if pv.Granted {
			granted++
		}
	}

	if granted < quorum {
		return "", false, nil
	}

	// Quorum reached: commit locally, then spread the result. A peer that
	// misses the Learn discovers the binding on its next proposal.
	if err := ka.acc.learn(key, ka.region); err != nil {
		return "", false, err
	}
	ka.committed()
	for _, peer := range ka.peers {
		pctx, cancel := context.WithTimeout(ctx, ka.proposeTimeout)
		if err := peer.Learn(pctx, key, ka.region); err != nil {
			slog.Warn("binding learn failed to reach peer", "peer", peer.Region(), "key", key, "error", err)
		}
		cancel()
	}
	return ka.region, true, nil
}

func (ka *KeyAllocator) committed() {
	if ka.onCommit != nil {
		ka.onCommit()
	}
}

// peerFor returns the transport link to the named region, or nil when
// this region has no configured link to it.
func (ka *KeyAllocator) peerFor(region string) RegionPeer {
	for _, p := range ka.peers {
		if p.Region() == region {
			return p
		}
	}
	return nil
}
