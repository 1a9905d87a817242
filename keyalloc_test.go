package ensemble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryPeer exposes one allocator's acceptor to another in-process, the
// way the wire transport would.
type memoryPeer struct {
	region string
	acc    *acceptor
	orch   *Orchestrator // optional, for Resolve
	down   bool
}

func (p *memoryPeer) Region() string { return p.region }

func (p *memoryPeer) Propose(ctx context.Context, key, region string) (PeerVote, error) {
	if p.down {
		return PeerVote{}, errors.New("peer unreachable")
	}
	return p.acc.propose(key, region)
}

func (p *memoryPeer) Learn(ctx context.Context, key, region string) error {
	if p.down {
		return errors.New("peer unreachable")
	}
	return p.acc.learn(key, region)
}

func (p *memoryPeer) Resolve(ctx context.Context, ref Ref, input []byte) (InstanceID, error) {
	if p.orch == nil {
		return "", errors.New("no orchestrator behind this peer")
	}
	return p.orch.Resolve(ctx, ref, input)
}

func twoAllocators(t *testing.T) (*KeyAllocator, *KeyAllocator) {
	t.Helper()
	storeA := NewMemoryBindingStore()
	storeB := NewMemoryBindingStore()
	accA := newAcceptor(storeA)
	accB := newAcceptor(storeB)

	a := newKeyAllocator("alpha", storeA, []RegionPeer{&memoryPeer{region: "beta", acc: accB}}, time.Second)
	a.acc = accA
	b := newKeyAllocator("beta", storeB, []RegionPeer{&memoryPeer{region: "alpha", acc: accA}}, time.Second)
	b.acc = accB
	return a, b
}

func TestAllocate_Uncontended(t *testing.T) {
	a, b := twoAllocators(t)

	owner, err := a.Allocate(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", owner)

	// The other region discovers the committed binding.
	owner, err = b.Allocate(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", owner)
}

func TestAllocate_CommittedBindingIsFinal(t *testing.T) {
	a, _ := twoAllocators(t)

	owner1, err := a.Allocate(context.Background(), "room-1")
	require.NoError(t, err)
	owner2, err := a.Allocate(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, owner1, owner2)
}

func TestAllocate_ConcurrentRacesConverge(t *testing.T) {
	a, b := twoAllocators(t)

	var wg sync.WaitGroup
	owners := make([]string, 2)
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		owners[0], errs[0] = a.Allocate(context.Background(), "room-1")
	}()
	go func() {
		defer wg.Done()
		owners[1], errs[1] = b.Allocate(context.Background(), "room-1")
	}()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, owners[0], owners[1], "both regions must settle on one owner")
}

func TestAllocate_SmallerRegionDisplacesUncommitted(t *testing.T) {
	store := NewMemoryBindingStore()
	acc := newAcceptor(store)

	// beta holds an uncommitted acceptance; alpha's later proposal wins
	// the slot because "alpha" < "beta".
	v, err := acc.propose("room-1", "beta")
	require.NoError(t, err)
	assert.True(t, v.Granted)

	v, err = acc.propose("room-1", "alpha")
	require.NoError(t, err)
	assert.True(t, v.Granted)

	// beta re-proposing now loses.
	v, err = acc.propose("room-1", "beta")
	require.NoError(t, err)
	assert.False(t, v.Granted)
	assert.Equal(t, "alpha", v.Accepted)
}

func TestAllocate_CommittedRefusesRewrite(t *testing.T) {
	store := NewMemoryBindingStore()
	acc := newAcceptor(store)

	require.NoError(t, acc.learn("room-1", "beta"))

	// Even a lexicographically smaller region cannot displace a commit.
	v, err := acc.propose("room-1", "alpha")
	require.NoError(t, err)
	assert.False(t, v.Granted)
	assert.True(t, v.Committed)
	assert.Equal(t, "beta", v.Accepted)
}

func TestAllocate_PeerDownStillCommitsWithQuorum(t *testing.T) {
	// Three regions, one unreachable: 2 of 3 still form a quorum.
	storeA := NewMemoryBindingStore()
	storeB := NewMemoryBindingStore()
	accA := newAcceptor(storeA)
	accB := newAcceptor(storeB)

	a := newKeyAllocator("alpha", storeA, []RegionPeer{
		&memoryPeer{region: "beta", acc: accB},
		&memoryPeer{region: "gamma", down: true},
	}, time.Second)
	a.acc = accA

	owner, err := a.Allocate(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", owner)
}

func TestCreateOrGet_RemoteOwnerDelegates(t *testing.T) {
	// Pre-commit the binding so the local region knows it does not own
	// the key, and back the remote region with a live orchestrator.
	remote := testOrchestrator(t, WithRegion("alpha"))
	remoteDef, _ := counterDefinition("counter", CrashPolicySleep)
	require.NoError(t, remote.Register(remoteDef))

	bindings := NewMemoryBindingStore()
	_, err := bindings.Commit("counter\x1fc1", "alpha")
	require.NoError(t, err)

	local := testOrchestrator(t,
		WithRegion("zeta"),
		WithBindingStore(bindings),
		WithRegionPeers(&memoryPeer{region: "alpha", acc: remote.keys.acc, orch: remote}))
	localDef, _ := counterDefinition("counter", CrashPolicySleep)
	require.NoError(t, local.Register(localDef))

	id, err := local.CreateOrGet(context.Background(), NewRef("counter", "c1"), nil)
	require.NoError(t, err)
	assert.Equal(t, "alpha", id.Region())

	// The remote region actually hosts it.
	_, found := remote.Lookup(NewRef("counter", "c1"))
	assert.True(t, found)

	// Actions on the remote id are not routed here; the error names the
	// owning region rather than claiming the actor never existed.
	_, err = local.Call(context.Background(), id, "get", nil)
	assert.ErrorIs(t, err, ErrWrongRegion)
	out, err := remote.Call(context.Background(), id, "get", nil)
	require.NoError(t, err)
	assert.Equal(t, "0", string(out))
}

func TestCreateOrGet_KeylessSkipsAllocation(t *testing.T) {
	// A keyless ref never consults peers, even unreachable ones.
	o := testOrchestrator(t,
		WithRegionPeers(&memoryPeer{region: "beta", down: true}))
	def, _ := counterDefinition("singleton", CrashPolicySleep)
	require.NoError(t, o.Register(def))

	id, err := o.CreateOrGet(context.Background(), NewRef("singleton"), nil)
	require.NoError(t, err)
	assert.Equal(t, "test", id.Region())
}
