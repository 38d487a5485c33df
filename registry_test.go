package amqpx

import (
	"testing"

	tdd "github.com/stretchr/testify/assert"
)

type fakeRecoverable struct {
	cid           uint64
	reattachCalls int
	reattachErr   error
}

func (f *fakeRecoverable) id() uint64 { return f.cid }
func (f *fakeRecoverable) reattach(tr transport) error {
	f.reattachCalls++
	return f.reattachErr
}

func TestChannelRegistryRegisterOrderAndSnapshot(t *testing.T) {
	t.Parallel()
	assert := tdd.New(t)
	r := newChannelRegistry()

	a := &fakeRecoverable{cid: 1}
	b := &fakeRecoverable{cid: 2}
	r.register(a)
	r.register(b)

	snap := r.snapshot()
	assert.Len(snap, 2)
	assert.Equal(uint64(1), snap[0].id())
	assert.Equal(uint64(2), snap[1].id())

	first, ok := r.first()
	assert.True(ok)
	assert.Equal(uint64(1), first.id())
}

func TestChannelRegistryUnregisterRemovesFromOrderAndLookup(t *testing.T) {
	t.Parallel()
	assert := tdd.New(t)
	r := newChannelRegistry()

	a := &fakeRecoverable{cid: 1}
	r.register(a)
	r.unregister(1)

	_, ok := r.lookup(1)
	assert.False(ok)
	assert.Len(r.snapshot(), 0)

	_, ok = r.first()
	assert.False(ok, "first on an empty registry reports not-ok")
}

func TestChannelRegistryReRegisterSameIDDoesNotDuplicateOrder(t *testing.T) {
	t.Parallel()
	assert := tdd.New(t)
	r := newChannelRegistry()

	a := &fakeRecoverable{cid: 1}
	r.register(a)
	r.register(a)

	assert.Len(r.snapshot(), 1)
}
