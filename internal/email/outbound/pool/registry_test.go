package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() Key {
	return Key{Host: "smtp.example.com", Port: 465, Username: "bot", Password: "pw", Security: "ssl", Auth: true}
}

func TestKeyFingerprint(t *testing.T) {
	a := testKey()
	b := testKey()
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.Password = "other"
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())

	c := testKey()
	c.Port = 587
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())

	assert.Equal(t, "bot@smtp.example.com:465/ssl", a.String())
	assert.NotContains(t, a.String(), "pw")
}

func TestRegistryGetUnavailable(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get(testKey())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRegistryInitializeIsIdempotent(t *testing.T) {
	r := NewRegistry()
	f := &countingFactory{}

	var wg sync.WaitGroup
	pools := make([]*Pool, 8)
	for i := range pools {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := r.Initialize(context.Background(), testKey(), f.open, Settings{Size: 2})
			assert.NoError(t, err)
			pools[i] = p
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1, f.count())
	for _, p := range pools {
		assert.Same(t, pools[0], p)
	}

	got, err := r.Get(testKey())
	require.NoError(t, err)
	assert.Same(t, pools[0], got)
	assert.Contains(t, r.Stats(), testKey().String())

	for range pools {
		require.NoError(t, r.Teardown(context.Background(), testKey()))
	}
	assert.Zero(t, r.Len())
}

func TestRegistryTeardownClosesOnLastReference(t *testing.T) {
	r := NewRegistry()
	f := &countingFactory{}

	_, err := r.Initialize(context.Background(), testKey(), f.open, Settings{Size: 1})
	require.NoError(t, err)
	_, err = r.Initialize(context.Background(), testKey(), f.open, Settings{Size: 1})
	require.NoError(t, err)

	require.NoError(t, r.Teardown(context.Background(), testKey()))
	_, err = r.Get(testKey())
	require.NoError(t, err)
	assert.False(t, f.created[0].closed.Load())

	require.NoError(t, r.Teardown(context.Background(), testKey()))
	_, err = r.Get(testKey())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Eventually(t, f.created[0].closed.Load, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Teardown(context.Background(), testKey()))
}

func TestRegistryKeepsDistinctKeysApart(t *testing.T) {
	r := NewRegistry()
	f := &countingFactory{}

	other := testKey()
	other.Username = "someone"

	a, err := r.Initialize(context.Background(), testKey(), f.open, Settings{Size: 1})
	require.NoError(t, err)
	b, err := r.Initialize(context.Background(), other, f.open, Settings{Size: 1})
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, 2, r.Len())
	require.NoError(t, r.Teardown(context.Background(), testKey()))
	require.NoError(t, r.Teardown(context.Background(), other))
}

func TestRegistryInitializeFailureLeavesNoPool(t *testing.T) {
	r := NewRegistry()
	f := &countingFactory{err: assert.AnError}

	_, err := r.Initialize(context.Background(), testKey(), f.open, Settings{Size: 1})
	require.Error(t, err)
	assert.Zero(t, r.Len())
}

func TestRegistrySlowDialDoesNotBlockOtherKeys(t *testing.T) {
	r := NewRegistry()
	entered := make(chan struct{})
	gate := make(chan struct{})
	slow := &countingFactory{}
	slowOpen := func(ctx context.Context) (Conn, error) {
		close(entered)
		<-gate
		return slow.open(ctx)
	}

	type result struct {
		p   *Pool
		err error
	}
	first := make(chan result, 1)
	go func() {
		p, err := r.Initialize(context.Background(), testKey(), slowOpen, Settings{Size: 1})
		first <- result{p, err}
	}()
	<-entered

	other := testKey()
	other.Host = "relay.example.com"
	fast := &countingFactory{}
	done := make(chan error, 1)
	go func() {
		_, err := r.Initialize(context.Background(), other, fast.open, Settings{Size: 1})
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("initialize of an unrelated key waited for a dial in progress")
	}

	_, err := r.Get(testKey())
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = r.Get(other)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())
	assert.Contains(t, r.Stats(), other.String())
	assert.NotContains(t, r.Stats(), testKey().String())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.Initialize(ctx, testKey(), slowOpen, Settings{Size: 1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	res := <-first
	require.NoError(t, res.err)
	assert.Equal(t, 1, slow.count())
	got, err := r.Get(testKey())
	require.NoError(t, err)
	assert.Same(t, res.p, got)

	require.NoError(t, r.Teardown(context.Background(), testKey()))
	require.NoError(t, r.Teardown(context.Background(), other))
	assert.Zero(t, r.Len())
}

func TestRegistryWaitersShareFailure(t *testing.T) {
	r := NewRegistry()
	entered := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	failing := func(context.Context) (Conn, error) {
		once.Do(func() { close(entered) })
		<-gate
		return nil, assert.AnError
	}

	first := make(chan error, 1)
	go func() {
		_, err := r.Initialize(context.Background(), testKey(), failing, Settings{Size: 1})
		first <- err
	}()
	<-entered

	second := make(chan error, 1)
	go func() {
		_, err := r.Initialize(context.Background(), testKey(), failing, Settings{Size: 1})
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(gate)

	require.Error(t, <-first)
	require.Error(t, <-second)
	assert.Zero(t, r.Len())

	f := &countingFactory{}
	_, err := r.Initialize(context.Background(), testKey(), f.open, Settings{Size: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())
	require.NoError(t, r.Teardown(context.Background(), testKey()))
}
