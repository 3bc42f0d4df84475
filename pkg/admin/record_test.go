package admin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureStore_AddListClear(t *testing.T) {
	cs := NewCaptureStore(2)

	cs.Add(RequestRecord{Path: "/a"})
	cs.Add(RequestRecord{Path: "/b"})
	cs.Add(RequestRecord{Path: "/c"}) // evicts "/a"

	got := cs.List()
	require.Len(t, got, 2, "expected 2 entries after overflow")
	assert.Equal(t, "/b", got[0].Path)
	assert.Equal(t, "/c", got[1].Path)

	cs.Clear()
	assert.Empty(t, cs.List())
}

func TestCaptureStore_DefaultCapacity(t *testing.T) {
	cs := NewCaptureStore(0)
	for i := 0; i < 1005; i++ {
		cs.Add(RequestRecord{Status: i})
	}
	got := cs.List()
	require.Len(t, got, 1000)
	assert.Equal(t, 5, got[0].Status)
}

func TestCaptureStore_ObserverChains(t *testing.T) {
	cs := NewCaptureStore(10)
	called := false
	obs := cs.Observer(func(RequestRecord) { called = true })

	obs(RequestRecord{Host: "x.test", Time: time.Now()})
	assert.True(t, called, "expected previous observer to be called")
	require.Len(t, cs.List(), 1)
	assert.Equal(t, "x.test", cs.List()[0].Host)

	cs.Observer(nil)(RequestRecord{Host: "y.test"})
	assert.Len(t, cs.List(), 2)
}

func TestNotifyObserver(t *testing.T) {
	got := make(chan RequestRecord, 1)
	NotifyObserver(func(r RequestRecord) { got <- r }, RequestRecord{Outcome: "HIT"})
	select {
	case r := <-got:
		assert.Equal(t, "HIT", r.Outcome)
	case <-time.After(time.Second):
		t.Fatal("observer was not called")
	}

	NotifyObserver(nil, RequestRecord{})

	done := make(chan struct{})
	NotifyObserver(func(RequestRecord) {
		defer close(done)
		panic("boom")
	}, RequestRecord{Outcome: "MISS"})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panicking observer was not called")
	}
}
