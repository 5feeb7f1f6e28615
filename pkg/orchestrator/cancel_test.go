package orchestrator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCancelTokenIsIdempotentAndKeepsFirstReason(t *testing.T) {
	token := NewCancelToken()

	cancelled, _ := token.Cancelled()
	assert.False(t, cancelled)

	token.Cancel("first reason")
	token.Cancel("second reason")

	cancelled, reason := token.Cancelled()
	assert.True(t, cancelled)
	assert.Equal(t, "first reason", reason)
}

func TestCancelTokenConcurrentCancelIsRaceFree(t *testing.T) {
	token := NewCancelToken()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token.Cancel("concurrent")
		}()
	}
	wg.Wait()

	cancelled, reason := token.Cancelled()
	assert.True(t, cancelled)
	assert.Equal(t, "concurrent", reason)
}

func TestRegistryCancelUnknownContainerReturnsFalse(t *testing.T) {
	registry := NewRegistry()
	assert.False(t, registry.Cancel("missing", "no such job"))
}

func TestRegistryCancelRegisteredContainerMarksItsToken(t *testing.T) {
	registry := NewRegistry()
	token := NewCancelToken()
	registry.Register("c-1", token)

	assert.True(t, registry.Cancel("c-1", "operator requested"))

	cancelled, reason := token.Cancelled()
	assert.True(t, cancelled)
	assert.Equal(t, "operator requested", reason)
}

func TestRegistryUnregisterStopsFutureCancelFromAffectingToken(t *testing.T) {
	registry := NewRegistry()
	token := NewCancelToken()
	registry.Register("c-1", token)
	registry.Unregister("c-1")

	assert.False(t, registry.Cancel("c-1", "too late"))

	cancelled, _ := token.Cancelled()
	assert.False(t, cancelled)
}
