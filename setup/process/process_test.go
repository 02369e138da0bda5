package process

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShutdownWaitsForComponents(t *testing.T) {
	p := NewProcessContext()
	p.ComponentStarted()
	done := p.WaitForShutdown()

	p.ShutdownDendrite()
	p.ShutdownDendrite()
	assert.Error(t, p.Context().Err())

	select {
	case <-done:
		t.Fatal("shutdown finished while a component was running")
	case <-time.After(20 * time.Millisecond):
	}

	p.ComponentFinished()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown did not finish")
	}
}

func TestDegraded(t *testing.T) {
	p := NewProcessContext()
	degraded, _ := p.IsDegraded()
	assert.False(t, degraded)

	p.Degraded(errors.New("nats unavailable"))
	p.Degraded(errors.New("nats unavailable"))
	degraded, reasons := p.IsDegraded()
	assert.True(t, degraded)
	assert.Equal(t, []string{"nats unavailable"}, reasons)
}
