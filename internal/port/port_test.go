package port

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandleFirstCompletionWins(t *testing.T) {
	h := NewHandle()
	assert.NoError(t, h.Err())

	select {
	case <-h.Done():
		t.Fatal("handle done before completion")
	default:
	}

	boom := errors.New("boom")
	h.Complete(boom)
	h.Complete(nil)

	<-h.Done()
	assert.Equal(t, boom, h.Err())
}

func TestCompleted(t *testing.T) {
	h := Completed(nil)
	<-h.Done()
	assert.NoError(t, h.Err())
}
