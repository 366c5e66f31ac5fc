package event

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanerRunsInReverseOrderOnce(t *testing.T) {
	var order []string
	loggerClosed := 0
	c := NewCleaner(CallableFunc(func(context.Context) error {
		loggerClosed++
		return nil
	}))

	c.Add(CallableFunc(func(context.Context) error {
		order = append(order, "database")
		return nil
	}))
	c.Add(CallableFunc(func(context.Context) error {
		order = append(order, "listener")
		return errors.New("already closed")
	}))

	errs := c.Clean()
	assert.Len(t, errs, 1)
	assert.Equal(t, []string{"listener", "database"}, order)
	assert.Equal(t, 1, loggerClosed)

	c.Add(CallableFunc(func(context.Context) error {
		order = append(order, "late")
		return nil
	}))
	assert.Nil(t, c.Clean())
	assert.Equal(t, []string{"listener", "database"}, order)
	assert.Equal(t, 1, loggerClosed)
}
