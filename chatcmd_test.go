package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpenWithoutIDPrintsUsage(t *testing.T) {
	var out bytes.Buffer
	quit := handleLine(context.Background(), nil, &out, "/open   ")
	assert.False(t, quit)
	assert.Contains(t, out.String(), "usage: /open <id>")
}

func TestQuitAndBlankLines(t *testing.T) {
	var out bytes.Buffer
	assert.True(t, handleLine(context.Background(), nil, &out, "/quit"))
	assert.False(t, handleLine(context.Background(), nil, &out, "   "))
	assert.Empty(t, out.String())
}
