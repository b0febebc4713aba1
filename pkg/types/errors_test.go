package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPipelineErrorIs(t *testing.T) {
	cause := errors.New("bad header")
	err := NewItemError(ErrDecode, 2, "c.jpg", cause)

	assert.True(t, errors.Is(err, ErrDecode))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrEncode))
	assert.Equal(t, "decode error: item 2 (c.jpg): bad header", err.Error())
}

func TestKindOfPrefersOutermost(t *testing.T) {
	inner := NewItemError(ErrStoreRead, 1, "", errors.New("eof"))
	outer := NewItemError(ErrEntryRead, 1, "b.webp", inner)

	assert.Equal(t, ErrEntryRead, KindOf(outer))
	assert.Equal(t, "EntryReadError", KindName(outer))
	assert.Equal(t, ErrStoreRead, KindOf(inner))
}

func TestKindOfPlainWrap(t *testing.T) {
	err := fmt.Errorf("open staging: %w", ErrInitialization)
	assert.Equal(t, ErrInitialization, KindOf(err))
	assert.Nil(t, KindOf(errors.New("other")))
	assert.Equal(t, "Error", KindName(errors.New("other")))
}

func TestBatchLevelErrorMessage(t *testing.T) {
	err := NewError(ErrCompression, errors.New("encoder closed"))
	assert.Equal(t, "compression error: encoder closed", err.Error())
}

func TestStagedEntryRecord(t *testing.T) {
	e := StagedEntry{Key: 3, Name: "d.webp", Data: make([]byte, 700)}
	assert.Equal(t, ArchiveRecord{Key: 3, Name: "d.webp", Size: 700}, e.Record())
}

func TestEventTerminal(t *testing.T) {
	assert.True(t, Event{Kind: EventDone}.Terminal())
	assert.True(t, Event{Kind: EventError}.Terminal())
	assert.False(t, Event{Kind: EventProgress}.Terminal())
	assert.False(t, Event{Kind: EventWarning}.Terminal())
}

func TestKindByName(t *testing.T) {
	for _, k := range kinds {
		assert.Equal(t, k, KindByName(KindName(k)))
	}
	assert.Nil(t, KindByName("Error"))
	assert.Nil(t, KindByName("nope"))
}

func TestErrorFromEvent(t *testing.T) {
	err := ErrorFromEvent(Event{Kind: EventError, ErrorKind: "CompressionError", Reason: "compression error: boom"})

	assert.True(t, errors.Is(err, ErrCompression))
	assert.Equal(t, "compression error: boom", err.Error())
	assert.Equal(t, "CompressionError", KindName(err))

	unknown := ErrorFromEvent(Event{Kind: EventError, ErrorKind: "Error", Reason: "x"})
	assert.Nil(t, KindOf(unknown))
}
