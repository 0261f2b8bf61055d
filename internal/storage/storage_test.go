package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bgtransfer/internal/domain"
)

func TestObjectKeys(t *testing.T) {
	opts := Options{Bucket: "b", KeyPrefix: "/transfer-tasks/"}

	key := opts.objectKey("t1")
	assert.Equal(t, "transfer-tasks/t1.json", key)

	id, ok := opts.idFromKey(key)
	require.True(t, ok)
	assert.Equal(t, "t1", id)

	odd := "a/b c"
	id, ok = opts.idFromKey(opts.objectKey(odd))
	require.True(t, ok)
	assert.Equal(t, odd, id)

	_, ok = opts.idFromKey("transfer-tasks/readme.txt")
	assert.False(t, ok)
	_, ok = opts.idFromKey("other/t1.json")
	assert.False(t, ok)
	_, ok = opts.idFromKey("transfer-tasks/nested/t1.json")
	assert.False(t, ok)

	assert.Equal(t, "t1.json", Options{}.objectKey("t1"))
}

func TestDecodeRecord(t *testing.T) {
	rec, err := decodeRecord(strings.NewReader(`{"id":"a","type":1,"url":"u","destination":"d","headers":{"Authorization":"Bearer x"}}`))
	require.NoError(t, err)

	task, err := domain.Decode(rec)
	require.NoError(t, err)
	assert.Equal(t, domain.TypeUpload, task.Type())
	assert.Equal(t, "{}", task.Metadata())
	assert.Equal(t, map[string]string{"Authorization": "Bearer x"}, task.Headers())

	_, err = decodeRecord(strings.NewReader(`{"id":`))
	assert.ErrorIs(t, err, domain.ErrCorruptRecord)

	_, err = decodeRecord(strings.NewReader(`null`))
	assert.ErrorIs(t, err, domain.ErrCorruptRecord)
}
