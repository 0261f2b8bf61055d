// Package storage keeps task descriptors in object storage, one JSON document
// per task.
package storage

import (
	"net/url"
	"strings"
)

const objectSuffix = ".json"

// Options locates descriptor objects inside a bucket.
type Options struct {
	Bucket    string
	KeyPrefix string
}

func (o Options) prefix() string {
	p := strings.Trim(o.KeyPrefix, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

// objectKey returns the key of the document holding task id.
func (o Options) objectKey(id string) string {
	return o.prefix() + url.PathEscape(id) + objectSuffix
}

// idFromKey is the inverse of objectKey; ok is false for keys that are not
// descriptor documents.
func (o Options) idFromKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, o.prefix())
	if !ok {
		return "", false
	}
	escaped, ok := strings.CutSuffix(rest, objectSuffix)
	if !ok || escaped == "" || strings.Contains(escaped, "/") {
		return "", false
	}
	id, err := url.PathUnescape(escaped)
	if err != nil {
		return "", false
	}
	return id, true
}
