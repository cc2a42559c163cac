package main

import "strings"

// UnknownSHA1 is the fingerprint reported for objects whose SHA-1 has to be
// fetched separately. Large multipart uploads are stored this way.
const UnknownSHA1 Sha1Hash = "none"

// Sha1Hash is a hex encoded SHA-1 digest.
type Sha1Hash string

// Equal compares two digests ignoring hex case.
func (h Sha1Hash) Equal(other Sha1Hash) bool {
	return strings.EqualFold(string(h), string(other))
}

func (h Sha1Hash) IsUnknown() bool {
	return h == "" || h == UnknownSHA1
}

func (h Sha1Hash) String() string {
	return string(h)
}
