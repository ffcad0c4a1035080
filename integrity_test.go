package cloudsig

import (
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/zeebo/assert"
)

func TestPayload(t *testing.T) {
	const data = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor"

	newRequest := func() *http.Request {
		return newTestRequest(t, http.MethodPut, "https://example.com/object", data)
	}

	t.Run("digests", func(t *testing.T) {
		for _, tc := range []struct {
			algorithm ChecksumAlgorithm
			want      string
		}{
			{AlgorithmCRC32, "AMHftQ=="},
			{AlgorithmCRC32C, "L9qeQg=="},
			{AlgorithmCRC64NVME, "sa/Hm4j1eiw="},
			{AlgorithmSHA1, "kCwbMV39/ST8gj+3T1hnHpxuz6Y="},
			{AlgorithmSHA256, "HD+Vir2FxUkFyX/o4GKP52SVcRlion2q40AzeBSG2gA="},
		} {
			t.Run(tc.algorithm.String(), func(t *testing.T) {
				p := newPayload(newRequest(), tc.algorithm)

				got, err := p.Base64(tc.algorithm)
				assert.NoError(t, err)
				assert.Equal(t, tc.want, got)
			})
		}
	})
	t.Run("md5 and sha256 are always available", func(t *testing.T) {
		p := newPayload(newRequest())

		md5, err := p.Sum(AlgorithmMD5)
		assert.NoError(t, err)
		assert.Equal(t, "35eb3b58fa38ad797aa89144f54199c3", hex.EncodeToString(md5))

		sha, err := p.SHA256Hex()
		assert.NoError(t, err)
		assert.Equal(t, "1c3f958abd85c54905c97fe8e0628fe76495711962a27daae34033781486da00", sha)

		size, err := p.Size()
		assert.NoError(t, err)
		assert.Equal(t, int64(len(data)), size)

		_, err = p.Sum(AlgorithmCRC32)
		assert.Error(t, err)
	})
	t.Run("body is not consumed", func(t *testing.T) {
		r := newRequest()
		p := newPayload(r)

		_, err := p.SHA256Hex()
		assert.NoError(t, err)

		b, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Equal(t, data, string(b))
	})
	t.Run("empty body", func(t *testing.T) {
		p := newPayload(newTestRequest(t, http.MethodGet, "https://example.com/", ""))

		sha, err := p.SHA256Hex()
		assert.NoError(t, err)
		assert.Equal(t, emptySHA256, sha)
	})
	t.Run("unreplayable body", func(t *testing.T) {
		r := newRequest()
		r.GetBody = nil

		_, err := newPayload(r).SHA256Hex()
		assert.That(t, errors.Is(err, ErrUnreplayableBody))
	})
}

func TestSetChecksumHeaders(t *testing.T) {
	r := newTestRequest(t, http.MethodPut, "https://example.com/object", "Welcome to Amazon S3.")

	assert.NoError(t, setChecksumHeaders(r, newPayload(r, AlgorithmCRC32), true, AlgorithmCRC32))
	assert.Equal(t, "1EfQ6PKJ8WoS/2AnznfCWA==", r.Header.Get("Content-MD5"))
	assert.That(t, r.Header.Get("X-Amz-Checksum-Crc32") != "")

	empty := newTestRequest(t, http.MethodGet, "https://example.com/object", "")
	assert.NoError(t, setChecksumHeaders(empty, newPayload(empty), true, AlgorithmCRC32))
	assert.Equal(t, 0, len(empty.Header))
}

func TestParseChecksumAlgorithm(t *testing.T) {
	for a := AlgorithmNone; a <= AlgorithmSHA256; a++ {
		got, err := ParseChecksumAlgorithm(strings.ToUpper(a.String()))
		assert.NoError(t, err)
		assert.Equal(t, a, got)
	}

	got, err := ParseChecksumAlgorithm("")
	assert.NoError(t, err)
	assert.Equal(t, AlgorithmNone, got)

	_, err = ParseChecksumAlgorithm("adler32")
	assert.Error(t, err)
}
