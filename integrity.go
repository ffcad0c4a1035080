package cloudsig

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"hash/crc32"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/minio/crc64nvme"
)

type ChecksumAlgorithm int

const (
	AlgorithmNone ChecksumAlgorithm = iota
	AlgorithmCRC32
	AlgorithmCRC32C
	AlgorithmCRC64NVME
	AlgorithmMD5
	AlgorithmSHA1
	AlgorithmSHA256
)

func (a ChecksumAlgorithm) valid() bool {
	return a > AlgorithmNone && a <= AlgorithmSHA256
}

func (a ChecksumAlgorithm) String() string {
	switch a {
	case AlgorithmNone:
		return "none"
	case AlgorithmCRC32:
		return "crc32"
	case AlgorithmCRC32C:
		return "crc32c"
	case AlgorithmCRC64NVME:
		return "crc64nvme"
	case AlgorithmMD5:
		return "md5"
	case AlgorithmSHA1:
		return "sha1"
	case AlgorithmSHA256:
		return "sha256"
	default:
		return strconv.Itoa(int(a))
	}
}

// header returns the x-amz-checksum-* header carrying this checksum.
func (a ChecksumAlgorithm) header() string {
	return "x-amz-checksum-" + a.String()
}

func ParseChecksumAlgorithm(s string) (ChecksumAlgorithm, error) {
	for a := AlgorithmNone; a <= AlgorithmSHA256; a++ {
		if strings.EqualFold(a.String(), s) {
			return a, nil
		}
	}
	if s == "" {
		return AlgorithmNone, nil
	}
	return AlgorithmNone, nestError(ErrSigning, "unknown checksum algorithm %q", s)
}

func (a ChecksumAlgorithm) newHash() hash.Hash {
	switch a {
	case AlgorithmCRC32:
		return crc32.NewIEEE()
	case AlgorithmCRC32C:
		return crc32.New(crc32.MakeTable(crc32.Castagnoli))
	case AlgorithmCRC64NVME:
		return crc64nvme.New()
	case AlgorithmMD5:
		return md5.New()
	case AlgorithmSHA1:
		return sha1.New()
	case AlgorithmSHA256:
		return sha256.New()
	default:
		return nil
	}
}

// Payload gives schemes access to the digests of a request body. The
// body is read at most once, through GetBody, and only when a scheme
// asks for a digest.
type Payload struct {
	r          *http.Request
	algorithms []ChecksumAlgorithm

	sums map[ChecksumAlgorithm][]byte
	size int64
	err  error
}

func newPayload(r *http.Request, extra ...ChecksumAlgorithm) *Payload {
	algorithms := []ChecksumAlgorithm{AlgorithmMD5, AlgorithmSHA256}
	for _, a := range extra {
		if a.valid() && a != AlgorithmMD5 && a != AlgorithmSHA256 {
			algorithms = append(algorithms, a)
		}
	}
	return &Payload{r: r, algorithms: algorithms}
}

func (p *Payload) empty() bool {
	return p.r.Body == nil || p.r.Body == http.NoBody
}

func (p *Payload) open() (io.ReadCloser, error) {
	if p.empty() {
		return http.NoBody, nil
	}
	if p.r.GetBody == nil {
		return nil, ErrUnreplayableBody
	}
	return p.r.GetBody()
}

func (p *Payload) compute() error {
	if p.sums != nil || p.err != nil {
		return p.err
	}

	body, err := p.open()
	if err != nil {
		p.err = err
		return err
	}
	defer func() { _ = body.Close() }()

	hashes := make(map[ChecksumAlgorithm]hash.Hash, len(p.algorithms))
	writers := make([]io.Writer, 0, len(p.algorithms))
	for _, a := range p.algorithms {
		h := a.newHash()
		hashes[a] = h
		writers = append(writers, h)
	}

	n, err := io.Copy(io.MultiWriter(writers...), body)
	if err != nil {
		p.err = nestError(ErrUnreplayableBody, "reading body failed: %w", err)
		return p.err
	}

	p.size = n
	p.sums = make(map[ChecksumAlgorithm][]byte, len(hashes))
	for a, h := range hashes {
		p.sums[a] = h.Sum(nil)
	}
	return nil
}

// Sum returns the raw digest of the body for the given algorithm.
func (p *Payload) Sum(a ChecksumAlgorithm) ([]byte, error) {
	if err := p.compute(); err != nil {
		return nil, err
	}
	sum, ok := p.sums[a]
	if !ok {
		return nil, nestError(ErrSigning, "%s was not requested", a)
	}
	return sum, nil
}

// Size returns the number of body bytes.
func (p *Payload) Size() (int64, error) {
	if err := p.compute(); err != nil {
		return 0, err
	}
	return p.size, nil
}

// SHA256Hex is the payload hash used by SigV4.
func (p *Payload) SHA256Hex() (string, error) {
	sum, err := p.Sum(AlgorithmSHA256)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

// Base64 returns the base64 encoded digest, as used in Content-MD5 and
// x-amz-checksum-* headers.
func (p *Payload) Base64(a ChecksumAlgorithm) (string, error) {
	sum, err := p.Sum(a)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sum), nil
}

// setChecksumHeaders adds Content-MD5 and the flexible checksum header
// to a request with a body.
func setChecksumHeaders(r *http.Request, p *Payload, contentMD5 bool, checksum ChecksumAlgorithm) error {
	if p.empty() {
		return nil
	}
	if contentMD5 && r.Header.Get("Content-MD5") == "" {
		v, err := p.Base64(AlgorithmMD5)
		if err != nil {
			return err
		}
		r.Header.Set("Content-MD5", v)
	}
	if checksum.valid() {
		v, err := p.Base64(checksum)
		if err != nil {
			return err
		}
		r.Header.Set(checksum.header(), v)
	}
	return nil
}
