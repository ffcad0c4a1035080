package cloudsig

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
)

type signatureV2 []byte

func (s signatureV2) String() string {
	return base64.StdEncoding.EncodeToString(s)
}

func hmacSHA1(key []byte, s string) []byte {
	h := hmac.New(sha1.New, key)
	h.Write([]byte(s))
	return h.Sum(nil)
}

func calculateSignatureV2(stringToSign string, secretAccessKey string) signatureV2 {
	return hmacSHA1([]byte(secretAccessKey), stringToSign)
}

func hmacSHA256Base64(key []byte, s string) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(s))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
