package cloudsig

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/zeebo/assert"
)

func TestSharedKeyLite(t *testing.T) {
	creds := StaticCredentials{Identity: "myaccount", Secret: "c2VjcmV0LWtleS1tYXRlcmlhbA=="}
	now := dummyNow(2012, time.January, 30, 10, 0, 0)
	s := NewSigner(NewSharedKeyLite(SharedKeyLiteOptions{}), creds, WithClock(now))

	for _, tc := range []struct {
		name         string
		method       string
		url          string
		body         string
		header       map[string]string
		stringToSign string
		want         string
	}{
		{
			name:         "queue messages",
			method:       http.MethodGet,
			url:          "https://myaccount.queue.core.windows.net/myqueue/messages",
			stringToSign: "GET\n\n\n\nx-ms-date:Mon, 30 Jan 2012 10:00:00 GMT\nx-ms-version:2009-09-19\n/myaccount/myqueue/messages",
			want:         "zb7WeO4S4SDraPxvpp7DRjPfD/AzHdaAe7CtnmGJaNo=",
		},
		{
			name:         "list containers",
			method:       http.MethodGet,
			url:          "https://myaccount.blob.core.windows.net/?comp=list",
			stringToSign: "GET\n\n\n\nx-ms-date:Mon, 30 Jan 2012 10:00:00 GMT\nx-ms-version:2009-09-19\n/myaccount/?comp=list",
			want:         "ZfPM9dcJVPG+WU33QtQdmjeAbDYryziFppNuJZQS9Rg=",
		},
		{
			name:   "put blob",
			method: http.MethodPut,
			url:    "https://myaccount.blob.core.windows.net/container/blob.txt",
			body:   "hello",
			header: map[string]string{
				"Content-Type":    "text/plain",
				"X-Ms-Meta-Color": "blue",
				"X-Ms-Version":    "2011-08-18",
			},
			stringToSign: "PUT\n\ntext/plain\n\nx-ms-date:Mon, 30 Jan 2012 10:00:00 GMT\nx-ms-meta-color:blue\nx-ms-version:2011-08-18\n/myaccount/container/blob.txt",
			want:         "MSmQ5ZfC8bjJz9qXbpYu07t18PvXoKe0dz8sv+kNhFs=",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := newTestRequest(t, tc.method, tc.url, tc.body)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}

			signed, result, err := s.Sign(t.Context(), req)
			assert.NoError(t, err)
			assert.Equal(t, tc.stringToSign, result.StringToSign)
			assert.Equal(t, tc.want, result.Signature)
			assert.Equal(t, "SharedKeyLite myaccount:"+tc.want, signed.Header.Get("Authorization"))

			diag, err := s.Diagnose(t.Context(), signed)
			assert.NoError(t, err)
			assert.Equal(t, result, diag)
		})
	}

	t.Run("account option", func(t *testing.T) {
		s := NewSigner(NewSharedKeyLite(SharedKeyLiteOptions{Account: "myaccount"}), StaticCredentials{Identity: "key-1", Secret: creds.Secret}, WithClock(now))

		signed, result, err := s.Sign(t.Context(), newTestRequest(t, http.MethodGet, "https://myaccount.queue.core.windows.net/myqueue/messages", ""))
		assert.NoError(t, err)
		assert.Equal(t, "zb7WeO4S4SDraPxvpp7DRjPfD/AzHdaAe7CtnmGJaNo=", result.Signature)
		assert.Equal(t, "SharedKeyLite myaccount:"+result.Signature, signed.Header.Get("Authorization"))
	})
	t.Run("invalid secret", func(t *testing.T) {
		s := NewSigner(NewSharedKeyLite(SharedKeyLiteOptions{}), StaticCredentials{Identity: "myaccount", Secret: "not base64!"}, WithClock(now))

		_, _, err := s.Sign(t.Context(), newTestRequest(t, http.MethodGet, "https://myaccount.queue.core.windows.net/", ""))
		assert.That(t, errors.Is(err, ErrSigning))
		assert.That(t, errors.Is(err, ErrInvalidSecret))
	})
	t.Run("malformed query", func(t *testing.T) {
		_, _, err := s.Sign(t.Context(), newTestRequest(t, http.MethodGet, "https://myaccount.queue.core.windows.net/?comp=list&x=%zz", ""))
		assert.That(t, errors.Is(err, ErrSigning))
	})
	t.Run("unprepared request", func(t *testing.T) {
		_, err := s.CreateStringToSign(newTestRequest(t, http.MethodGet, "https://myaccount.queue.core.windows.net/", ""))
		assert.That(t, errors.Is(err, ErrSigning))
	})
}
