package cloudsig

import (
	"testing"

	"github.com/zeebo/assert"
)

func TestCalculateSignatureV2(t *testing.T) {
	const secretAccessKey = "wJalrXUtnFEMI/K7MDENG/bPxRfiCYEXAMPLEKEY"

	for _, tc := range []struct {
		name         string
		stringToSign string
		want         string
	}{
		{"Object GET", "GET\n\n\nTue, 27 Mar 2007 19:36:42 +0000\n/awsexamplebucket1/photos/puppy.jpg", "qgk2+6Sv9/oM7G3qLEjTH1a1l1g="},
		{"Object PUT", "PUT\n\nimage/jpeg\nTue, 27 Mar 2007 21:15:45 +0000\n/awsexamplebucket1/photos/puppy.jpg", "iqRzw+ileNPu1fhspnRs8nOjjIA="},
		{"List", "GET\n\n\nTue, 27 Mar 2007 19:42:41 +0000\n/awsexamplebucket1/", "m0WP8eCtspQl5Ahe6L1SozdX9YA="},
		{"Fetch", "GET\n\n\nTue, 27 Mar 2007 19:44:46 +0000\n/awsexamplebucket1/?acl", "82ZHiFIjc+WbcwFKGUVEQspPn+0="},
		{"Delete", "DELETE\n\n\nTue, 27 Mar 2007 21:20:26 +0000\n/awsexamplebucket1/photos/puppy.jpg", "XbyTlbQdu9Xw5o8P4iMwPktxQd8="},
		{"Upload", "PUT\n4gJE4saaMU4BqNR0kLY+lw==\napplication/x-download\nTue, 27 Mar 2007 21:06:08 +0000\nx-amz-acl:public-read\nx-amz-meta-checksumalgorithm:crc32\nx-amz-meta-filechecksum:0x02661779\nx-amz-meta-reviewedby:joe@example.com,jane@example.com\n/static.example.com/db-backup.dat.gz", "jtBQa0Aq+DkULFI8qrpwIjGEx0E="},
		{"List all my buckets", "GET\n\n\nWed, 28 Mar 2007 01:29:59 +0000\n/", "qGdzdERIC03wnaRNKh6OqZehG9s="},
		{"Unicode keys", "GET\n\n\nWed, 28 Mar 2007 01:49:49 +0000\n/dictionary/fran%C3%A7ais/pr%c3%a9f%c3%a8re", "DNEZGsoieTZ92F3bUfSPQcbGmlM="},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, calculateSignatureV2(tc.stringToSign, secretAccessKey).String())
		})
	}
}

func TestHMACBase64(t *testing.T) {
	const message = "The quick brown fox jumps over the lazy dog"

	assert.Equal(t, "3nybhbi3iqa8ino29wqQcBydtNk=", calculateSignatureV2(message, "key").String())
	assert.Equal(t, "97yD9DBThCSxMpjmqm+xQ+9NWaFJRhdZl0edvC0aPNg=", hmacSHA256Base64([]byte("key"), message))
}
