package epay

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
)

// Sign produces the epay request digest over the given parameters.
//
// Canonicalization, per the gateway protocol: drop empty values and the
// reserved sign/sign_type fields, sort the remaining keys in byte-wise
// ascending order, join as k1=v1&k2=v2, append the raw secret, MD5 the UTF-8
// bytes and render lowercase hex. The same routine authenticates outbound
// requests and inbound notifications; the two must never diverge.
//
// MD5 is the digest the external protocol mandates. It is interop, not a
// security choice, and must not be swapped out.
func Sign(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" || k == "sign" || k == "sign_type" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	b.WriteString(secret)

	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the digest over params minus sign/sign_type and compares
// it case-insensitively against the sign field. A missing sign fails.
func Verify(params map[string]string, secret string) bool {
	sign, ok := params["sign"]
	if !ok || sign == "" {
		return false
	}
	return strings.EqualFold(sign, Sign(params, secret))
}
