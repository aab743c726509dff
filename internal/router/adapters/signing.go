package adapters

import (
	"bytes"
	"crypto/aes"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Sign computes the signature the signed family expects: every non-empty
// field as key followed by value, in sorted key order, then the timestamp,
// then the shared secret, hashed with MD5.
func Sign(fields map[string]any, stime int64, secret string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		v := stringify(fields[k])
		if v == "" {
			continue
		}
		sb.WriteString(k)
		sb.WriteString(v)
	}
	sb.WriteString(strconv.FormatInt(stime, 10))
	sb.WriteString(secret)

	sum := md5.Sum([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// Finalize returns a copy of fields with sign and stime attached. It must be
// the last thing done to a payload.
func Finalize(fields map[string]any, stime int64, secret string) map[string]any {
	out := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	out["sign"] = Sign(fields, stime, secret)
	out["stime"] = stime
	return out
}

// Verify recomputes the signature of a finalized payload.
func Verify(payload map[string]any, secret string) bool {
	sign, _ := payload["sign"].(string)
	stime, ok := payload["stime"].(int64)
	if !ok || sign == "" {
		return false
	}
	fields := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == "sign" || k == "stime" {
			continue
		}
		fields[k] = v
	}
	return Sign(fields, stime, secret) == sign
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		if !x {
			return ""
		}
		return "True"
	default:
		return fmt.Sprint(x)
	}
}

// encryptECB encrypts plaintext with AES in ECB mode and PKCS#7 padding and
// returns it base64 encoded. The key length selects AES-128/192/256.
func encryptECB(plaintext, key string) (string, error) {
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}
	bs := block.BlockSize()
	pad := bs - len(plaintext)%bs
	data := append([]byte(plaintext), bytes.Repeat([]byte{byte(pad)}, pad)...)

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += bs {
		block.Encrypt(out[i:i+bs], data[i:i+bs])
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// decryptECB reverses encryptECB.
func decryptECB(encoded, key string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}
	bs := block.BlockSize()
	if len(data) == 0 || len(data)%bs != 0 {
		return "", fmt.Errorf("ciphertext is not a multiple of the block size")
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += bs {
		block.Decrypt(out[i:i+bs], data[i:i+bs])
	}
	pad := int(out[len(out)-1])
	if pad == 0 || pad > bs || pad > len(out) {
		return "", fmt.Errorf("invalid padding")
	}
	return string(out[:len(out)-pad]), nil
}
