package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalHasher_Hash_KeyOrderInvariant(t *testing.T) {
	h := NewCanonicalHasher()

	m1 := map[string]int{"a": 1, "b": 2}
	m2 := map[string]int{"b": 2, "a": 1}

	h1, err := h.Hash(m1)
	require.NoError(t, err)
	h2, err := h.Hash(m2)
	require.NoError(t, err)

	assert.Equal(t, h1, h2, "canonical hash must be stable under key reordering")
}

func TestComputeDataHMAC_ExcludesHMACFields(t *testing.T) {
	key := []byte("secret-key")
	data := map[string]interface{}{
		"enabled":         true,
		"_hmac_signature": "stale-value-must-be-ignored",
	}

	sig, err := ComputeDataHMAC(key, data)
	require.NoError(t, err)

	data2 := map[string]interface{}{
		"enabled":         true,
		"_hmac_signature": "some-other-value",
	}
	sig2, err := ComputeDataHMAC(key, data2)
	require.NoError(t, err)

	assert.Equal(t, sig, sig2, "signature must not depend on the _hmac* field contents")
}

func TestVerifyDataHMAC_TamperDetection(t *testing.T) {
	key := []byte("secret-key")
	data := map[string]interface{}{"enabled": true, "permission": "fs.write"}

	sig, err := ComputeDataHMAC(key, data)
	require.NoError(t, err)

	ok, err := VerifyDataHMAC(key, data, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	data["permission"] = "fs.read"
	ok, err = VerifyDataHMAC(key, data, sig)
	require.NoError(t, err)
	assert.False(t, ok, "mutated payload must fail verification")
}

func TestSanitizePrincipalID(t *testing.T) {
	assert.Equal(t, "a_b_c", SanitizePrincipalID("a/b:c"))
	assert.Equal(t, "root__child", SanitizePrincipalID("root__child"))
	assert.Equal(t, "___etc_passwd", SanitizePrincipalID("../etc/passwd"))
}

func TestIsPathWithin(t *testing.T) {
	dir := t.TempDir()

	within, err := IsPathWithin(dir+"/sub/file.json", dir)
	require.NoError(t, err)
	assert.True(t, within)

	outside, err := IsPathWithin(dir+"/../escape", dir)
	require.NoError(t, err)
	assert.False(t, outside)
}
