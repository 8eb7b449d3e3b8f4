package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueKey_EqualValuesShareKey(t *testing.T) {
	a := IRObject{"tags": IRArray{IRString("x")}, "n": IRInt(1)}
	b := IRObject{"n": IRInt(1), "tags": IRArray{IRString("x")}}

	ka, err := ValueKey(a)
	require.NoError(t, err)
	kb, err := ValueKey(b)
	require.NoError(t, err)
	assert.Equal(t, ka, kb)
	assert.Regexp(t, "^[0-9a-f]{64}$", ka)
}

func TestValueKey_KindMatters(t *testing.T) {
	keys := map[string]bool{}
	for _, v := range []IRValue{IRString("1"), IRInt(1), IRBool(true), IRString("true"), IRArray{IRInt(1)}} {
		keys[MustValueKey(v)] = true
	}
	assert.Len(t, keys, 5)
}

func TestValueKey_Null(t *testing.T) {
	_, err := ValueKey(IRObject{"a": IRNull{}})
	assert.ErrorIs(t, err, errNullCanonical)
	assert.Panics(t, func() { MustValueKey(nil) })
}

func TestDigest(t *testing.T) {
	payload := []byte(`"x"`)
	assert.Equal(t, Digest(payload), Digest([]byte(`"x"`)))
	assert.NotEqual(t, Digest(payload), MustValueKey(IRString("x")), "domains differ")
	assert.NotEqual(t, Digest(payload), Digest([]byte(`"y"`)))
}
