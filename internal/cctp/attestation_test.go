package cctp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestDecodePayload(t *testing.T) {
	cases := []struct {
		name  string
		field *string
		want  []byte
		ready bool
		err   bool
	}{
		{name: "absent", field: nil},
		{name: "empty", field: strPtr("")},
		{name: "pending upper", field: strPtr("PENDING")},
		{name: "pending lower", field: strPtr("pending")},
		{name: "bare prefix", field: strPtr("0x")},
		{name: "prefixed hex", field: strPtr("0x1234abcd"), want: []byte{0x12, 0x34, 0xab, 0xcd}, ready: true},
		{name: "bare hex", field: strPtr("deadbeef"), want: []byte{0xde, 0xad, 0xbe, 0xef}, ready: true},
		{name: "not hex", field: strPtr("not_valid_hex"), err: true},
		{name: "odd length", field: strPtr("0xabc"), err: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ready, err := DecodePayload(tc.field)
			if tc.err {
				assert.ErrorIs(t, err, ErrDecode)
				assert.False(t, ready)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.ready, ready)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestClassifyPendingShapes(t *testing.T) {
	bodies := []string{
		`{"status":"pending"}`,
		`{"status":"pending","attestation":null}`,
		`{"status":"pending","attestation":""}`,
		`{"status":"pending","attestation":"PENDING"}`,
		`{"status":"pending_confirmations","attestation":"PENDING"}`,
		`{"status":"complete","attestation":"PENDING"}`,
		`{"status":"complete","attestation":null}`,
	}
	for _, body := range bodies {
		t.Run(body, func(t *testing.T) {
			var resp AttestationResponse
			require.NoError(t, json.Unmarshal([]byte(body), &resp))
			result := Classify(V1, resp)
			assert.Equal(t, StatusPending, result.Status)
			assert.Nil(t, result.Reason)
		})
	}
}

func TestClassifyComplete(t *testing.T) {
	t.Run("v1 needs only the attestation", func(t *testing.T) {
		result := Classify(V1, AttestationResponse{Status: "complete", Attestation: strPtr("0xaabb")})
		assert.Equal(t, StatusComplete, result.Status)
		assert.Equal(t, []byte{0xaa, 0xbb}, result.Attestation)
		assert.True(t, result.Ready())
	})

	t.Run("v2 returns the canonical message", func(t *testing.T) {
		result := Classify(V2, AttestationResponse{
			Status:      "complete",
			Attestation: strPtr("0xaabb"),
			Message:     strPtr("0x0102"),
		})
		assert.Equal(t, StatusComplete, result.Status)
		assert.Equal(t, []byte{0x01, 0x02}, result.Message)
	})

	t.Run("v2 without message stays pending", func(t *testing.T) {
		result := Classify(V2, AttestationResponse{Status: "complete", Attestation: strPtr("0xaabb")})
		assert.Equal(t, StatusPending, result.Status)
	})

	t.Run("status is case insensitive", func(t *testing.T) {
		result := Classify(V1, AttestationResponse{Status: "COMPLETE", Attestation: strPtr("aabb")})
		assert.Equal(t, StatusComplete, result.Status)
	})
}

func TestClassifyFailures(t *testing.T) {
	t.Run("malformed attestation fails fast", func(t *testing.T) {
		result := Classify(V1, AttestationResponse{Status: "complete", Attestation: strPtr("not_valid_hex")})
		assert.Equal(t, StatusFailed, result.Status)
		assert.ErrorIs(t, result.Reason, ErrDecode)
	})

	t.Run("malformed payload wins over pending status", func(t *testing.T) {
		result := Classify(V1, AttestationResponse{Status: "pending", Attestation: strPtr("zz")})
		assert.Equal(t, StatusFailed, result.Status)
		assert.ErrorIs(t, result.Reason, ErrDecode)
	})

	t.Run("malformed v2 message", func(t *testing.T) {
		result := Classify(V2, AttestationResponse{Status: "complete", Attestation: strPtr("0xaa"), Message: strPtr("0xqq")})
		assert.ErrorIs(t, result.Reason, ErrDecode)
	})

	t.Run("service reports failure", func(t *testing.T) {
		result := Classify(V1, AttestationResponse{Status: "failed"})
		assert.Equal(t, StatusFailed, result.Status)
		assert.ErrorIs(t, result.Reason, ErrAttestationFailed)
	})

	t.Run("unknown status", func(t *testing.T) {
		result := Classify(V1, AttestationResponse{Status: "exploded"})
		assert.Equal(t, StatusFailed, result.Status)
		assert.ErrorIs(t, result.Reason, ErrDecode)
	})
}

func TestIsAlreadyRelayed(t *testing.T) {
	assert.True(t, IsAlreadyRelayed(assertErr("execution reverted: Nonce already used")))
	assert.True(t, IsAlreadyRelayed(assertErr("MESSAGE ALREADY RECEIVED")))
	assert.True(t, IsAlreadyRelayed(assertErr("already processed")))
	assert.False(t, IsAlreadyRelayed(assertErr("execution reverted: Invalid attestation length")))
	assert.False(t, IsAlreadyRelayed(nil))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
