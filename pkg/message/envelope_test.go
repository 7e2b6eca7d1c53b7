package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_AssignsFreshMessageID(t *testing.T) {
	a := New("match-1", "MatchAccepted", []byte(`{}`))
	b := New("match-1", "MatchAccepted", []byte(`{}`))

	assert.NotEmpty(t, a.MessageID)
	assert.NotEqual(t, a.MessageID, b.MessageID)
	assert.Equal(t, "match-1", a.CorrelationID)
	assert.Equal(t, "MatchAccepted", a.Type)
}

func TestNewDeterministic_IsStableAcrossProcesses(t *testing.T) {
	a := NewDeterministic("match-1", EventTimeout, "2026-08-30T10:00:00Z", nil)
	b := NewDeterministic("match-1", EventTimeout, "2026-08-30T10:00:00Z", nil)

	// Two replicas synthesizing the same logical event must collide on the
	// message id so the ledger dedupes them.
	assert.Equal(t, a.MessageID, b.MessageID)

	c := NewDeterministic("match-1", EventTimeout, "2026-08-30T11:00:00Z", nil)
	assert.NotEqual(t, a.MessageID, c.MessageID)

	d := NewDeterministic("match-2", EventTimeout, "2026-08-30T10:00:00Z", nil)
	assert.NotEqual(t, a.MessageID, d.MessageID)
}

func TestValidate(t *testing.T) {
	valid := New("match-1", "MatchAccepted", nil)
	assert.NoError(t, valid.Validate())

	missingCorrelation := valid
	missingCorrelation.CorrelationID = ""
	assert.Error(t, missingCorrelation.Validate())

	missingType := valid
	missingType.Type = ""
	assert.Error(t, missingType.Validate())

	missingID := valid
	missingID.MessageID = ""
	assert.Error(t, missingID.Validate())
}

func TestEncodeDecode(t *testing.T) {
	env := New("match-1", "MatchAccepted", []byte(`{"match_id":"m-1"}`))
	env.Attempt = 2
	env.Headers = map[string]string{"traceparent": "00-abc-def-01"}

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)
}

func TestDecode_RejectsInvalidEnvelopes(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"message_id":"1","type":"MatchAccepted"}`))
	assert.Error(t, err, "correlation id is required")
}
