package events

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePub struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakePub) Publish(subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return f.err
}

func TestNATSPublisher_Sink(t *testing.T) {
	pub := &fakePub{}
	p := newNATSPublisher(pub, "", nil)
	p.Sink(New(TypePlan, "01HZX", "1. open page"))

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "testforge.runs.01HZX.plan", pub.subjects[0])
	var ev map[string]any
	require.NoError(t, json.Unmarshal(pub.payloads[0], &ev))
	assert.Equal(t, "1. open page", ev["data"])
}

func TestNATSPublisher_SubjectSanitized(t *testing.T) {
	p := newNATSPublisher(&fakePub{}, "forge", nil)
	assert.Equal(t, "forge.a_b_c._", p.Subject("a.b*c", ""))
}

func TestNATSPublisher_ErrorsAreSwallowed(t *testing.T) {
	pub := &fakePub{err: errors.New("nats: connection closed")}
	p := newNATSPublisher(pub, "x", nil)
	assert.NotPanics(t, func() { p.Sink(New(TypeLog, "r", "line")) })
	assert.NoError(t, p.Close())
}
