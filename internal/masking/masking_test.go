package masking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-io/tributary/internal/types"
)

type captureAuditor struct {
	records []AuditRecord
}

func (c *captureAuditor) Audit(rec AuditRecord) { c.records = append(c.records, rec) }

func testEvent(t *testing.T, values types.Columns) *types.Event {
	t.Helper()
	ev, err := types.NewEvent(
		"CommitLog-7-1.log", types.KindInsert, "clinic", "patients",
		types.Columns{{Name: "id", Type: types.TypeInt, Value: int32(1)}},
		nil, values, 1700000000000000, 0, time.Now(),
	)
	require.NoError(t, err)
	return ev
}

func TestClassifyPHIBeforePII(t *testing.T) {
	m := New(nil, nil, []byte("salt"), []byte("key"), "k1", nil)

	assert.Equal(t, ClassPII, m.Classify("Email"))
	assert.Equal(t, ClassPII, m.Classify("billing_address"))
	assert.Equal(t, ClassPHI, m.Classify("diagnosis_code"))
	assert.Equal(t, ClassNone, m.Classify("age"))

	// A name matching both lists takes the PHI branch.
	m = New([]string{"id"}, []string{"patient"}, []byte("s"), []byte("k"), "k1", nil)
	assert.Equal(t, ClassPHI, m.Classify("patient_id"))
}

func TestApplyDigestsAndAudits(t *testing.T) {
	aud := &captureAuditor{}
	m := New(nil, nil, []byte("pepper"), []byte("secret"), "key-2024", aud)

	ev := testEvent(t, types.Columns{
		{Name: "email", Type: types.TypeText, Value: "a@b.com"},
		{Name: "age", Type: types.TypeInt, Value: int32(30)},
		{Name: "diagnosis", Type: types.TypeText, Value: "J45"},
	})
	out := m.Apply(ev)

	require.NotSame(t, ev, out)
	assert.Equal(t, "a@b.com", ev.Values[0].Value, "input event untouched")

	sum := sha256.Sum256(append([]byte("pepper"), []byte("a@b.com")...))
	email, _ := out.Values.Get("email")
	assert.Equal(t, hex.EncodeToString(sum[:]), email.Value)
	assert.Len(t, email.Value, 64)
	assert.Equal(t, types.TypeText, email.Type)

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("J45"))
	diag, _ := out.Values.Get("diagnosis")
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), diag.Value)

	age, _ := out.Values.Get("age")
	assert.Equal(t, int32(30), age.Value, "unclassified column passes through")

	require.Len(t, aud.records, 2)
	assert.Equal(t, AuditRecord{
		EventID:        ev.ID.String(),
		Table:          "clinic.patients",
		Column:         "email",
		Classification: ClassPII,
		Strategy:       StrategyHash,
	}, aud.records[0])
	assert.Equal(t, ClassPHI, aud.records[1].Classification)
	assert.Equal(t, StrategyHMAC, aud.records[1].Strategy)
	assert.Equal(t, "key-2024", aud.records[1].KeyID)
}

func TestApplyDeterministic(t *testing.T) {
	m := New(nil, nil, []byte("s"), []byte("k"), "k1", nil)
	ev := testEvent(t, types.Columns{{Name: "email", Type: types.TypeText, Value: "a@b.com"}})

	first, _ := m.Apply(ev).Values.Get("email")
	second, _ := m.Apply(ev).Values.Get("email")
	assert.Equal(t, first.Value, second.Value)
}

func TestApplyNullAndUntouched(t *testing.T) {
	aud := &captureAuditor{}
	m := New(nil, nil, []byte("s"), []byte("k"), "k1", aud)

	ev := testEvent(t, types.Columns{
		{Name: "email", Type: types.TypeText, Value: nil},
		{Name: "age", Type: types.TypeInt, Value: int32(1)},
	})
	out := m.Apply(ev)

	assert.Same(t, ev, out, "nothing to mask returns the same event")
	assert.Empty(t, aud.records)
}

func TestApplyCanonicalizesCollections(t *testing.T) {
	m := New([]string{"address"}, nil, []byte("s"), []byte("k"), "k1", nil)

	a := testEvent(t, types.Columns{
		{Name: "address_tags", Type: types.TypeMap, Value: map[string]string{"city": "NYC", "zip": "10001"}},
	})
	b := testEvent(t, types.Columns{
		{Name: "address_tags", Type: types.TypeMap, Value: map[string]string{"zip": "10001", "city": "NYC"}},
	})
	av, _ := m.Apply(a).Values.Get("address_tags")
	bv, _ := m.Apply(b).Values.Get("address_tags")
	assert.Equal(t, av.Value, bv.Value, "map key order must not change the digest")
}

func TestApplyBinaryDigestsRawBytes(t *testing.T) {
	m := New([]string{"ssn"}, nil, []byte(""), []byte("k"), "k1", nil)
	ev := testEvent(t, types.Columns{
		{Name: "ssn_scan", Type: types.TypeBlob, Value: []byte{0x01, 0x02}},
	})
	sum := sha256.Sum256([]byte{0x01, 0x02})
	got, _ := m.Apply(ev).Values.Get("ssn_scan")
	assert.Equal(t, hex.EncodeToString(sum[:]), got.Value)
}
