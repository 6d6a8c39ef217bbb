// Package masking classifies outgoing columns as PII or PHI by name
// pattern and replaces their values with deterministic digests before
// anything crosses the trust boundary. Plaintext never survives the
// transform: callers receive a new event carrying only masked values.
package masking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/tributary-io/tributary/internal/types"
)

// Classification is the sensitivity class assigned to a column.
type Classification string

const (
	ClassNone Classification = "NONE"
	ClassPII  Classification = "PII"
	ClassPHI  Classification = "PHI"
)

// Strategy names the transform applied to a masked value.
type Strategy string

const (
	StrategyHash Strategy = "HASH" // sha256(salt || value)
	StrategyHMAC Strategy = "HMAC" // hmac-sha256(key, value)
)

// Built-in pattern lists used when the config supplies none, so
// classification is always well-defined.
var (
	DefaultPIIPatterns = []string{"email", "phone", "ssn", "address", "credit-card", "ip-address"}
	DefaultPHIPatterns = []string{"medical-record", "patient-id", "diagnosis", "prescription", "medication"}
)

// AuditRecord is emitted once per masked field. It never carries the
// original value.
type AuditRecord struct {
	EventID        string         `json:"event_id"`
	Table          string         `json:"table_name"`
	Column         string         `json:"column_name"`
	Classification Classification `json:"classification"`
	Strategy       Strategy       `json:"strategy"`
	KeyID          string         `json:"key_id,omitempty"`
}

// Auditor receives one record per masked field.
type Auditor interface {
	Audit(rec AuditRecord)
}

// LogAuditor writes audit records as structured log entries.
type LogAuditor struct{}

func (LogAuditor) Audit(rec AuditRecord) {
	log.WithFields(log.Fields{
		"event_id":       rec.EventID,
		"table":          rec.Table,
		"column":         rec.Column,
		"classification": rec.Classification,
		"strategy":       rec.Strategy,
		"key_id":         rec.KeyID,
	}).Info("field masked")
}

// Masker holds the immutable rule set. Rules load once at start;
// changing them requires a restart.
type Masker struct {
	piiPatterns []string // lowercased, tested in declaration order
	phiPatterns []string
	salt        []byte
	key         []byte
	keyID       string
	auditor     Auditor
}

// New builds a masker. Empty pattern lists fall back to the built-in
// defaults. auditor may be nil to disable audit emission (tests only).
func New(piiPatterns, phiPatterns []string, salt, key []byte, keyID string, auditor Auditor) *Masker {
	if len(piiPatterns) == 0 {
		piiPatterns = DefaultPIIPatterns
	}
	if len(phiPatterns) == 0 {
		phiPatterns = DefaultPHIPatterns
	}
	return &Masker{
		piiPatterns: lowerAll(piiPatterns),
		phiPatterns: lowerAll(phiPatterns),
		salt:        salt,
		key:         key,
		keyID:       keyID,
		auditor:     auditor,
	}
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// Classify assigns the sensitivity class for a column name. PHI patterns
// are tested first so a name matching both lists gets the stronger
// treatment.
func (m *Masker) Classify(column string) Classification {
	name := strings.ToLower(column)
	for _, p := range m.phiPatterns {
		if strings.Contains(name, p) {
			return ClassPHI
		}
	}
	for _, p := range m.piiPatterns {
		if strings.Contains(name, p) {
			return ClassPII
		}
	}
	return ClassNone
}

// Apply returns a copy of the event with every sensitive column value
// replaced by its digest. Events with no sensitive columns are returned
// unchanged. Nulls pass through regardless of classification.
func (m *Masker) Apply(ev *types.Event) *types.Event {
	var masked types.Columns
	touched := false
	for i, col := range ev.Values {
		class := m.Classify(col.Name)
		if class == ClassNone || col.Value == nil {
			if touched {
				masked = append(masked, col)
			}
			continue
		}
		if !touched {
			masked = append(types.Columns{}, ev.Values[:i]...)
			touched = true
		}
		out := col
		out.Type = digestType(col.Type)
		out.Value = m.digest(class, col.Value)
		masked = append(masked, out)
		m.audit(ev, col.Name, class)
	}
	if !touched {
		return ev
	}
	return ev.WithValues(masked)
}

// digestType is the column type after masking. Everything collapses to
// text: a hex digest is a fixed-length string whatever the input was.
func digestType(types.CQLType) types.CQLType { return types.TypeText }

func (m *Masker) digest(class Classification, v any) string {
	raw := valueBytes(v)
	switch class {
	case ClassPHI:
		mac := hmac.New(sha256.New, m.key)
		mac.Write(raw)
		return hex.EncodeToString(mac.Sum(nil))
	default:
		h := sha256.New()
		h.Write(m.salt)
		h.Write(raw)
		return hex.EncodeToString(h.Sum(nil))
	}
}

// valueBytes renders a value for digesting. Binary values hash as raw
// bytes; structured values canonicalize (sorted keys, ordered elements)
// so equal collections digest equally.
func valueBytes(v any) []byte {
	if b, ok := v.([]byte); ok {
		return b
	}
	return []byte(types.CanonicalString(v))
}

func (m *Masker) audit(ev *types.Event, column string, class Classification) {
	if m.auditor == nil {
		return
	}
	rec := AuditRecord{
		EventID:        ev.ID.String(),
		Table:          ev.QualifiedTable(),
		Column:         column,
		Classification: class,
		Strategy:       StrategyHash,
	}
	if class == ClassPHI {
		rec.Strategy = StrategyHMAC
		rec.KeyID = m.keyID
	}
	m.auditor.Audit(rec)
}
