package intake

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// alertNameLabel is the label carrying the alert name in Alertmanager payloads.
const alertNameLabel = "alertname"

// Fingerprinter derives the stable incident identity from a label set.
type Fingerprinter struct {
	ignored map[string]struct{}
}

// NewFingerprinter returns a fingerprinter that leaves the given volatile
// labels out of the identity.
func NewFingerprinter(ignored []string) *Fingerprinter {
	f := &Fingerprinter{ignored: make(map[string]struct{}, len(ignored))}
	for _, l := range ignored {
		f.ignored[l] = struct{}{}
	}
	return f
}

// Fingerprint hashes the identifying labels of an alert. The result does not
// depend on label order. Keys and values are hashed as given.
func (f *Fingerprinter) Fingerprint(name string, labels map[string]string) string {
	keys := make([]string, 0, len(labels)+1)
	for k := range labels {
		if _, skip := f.ignored[k]; skip {
			continue
		}
		keys = append(keys, k)
	}
	_, hasName := labels[alertNameLabel]
	if !hasName && name != "" {
		keys = append(keys, alertNameLabel)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		v, ok := labels[k]
		if !ok && k == alertNameLabel {
			v = name
		}
		h.Write([]byte(k))
		h.Write([]byte{0xff})
		h.Write([]byte(v))
		h.Write([]byte{0xff})
	}
	return hex.EncodeToString(h.Sum(nil))
}
