package ledger

import "custodia/internal/encryption"

// Manifest declares, per resource type, which detail fields are sensitive and
// which key classification protects them. Manifests are static: audit
// completeness never depends on inspecting the shape of a value at runtime.
type Manifest struct {
	Classification encryption.Classification
	Fields         []string
}

// Contains reports whether the field is part of the manifest.
func (m Manifest) Contains(field string) bool {
	for _, f := range m.Fields {
		if f == field {
			return true
		}
	}
	return false
}

// manifests is the registry of auditable resource types. Appending an entry
// for an unlisted resource type fails; new resource types must be declared
// here before they can be audited.
var manifests = map[string]Manifest{
	"patient_record": {
		Classification: encryption.ClassificationClinical,
		Fields:         []string{"mrn", "diagnosis_codes", "note_excerpt", "accessed_fields"},
	},
	"prescription": {
		Classification: encryption.ClassificationClinical,
		Fields:         []string{"medication", "dosage", "prescriber_npi"},
	},
	"lab_result": {
		Classification: encryption.ClassificationClinical,
		Fields:         []string{"test_code", "result_value", "reference_range"},
	},
	"insurance_claim": {
		Classification: encryption.ClassificationFinancial,
		Fields:         []string{"policy_number", "claim_amount", "payer_id"},
	},
	"patient_identity": {
		Classification: encryption.ClassificationIdentifier,
		Fields:         []string{"ssn", "insurance_number", "date_of_birth"},
	},
	// The operator surface audits access to the audit data itself.
	"audit_trail": {
		Classification: encryption.ClassificationIdentifier,
		Fields:         []string{"query_filters", "operator_device"},
	},
	// Key lifecycle events from the operator surface.
	"encryption_key": {
		Classification: encryption.ClassificationIdentifier,
		Fields:         []string{"classification", "new_version"},
	},
}

// ManifestFor returns the field manifest for a resource type.
func ManifestFor(resourceType string) (Manifest, bool) {
	m, ok := manifests[resourceType]
	return m, ok
}
