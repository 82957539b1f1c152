package models

import "time"

// BiasCategory names a protected attribute the audit tests for
type BiasCategory string

const (
	BiasGender    BiasCategory = "gender"
	BiasAge       BiasCategory = "age"
	BiasRace      BiasCategory = "race"
	BiasIncome    BiasCategory = "income"
	BiasEducation BiasCategory = "education"
)

// KnownBiasCategories lists the categories a submission may select
var KnownBiasCategories = []BiasCategory{BiasGender, BiasAge, BiasRace, BiasIncome, BiasEducation}

// EncryptionMethod is the privacy mode requested for the audit
type EncryptionMethod string

const (
	EncryptionHomomorphic   EncryptionMethod = "homomorphic"
	EncryptionSecureEnclave EncryptionMethod = "secure-enclave"
	EncryptionFederated     EncryptionMethod = "federated"
)

// Priority is the processing tier of a submission
type Priority string

const (
	// PriorityQuantum jobs are dequeued before classical ones
	PriorityQuantum   Priority = "quantum"
	PriorityClassical Priority = "classical"
)

// Artifact is one uploaded file
type Artifact struct {
	Name string `json:"name"`
	Data []byte `json:"-"`
}

// AuditSubmission identifies one audit request. Immutable once created.
type AuditSubmission struct {
	ID               string           `json:"id"`
	Fingerprint      string           `json:"fingerprint"`
	ModelName        string           `json:"model_name"`
	Organization     string           `json:"organization"`
	BiasCategories   []BiasCategory   `json:"bias_categories"`
	EncryptionMethod EncryptionMethod `json:"encryption_method"`
	Priority         Priority         `json:"priority"`
	Model            *Artifact        `json:"model,omitempty"`
	Dataset          Artifact         `json:"dataset"`
	SubmittedAt      time.Time        `json:"submitted_at"`
}
