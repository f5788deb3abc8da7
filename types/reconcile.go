package types

import "time"

// ReconcileReport summarizes one reconciliation pass for a resource kind.
type ReconcileReport struct {
	// Kind is the resource family that was reconciled.
	Kind ResourceKind `json:"kind"`

	// DryRun is true when differences were computed but nothing was deleted.
	DryRun bool `json:"dry_run"`

	// DBRows and StoreObjects are the sizes of the two sets before remediation.
	DBRows       int `json:"db_rows"`
	StoreObjects int `json:"store_objects"`

	// MissingInStore are keys referenced by a row but absent from the store.
	MissingInStore []string `json:"missing_in_store"`

	// MissingInDB are keys present in the store but referenced by no row.
	MissingInDB []string `json:"missing_in_db"`

	RemovedDBRows  int `json:"removed_db_rows"`
	RemovedObjects int `json:"removed_objects"`

	// Final counts after remediation, taken from a second fetch of both sets.
	FinalDBRows             int `json:"final_db_rows"`
	FinalStoreObjects       int `json:"final_store_objects"`
	RemainingMissingInStore int `json:"remaining_missing_in_store"`
	RemainingMissingInDB    int `json:"remaining_missing_in_db"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// CleanupFailedEvent is published when a compensating object deletion fails.
type CleanupFailedEvent struct {
	Kind       ResourceKind `json:"kind"`
	StorageKey string       `json:"storage_key"`
	Reason     string       `json:"reason"`
	Error      string       `json:"error"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// ReconcileRequest asks a listener to run a reconciliation pass.
type ReconcileRequest struct {
	Kind   ResourceKind `json:"kind"`
	DryRun bool         `json:"dry_run"`
}
