package domain

// DataRefKind tags the variant held by a DataRef.
type DataRefKind string

const (
	// DataRefUnassigned marks a not-yet-computed task output.
	DataRefUnassigned DataRefKind = "unassigned"
	// DataRefNull marks an inline null, chosen when the declared type is "null".
	DataRefNull DataRefKind = "null"
	// DataRefValue references a value blob by hash.
	DataRefValue DataRefKind = "value"
	// DataRefTree references a tree object by hash.
	DataRefTree DataRefKind = "tree"
)

// DataRef is the tagged variant referencing data in the object store, or
// denoting unassigned/null inline. The wire form stores Kind as a small
// string tag so on-disk representations are stable across versions.
type DataRef struct {
	Kind DataRefKind
	Hash Hash // set for DataRefValue and DataRefTree
	Type string // declared East type name, when known; empty if unknown
}

// UnassignedRef is the singleton unassigned placeholder.
func UnassignedRef() DataRef {
	return DataRef{Kind: DataRefUnassigned}
}

// NullRef returns the inline null ref carrying the given declared type.
func NullRef(declaredType string) DataRef {
	return DataRef{Kind: DataRefNull, Type: declaredType}
}

// ValueRef references a value blob.
func ValueRef(h Hash, declaredType string) DataRef {
	return DataRef{Kind: DataRefValue, Hash: h, Type: declaredType}
}

// TreeRef references a tree object.
func TreeRef(h Hash) DataRef {
	return DataRef{Kind: DataRefTree, Hash: h}
}

// IsUnassigned reports whether the ref is the unassigned placeholder.
func (r DataRef) IsUnassigned() bool {
	return r.Kind == DataRefUnassigned
}

// IsResolved reports whether the ref is anything other than the unassigned
// placeholder: null, value and tree refs all count as resolved. Per the
// scheduler's readiness rule, a value or null ref counts as resolved;
// unassigned does not.
func (r DataRef) IsResolved() bool {
	return r.Kind != DataRefUnassigned
}

// DatasetStatus classifies a DataRef without fetching its value, per
// getDatasetStatus.
type DatasetStatus string

const (
	StatusAssigned   DatasetStatus = "assigned"
	StatusUnassigned DatasetStatus = "unassigned"
	StatusNull       DatasetStatus = "null"
	StatusComputed   DatasetStatus = "computed"
)

// GetDatasetStatus classifies a DataRef into the four dataset statuses.
// "computed" is reported for a resolved value ref that is not the
// package's declared default (i.e. produced by task execution rather
// than carried over from the package's dataset declaration); since a
// bare DataRef cannot distinguish "default" from "computed" on its own,
// callers that need that distinction pass isDefault explicitly.
func GetDatasetStatus(r DataRef, isDefault bool) DatasetStatus {
	switch r.Kind {
	case DataRefUnassigned:
		return StatusUnassigned
	case DataRefNull:
		return StatusNull
	case DataRefValue:
		if isDefault {
			return StatusAssigned
		}
		return StatusComputed
	case DataRefTree:
		return StatusAssigned
	default:
		return StatusUnassigned
	}
}
