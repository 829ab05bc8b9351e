package main

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// ContractNegotiator diffs contract versions and builds the field-sharing
// selection the user approves before signing.
type ContractNegotiator struct{}

// NewContractNegotiator creates a contract negotiator
func NewContractNegotiator() *ContractNegotiator {
	return &ContractNegotiator{}
}

// ComputeDiff computes the changes between two contract versions.
// Fields are compared by stable field id, never by display text.
// No field id ever appears in both AddedFields and RemovedFields.
func (n *ContractNegotiator) ComputeDiff(current, proposed *ServiceDataContract) ContractChanges {
	currentFields := fieldSet(current)
	proposedFields := fieldSet(proposed)

	var changes ContractChanges

	// Added: in proposed but not current
	for _, spec := range orderedSpecs(proposedFields) {
		if _, ok := currentFields[spec.Field]; !ok {
			changes.AddedFields = append(changes.AddedFields, spec)
		}
	}

	// Removed: in current but not proposed
	for _, spec := range orderedSpecs(currentFields) {
		if _, ok := proposedFields[spec.Field]; !ok {
			changes.RemovedFields = append(changes.RemovedFields, spec.Field)
		}
	}

	// Changed: in both, with different purpose or retention terms
	for _, spec := range orderedSpecs(proposedFields) {
		prev, ok := currentFields[spec.Field]
		if !ok {
			continue
		}
		if prev.Purpose != spec.Purpose || prev.Retention != spec.Retention {
			changes.ChangedFields = append(changes.ChangedFields, spec)
		}
	}

	changes.PermissionChanges = permissionDeltas(current, proposed)

	if current.MaxRequestsPerHour != proposed.MaxRequestsPerHour || current.MaxStorageMB != proposed.MaxStorageMB {
		delta := fmt.Sprintf("requests/hour %d -> %d, storage %d MB -> %d MB",
			current.MaxRequestsPerHour, proposed.MaxRequestsPerHour,
			current.MaxStorageMB, proposed.MaxStorageMB)
		changes.RateLimitChanges = &delta
	}

	return changes
}

// SelectFieldMappings builds the shared-field set for an accepted
// contract: every required field always, an optional field iff its id is
// in selectedOptional. The caller supplies the explicit selection; no
// default is assumed here.
func (n *ContractNegotiator) SelectFieldMappings(result *ServiceDiscoveryResult, selectedOptional map[string]bool) []SharedFieldMapping {
	now := time.Now().UTC()
	mappings := make([]SharedFieldMapping, 0, len(result.Contract.RequiredFields))

	for _, spec := range result.Contract.RequiredFields {
		mappings = append(mappings, SharedFieldMapping{
			FieldSpec:     spec,
			LocalFieldKey: spec.Field,
			SharedAt:      now,
		})
	}
	for _, spec := range result.Contract.OptionalFields {
		if selectedOptional[spec.Field] {
			mappings = append(mappings, SharedFieldMapping{
				FieldSpec:     spec,
				LocalFieldKey: spec.Field,
				SharedAt:      now,
			})
		}
	}

	return mappings
}

// ValidateContract validates a proposed contract's structure before it is
// diffed or presented for review.
func (n *ContractNegotiator) ValidateContract(contract *ServiceDataContract) error {
	if contract.ContractID == "" {
		return &ValidationError{Field: "contract_id", Message: "contract_id is required"}
	}
	if contract.ServiceGUID == "" {
		return &ValidationError{Field: "service_guid", Message: "service_guid is required"}
	}
	if contract.Version <= 0 {
		return &ValidationError{Field: "version", Message: "version must be positive"}
	}
	for i, field := range contract.RequiredFields {
		if field.Field == "" {
			return &ValidationError{Field: "required_fields", Message: "field id required at index " + strconv.Itoa(i)}
		}
	}
	for i, field := range contract.OptionalFields {
		if field.Field == "" {
			return &ValidationError{Field: "optional_fields", Message: "field id required at index " + strconv.Itoa(i)}
		}
	}
	return nil
}

// fieldSet indexes a contract's required and optional fields by id.
// A field id listed as both required and optional resolves to required.
func fieldSet(contract *ServiceDataContract) map[string]FieldSpec {
	set := make(map[string]FieldSpec, len(contract.RequiredFields)+len(contract.OptionalFields))
	for _, spec := range contract.OptionalFields {
		set[spec.Field] = spec
	}
	for _, spec := range contract.RequiredFields {
		set[spec.Field] = spec
	}
	return set
}

func orderedSpecs(set map[string]FieldSpec) []FieldSpec {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	specs := make([]FieldSpec, 0, len(ids))
	for _, id := range ids {
		specs = append(specs, set[id])
	}
	return specs
}

// permissionDeltas renders human-readable deltas over the capability
// flags and storage categories.
func permissionDeltas(current, proposed *ServiceDataContract) []string {
	var deltas []string

	flag := func(name string, before, after bool) {
		if before == after {
			return
		}
		if after {
			deltas = append(deltas, "service may now "+name)
		} else {
			deltas = append(deltas, "service may no longer "+name)
		}
	}

	flag("store data", current.CanStoreData, proposed.CanStoreData)
	flag("send messages", current.CanSendMessages, proposed.CanSendMessages)
	flag("request authentication", current.CanRequestAuth, proposed.CanRequestAuth)
	flag("request payment", current.CanRequestPayment, proposed.CanRequestPayment)

	if !stringSlicesEqual(current.StorageCategories, proposed.StorageCategories) {
		deltas = append(deltas, fmt.Sprintf("storage categories changed from %v to %v",
			current.StorageCategories, proposed.StorageCategories))
	}

	return deltas
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
