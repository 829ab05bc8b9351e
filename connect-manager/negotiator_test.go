package main

import (
	"testing"
)

func TestComputeDiff_AddedRemovedChanged(t *testing.T) {
	n := NewContractNegotiator()

	current := testContract("svc-1", 1)
	proposed := testContract("svc-1", 2)

	// v2 adds phone, drops username, and extends address retention
	proposed.OptionalFields = []FieldSpec{
		{Field: "address", Purpose: "shipping", Retention: "session"},
		{Field: "phone", Purpose: "delivery updates", Retention: "until_revoked"},
	}

	changes := n.ComputeDiff(&current, &proposed)

	if len(changes.AddedFields) != 1 || changes.AddedFields[0].Field != "phone" {
		t.Errorf("Expected added [phone], got %v", changes.AddedFields)
	}
	if len(changes.RemovedFields) != 1 || changes.RemovedFields[0] != "username" {
		t.Errorf("Expected removed [username], got %v", changes.RemovedFields)
	}
	if len(changes.ChangedFields) != 1 || changes.ChangedFields[0].Field != "address" {
		t.Errorf("Expected changed [address], got %v", changes.ChangedFields)
	}
}

func TestComputeDiff_NoOverlapBetweenAddedAndRemoved(t *testing.T) {
	n := NewContractNegotiator()

	current := testContract("svc-1", 1)
	proposed := testContract("svc-1", 2)
	// Same field moves from optional to required: identity is the field
	// id, so it must be neither added nor removed.
	proposed.RequiredFields = append(proposed.RequiredFields,
		FieldSpec{Field: "address", Purpose: "shipping", Retention: "until_revoked"})
	proposed.OptionalFields = []FieldSpec{
		{Field: "username", Purpose: "display", Retention: "session"},
	}

	changes := n.ComputeDiff(&current, &proposed)

	for _, spec := range changes.AddedFields {
		if spec.Field == "address" {
			t.Error("Field moved between tiers must not appear as added")
		}
	}
	for _, id := range changes.RemovedFields {
		if id == "address" {
			t.Error("Field moved between tiers must not appear as removed")
		}
	}
}

func TestComputeDiff_PermissionAndRateChanges(t *testing.T) {
	n := NewContractNegotiator()

	current := testContract("svc-1", 1)
	proposed := testContract("svc-1", 2)
	proposed.CanRequestPayment = true
	proposed.CanRequestAuth = false
	proposed.MaxRequestsPerHour = 500

	changes := n.ComputeDiff(&current, &proposed)

	if len(changes.PermissionChanges) != 2 {
		t.Errorf("Expected 2 permission changes, got %v", changes.PermissionChanges)
	}
	if changes.RateLimitChanges == nil {
		t.Fatal("Expected rate limit changes to be reported")
	}
}

func TestComputeDiff_Identical(t *testing.T) {
	n := NewContractNegotiator()

	current := testContract("svc-1", 1)
	proposed := testContract("svc-1", 2)

	changes := n.ComputeDiff(&current, &proposed)

	if len(changes.AddedFields) != 0 || len(changes.RemovedFields) != 0 || len(changes.ChangedFields) != 0 {
		t.Errorf("Expected empty field diff, got %+v", changes)
	}
	if len(changes.PermissionChanges) != 0 || changes.RateLimitChanges != nil {
		t.Errorf("Expected no permission or rate changes, got %+v", changes)
	}
}

func TestSelectFieldMappings_EmptySelection(t *testing.T) {
	n := NewContractNegotiator()
	result := &ServiceDiscoveryResult{Contract: testContract("svc-1", 1)}

	// Empty selection still carries every required field
	mappings := n.SelectFieldMappings(result, nil)

	if len(mappings) != 1 {
		t.Fatalf("Expected 1 mapping, got %d", len(mappings))
	}
	if mappings[0].FieldSpec.Field != "email" {
		t.Errorf("Expected required field 'email', got '%s'", mappings[0].FieldSpec.Field)
	}
}

func TestSelectFieldMappings_WithOptional(t *testing.T) {
	n := NewContractNegotiator()
	result := &ServiceDiscoveryResult{Contract: testContract("svc-1", 1)}

	mappings := n.SelectFieldMappings(result, map[string]bool{"address": true})

	if len(mappings) != 2 {
		t.Fatalf("Expected 2 mappings, got %d", len(mappings))
	}

	fields := map[string]bool{}
	for _, m := range mappings {
		fields[m.FieldSpec.Field] = true
	}
	if !fields["email"] || !fields["address"] {
		t.Errorf("Expected email and address, got %v", fields)
	}
	if fields["username"] {
		t.Error("Unselected optional field must not be shared")
	}
}

func TestValidateContract(t *testing.T) {
	n := NewContractNegotiator()

	valid := testContract("svc-1", 1)
	if err := n.ValidateContract(&valid); err != nil {
		t.Errorf("Expected valid contract, got %v", err)
	}

	noID := testContract("svc-1", 1)
	noID.ContractID = ""
	if err := n.ValidateContract(&noID); err == nil {
		t.Error("Expected error for missing contract_id")
	}

	badVersion := testContract("svc-1", 0)
	if err := n.ValidateContract(&badVersion); err == nil {
		t.Error("Expected error for non-positive version")
	}
}
