package shugo

import (
	"errors"
	"strings"
	"testing"
)

func findEmergencySeries(t *testing.T, service *Service, seriesID string) EmergencySeriesSummary {
	t.Helper()

	series, err := service.ListEmergencySeries()
	if err != nil {
		t.Fatalf("ListEmergencySeries failed: %v", err)
	}
	for _, summary := range series {
		if summary.SeriesID == seriesID {
			return summary
		}
	}
	t.Fatalf("series %s not listed", seriesID)
	return EmergencySeriesSummary{}
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func TestGenerateEmergencyTable(t *testing.T) {
	service := newTestService(t)

	table, err := service.GenerateEmergencyTable("datacenter-east", "operator-1")
	if err != nil {
		t.Fatalf("GenerateEmergencyTable failed: %v", err)
	}
	if !strings.HasPrefix(table.SeriesID, "EMG-") {
		t.Errorf("series ID = %q", table.SeriesID)
	}
	if table.Status != SeriesPending {
		t.Errorf("fresh series status = %s, want %s", table.Status, SeriesPending)
	}
	if table.Scope != "datacenter-east" {
		t.Errorf("scope = %q", table.Scope)
	}
	if len(table.MasterCode) != emergencyMasterDigits || !allDigits(table.MasterCode) {
		t.Errorf("master code = %q, want %d digits", table.MasterCode, emergencyMasterDigits)
	}
	if len(table.Codes) != emergencyTableSize {
		t.Fatalf("table has %d codes, want %d", len(table.Codes), emergencyTableSize)
	}

	positions := make(map[string]bool, emergencyTableSize)
	for _, code := range table.Codes {
		if len(code.Code) != emergencyCodeDigits || !allDigits(code.Code) {
			t.Errorf("code at %s = %q, want %d digits", code.Position, code.Code, emergencyCodeDigits)
		}
		positions[code.Position] = true
	}
	if len(positions) != emergencyTableSize {
		t.Errorf("table has %d distinct positions, want %d", len(positions), emergencyTableSize)
	}
	for _, position := range []string{"A01", "A33", "B01", "B33", "C01", "C34"} {
		if !positions[position] {
			t.Errorf("position %s missing", position)
		}
	}
	if positions["A34"] || positions["B34"] || positions["C35"] {
		t.Error("table contains positions outside the three-column layout")
	}

	summary := findEmergencySeries(t, service, table.SeriesID)
	if summary.Status != SeriesPending {
		t.Errorf("listed status = %s", summary.Status)
	}
	if summary.Remaining != emergencyTableSize {
		t.Errorf("remaining = %d, want %d", summary.Remaining, emergencyTableSize)
	}
	if summary.CreatedBy != "operator-1" {
		t.Errorf("created by = %q", summary.CreatedBy)
	}
}

func TestGenerateEmergencyTableRejectsBadScope(t *testing.T) {
	service := newTestService(t)

	for _, scope := range []string{"", "has spaces", "slash/scope", strings.Repeat("s", 65)} {
		if _, err := service.GenerateEmergencyTable(scope, "op"); err == nil {
			t.Errorf("scope %q was accepted", scope)
		}
	}
}

func TestEmergencyCodeValidation(t *testing.T) {
	service := newTestService(t)

	table, err := service.GenerateEmergencyTable("prod", "op")
	if err != nil {
		t.Fatalf("GenerateEmergencyTable failed: %v", err)
	}
	first, second := table.Codes[0], table.Codes[1]

	// A pending series validates nothing, and does not say why
	_, err = service.ValidateEmergencyCode(table.SeriesID, table.MasterCode, first.Position, first.Code, "")
	if !errors.Is(err, ErrInvalidEmergencyCode) {
		t.Fatalf("expected ErrInvalidEmergencyCode for pending series, got %v", err)
	}

	if err = service.ActivateEmergencyTable(table.SeriesID, "op"); err != nil {
		t.Fatalf("ActivateEmergencyTable failed: %v", err)
	}

	result, err := service.ValidateEmergencyCode(table.SeriesID, table.MasterCode, first.Position, first.Code, "203.0.113.7")
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if result.UsedCount != 1 || result.Remaining != emergencyTableSize-1 {
		t.Errorf("counters = (%d, %d), want (1, %d)", result.UsedCount, result.Remaining, emergencyTableSize-1)
	}
	if result.Position != first.Position || result.Scope != "prod" {
		t.Errorf("result = %+v", result)
	}
	if result.ReplacementRecommended {
		t.Error("replacement recommended after a single use")
	}

	// Codes are single use
	if _, err = service.ValidateEmergencyCode(table.SeriesID, table.MasterCode, first.Position, first.Code, ""); !errors.Is(err, ErrCodeAlreadyUsed) {
		t.Fatalf("expected ErrCodeAlreadyUsed, got %v", err)
	}

	// Wrong master code and wrong position code both yield the generic error
	if _, err = service.ValidateEmergencyCode(table.SeriesID, "000000000000", second.Position, second.Code, ""); !errors.Is(err, ErrInvalidEmergencyCode) {
		t.Fatalf("expected ErrInvalidEmergencyCode for wrong master, got %v", err)
	}
	if _, err = service.ValidateEmergencyCode(table.SeriesID, table.MasterCode, second.Position, "00000000", ""); !errors.Is(err, ErrInvalidEmergencyCode) {
		t.Fatalf("expected ErrInvalidEmergencyCode for wrong code, got %v", err)
	}

	// Unknown structure is distinguishable; unknown position or series
	if _, err = service.ValidateEmergencyCode(table.SeriesID, table.MasterCode, "Z99", second.Code, ""); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected ErrCodeNotFound for unknown position, got %v", err)
	}
	if _, err = service.ValidateEmergencyCode("EMG-MISSING", table.MasterCode, second.Position, second.Code, ""); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected ErrCodeNotFound for unknown series, got %v", err)
	}

	// None of the failures consumed the second code
	result, err = service.ValidateEmergencyCode(table.SeriesID, table.MasterCode, second.Position, second.Code, "")
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if result.UsedCount != 2 {
		t.Errorf("used count = %d, want 2", result.UsedCount)
	}
}

func TestActivateEmergencyTableReplacesPredecessor(t *testing.T) {
	service := newTestService(t)

	first, err := service.GenerateEmergencyTable("prod", "op")
	if err != nil {
		t.Fatalf("GenerateEmergencyTable failed: %v", err)
	}
	second, err := service.GenerateEmergencyTable("prod", "op")
	if err != nil {
		t.Fatalf("GenerateEmergencyTable failed: %v", err)
	}
	staging, err := service.GenerateEmergencyTable("staging", "op")
	if err != nil {
		t.Fatalf("GenerateEmergencyTable failed: %v", err)
	}

	for _, seriesID := range []string{first.SeriesID, staging.SeriesID} {
		if err = service.ActivateEmergencyTable(seriesID, "op"); err != nil {
			t.Fatalf("ActivateEmergencyTable(%s) failed: %v", seriesID, err)
		}
	}

	// Activating the replacement revokes the predecessor in the same scope
	if err = service.ActivateEmergencyTable(second.SeriesID, "op"); err != nil {
		t.Fatalf("ActivateEmergencyTable failed: %v", err)
	}

	if status := findEmergencySeries(t, service, first.SeriesID).Status; status != SeriesRevoked {
		t.Errorf("replaced series status = %s, want %s", status, SeriesRevoked)
	}
	if findEmergencySeries(t, service, first.SeriesID).RevokedAt == nil {
		t.Error("replaced series has no revocation stamp")
	}
	if status := findEmergencySeries(t, service, second.SeriesID).Status; status != SeriesActive {
		t.Errorf("new series status = %s, want %s", status, SeriesActive)
	}
	// Other scopes are untouched
	if status := findEmergencySeries(t, service, staging.SeriesID).Status; status != SeriesActive {
		t.Errorf("staging series status = %s, want %s", status, SeriesActive)
	}

	// The revoked series validates nothing and cannot come back
	code := first.Codes[0]
	if _, err = service.ValidateEmergencyCode(first.SeriesID, first.MasterCode, code.Position, code.Code, ""); !errors.Is(err, ErrInvalidEmergencyCode) {
		t.Fatalf("expected ErrInvalidEmergencyCode for revoked series, got %v", err)
	}
	if err = service.ActivateEmergencyTable(first.SeriesID, "op"); err == nil {
		t.Fatal("revoked series was reactivated")
	}

	// Re-activating the active series is a no-op
	if err = service.ActivateEmergencyTable(second.SeriesID, "op"); err != nil {
		t.Fatalf("re-activation failed: %v", err)
	}
}

func TestEmergencyUsageSurvivesReseal(t *testing.T) {
	service := newTestService(t)

	table, err := service.GenerateEmergencyTable("prod", "op")
	if err != nil {
		t.Fatalf("GenerateEmergencyTable failed: %v", err)
	}
	if err = service.ActivateEmergencyTable(table.SeriesID, "op"); err != nil {
		t.Fatalf("ActivateEmergencyTable failed: %v", err)
	}

	used := table.Codes[0]
	if _, err = service.ValidateEmergencyCode(table.SeriesID, table.MasterCode, used.Position, used.Code, ""); err != nil {
		t.Fatalf("validation failed: %v", err)
	}

	if err = service.Seal(); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if err = service.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	// The used mark is durable
	if _, err = service.ValidateEmergencyCode(table.SeriesID, table.MasterCode, used.Position, used.Code, ""); !errors.Is(err, ErrCodeAlreadyUsed) {
		t.Fatalf("expected ErrCodeAlreadyUsed after reseal, got %v", err)
	}

	fresh := table.Codes[1]
	result, err := service.ValidateEmergencyCode(table.SeriesID, table.MasterCode, fresh.Position, fresh.Code, "")
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if result.UsedCount != 2 {
		t.Errorf("used count = %d, want 2", result.UsedCount)
	}
}

func TestEmergencyExhaustionAlert(t *testing.T) {
	if testing.Short() {
		t.Skip("walks 86 code verifications through the password hash")
	}

	recorder := &recordingLogger{}
	service := newTestServiceOn(t, testOptions(), newTestStore(t), recorder)

	table, err := service.GenerateEmergencyTable("prod", "op")
	if err != nil {
		t.Fatalf("GenerateEmergencyTable failed: %v", err)
	}
	if err = service.ActivateEmergencyTable(table.SeriesID, "op"); err != nil {
		t.Fatalf("ActivateEmergencyTable failed: %v", err)
	}

	for i := 0; i < emergencyAlertAt; i++ {
		code := table.Codes[i]
		result, err := service.ValidateEmergencyCode(table.SeriesID, table.MasterCode, code.Position, code.Code, "")
		if err != nil {
			t.Fatalf("validation %d failed: %v", i+1, err)
		}
		if recommended := result.ReplacementRecommended; recommended != (i+1 >= emergencyAlertAt) {
			t.Errorf("after %d uses: replacement recommended = %v", i+1, recommended)
		}
	}

	if n := recorder.count(ProtocolEmergencyExhausted); n != 1 {
		t.Fatalf("exhaustion alert fired %d times, want exactly 1", n)
	}

	// Later uses keep recommending replacement without a second alert
	next := table.Codes[emergencyAlertAt]
	result, err := service.ValidateEmergencyCode(table.SeriesID, table.MasterCode, next.Position, next.Code, "")
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if !result.ReplacementRecommended {
		t.Error("replacement no longer recommended past the threshold")
	}
	if n := recorder.count(ProtocolEmergencyExhausted); n != 1 {
		t.Fatalf("exhaustion alert fired %d times after threshold, want 1", n)
	}

	summary := findEmergencySeries(t, service, table.SeriesID)
	if !summary.AlertFired {
		t.Error("summary does not record the fired alert")
	}
	if summary.UsedCount != emergencyAlertAt+1 {
		t.Errorf("used count = %d, want %d", summary.UsedCount, emergencyAlertAt+1)
	}
}
