package shugo

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/awnumar/memguard"

	"github.com/sheep-shaker/Shugo-sub004/audit"
	"github.com/sheep-shaker/Shugo-sub004/internal/crypto"
)

const (
	// emergencySeriesType tags the reserved items that hold code tables.
	emergencySeriesType = "emergency_series"

	emergencyItemPrefix = reservedItemPrefix + "emergency/"

	emergencyTableSize    = 100
	emergencyAlertAt      = 85
	emergencyCodeDigits   = 8
	emergencyMasterDigits = 12
)

// EmergencySeriesStatus tracks a code table through its life. A series is
// generated pending, promoted by an explicit activation, and retired to
// revoked when a newer series takes over its scope.
type EmergencySeriesStatus string

const (
	SeriesPending EmergencySeriesStatus = "pending"
	SeriesActive  EmergencySeriesStatus = "active"
	SeriesRevoked EmergencySeriesStatus = "revoked"
)

// EmergencyCode pairs a position label with its single-use code.
type EmergencyCode struct {
	Position string `json:"position"`
	Code     string `json:"code"`
}

// EmergencyTable is the one-time handout from GenerateEmergencyTable. It
// carries the only cleartext copy of the master code and position codes;
// the vault persists hashes and cannot reproduce them. Print it, store it
// offline, and drop the in-memory copy.
type EmergencyTable struct {
	SeriesID    string                `json:"series_id"`
	Scope       string                `json:"scope"`
	MasterCode  string                `json:"master_code"`
	Codes       []EmergencyCode       `json:"codes"`
	GeneratedAt time.Time             `json:"generated_at"`
	Status      EmergencySeriesStatus `json:"status"`
}

// EmergencyValidation reports a successful code use.
type EmergencyValidation struct {
	SeriesID               string    `json:"series_id"`
	Scope                  string    `json:"scope"`
	Position               string    `json:"position"`
	UsedCount              int       `json:"used_count"`
	Remaining              int       `json:"remaining"`
	ReplacementRecommended bool      `json:"replacement_recommended"`
	ValidatedAt            time.Time `json:"validated_at"`
}

// EmergencySeriesSummary describes a series without any code material.
type EmergencySeriesSummary struct {
	SeriesID    string                `json:"series_id"`
	Scope       string                `json:"scope"`
	Status      EmergencySeriesStatus `json:"status"`
	UsedCount   int                   `json:"used_count"`
	Remaining   int                   `json:"remaining"`
	AlertFired  bool                  `json:"alert_fired"`
	CreatedBy   string                `json:"created_by"`
	CreatedAt   time.Time             `json:"created_at"`
	ActivatedAt *time.Time            `json:"activated_at,omitempty"`
	RevokedAt   *time.Time            `json:"revoked_at,omitempty"`
}

// emergencySeries is the persisted form of a code table: an Argon2id hash
// for the master code, one checksum per position, and the used-position
// ledger. No code value is recoverable from it.
type emergencySeries struct {
	SeriesID      string                `json:"series_id"`
	Scope         string                `json:"scope"`
	Status        EmergencySeriesStatus `json:"status"`
	MasterHash    string                `json:"master_hash"`
	CodeHashes    map[string]string     `json:"code_hashes"`
	UsedPositions map[string]time.Time  `json:"used_positions"`
	UsedCount     int                   `json:"used_count"`
	AlertFired    bool                  `json:"alert_fired"`
	CreatedBy     string                `json:"created_by"`
	CreatedAt     time.Time             `json:"created_at"`
	ActivatedAt   *time.Time            `json:"activated_at,omitempty"`
	RevokedAt     *time.Time            `json:"revoked_at,omitempty"`
}

// emergencyPositions returns the position labels of one table: three
// columns A, B and C holding 33, 33 and 34 codes.
func emergencyPositions() []string {
	positions := make([]string, 0, emergencyTableSize)
	columns := []struct {
		label string
		size  int
	}{
		{"A", 33},
		{"B", 33},
		{"C", 34},
	}
	for _, column := range columns {
		for i := 1; i <= column.size; i++ {
			positions = append(positions, fmt.Sprintf("%s%02d", column.label, i))
		}
	}
	return positions
}

func newEmergencySeriesID() (string, error) {
	token, err := crypto.RandomToken(6)
	if err != nil {
		return "", fmt.Errorf("failed to generate series id: %w", err)
	}
	return "EMG-" + strings.ToUpper(token), nil
}

// emergencyCodeHash fingerprints one position code. Series and position are
// mixed in so equal codes at different positions hash differently.
func emergencyCodeHash(seriesID, position, code string) string {
	return crypto.CalculateChecksum([]byte(seriesID + ":" + position + ":" + code))
}

func emergencyItemName(seriesID string) string {
	return emergencyItemPrefix + seriesID
}

func (s *Service) loadEmergencySeries(seriesID string) (*emergencySeries, error) {
	payload, err := s.getSystemItem(emergencyItemName(seriesID))
	if err != nil {
		if errors.Is(err, ErrItemNotFound) {
			return nil, fmt.Errorf("emergency series %s: %w", seriesID, ErrCodeNotFound)
		}
		return nil, err
	}
	defer memguard.WipeBytes(payload)

	var series emergencySeries
	if err := json.Unmarshal(payload, &series); err != nil {
		return nil, fmt.Errorf("failed to parse emergency series %s: %w", seriesID, err)
	}
	return &series, nil
}

func (s *Service) saveEmergencySeries(series *emergencySeries) error {
	payload, err := json.Marshal(series)
	if err != nil {
		return fmt.Errorf("failed to serialize emergency series %s: %w", series.SeriesID, err)
	}
	defer memguard.WipeBytes(payload)

	return s.putSystemItem(emergencyItemName(series.SeriesID), payload, emergencySeriesType)
}

// GenerateEmergencyTable creates a 100-code single-use table for a scope and
// persists it, hashed, in the reserved item namespace. The series starts
// pending and validates nothing until ActivateEmergencyTable promotes it.
func (s *Service) GenerateEmergencyTable(scope, actor string) (*EmergencyTable, error) {
	requestID := newRequestID()
	start := time.Now()

	fields := map[string]interface{}{
		audit.FieldActor: actorOrDefault(actor, s.options.Actor),
		audit.FieldScope: scope,
	}

	if err := validateScope(scope); err != nil {
		s.manager.logProtocol(requestID, ProtocolEmergencyGenerate, err, fields, start)
		return nil, err
	}

	token, err := s.manager.acquire()
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolEmergencyGenerate, err, fields, start)
		return nil, err
	}
	defer token.Release()

	seriesID, err := newEmergencySeriesID()
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolEmergencyGenerate, err, fields, start)
		return nil, err
	}
	fields[audit.FieldSeries] = seriesID

	masterCode, err := crypto.RandomNumericCode(emergencyMasterDigits)
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolEmergencyGenerate, err, fields, start)
		return nil, err
	}
	masterHash, err := crypto.HashPassword(masterCode)
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolEmergencyGenerate, err, fields, start)
		return nil, err
	}

	now := time.Now().UTC()
	table := &EmergencyTable{
		SeriesID:    seriesID,
		Scope:       scope,
		MasterCode:  masterCode,
		Codes:       make([]EmergencyCode, 0, emergencyTableSize),
		GeneratedAt: now,
		Status:      SeriesPending,
	}
	record := &emergencySeries{
		SeriesID:      seriesID,
		Scope:         scope,
		Status:        SeriesPending,
		MasterHash:    masterHash,
		CodeHashes:    make(map[string]string, emergencyTableSize),
		UsedPositions: make(map[string]time.Time),
		CreatedBy:     actorOrDefault(actor, s.options.Actor),
		CreatedAt:     now,
	}

	for _, position := range emergencyPositions() {
		code, codeErr := crypto.RandomNumericCode(emergencyCodeDigits)
		if codeErr != nil {
			err = fmt.Errorf("failed to generate code for position %s: %w", position, codeErr)
			s.manager.logProtocol(requestID, ProtocolEmergencyGenerate, err, fields, start)
			return nil, err
		}
		table.Codes = append(table.Codes, EmergencyCode{Position: position, Code: code})
		record.CodeHashes[position] = emergencyCodeHash(seriesID, position, code)
	}

	s.manager.rotationMu.RLock()
	defer s.manager.rotationMu.RUnlock()
	s.itemsMu.Lock()
	defer s.itemsMu.Unlock()

	if err = s.saveEmergencySeries(record); err != nil {
		s.manager.logProtocol(requestID, ProtocolEmergencyGenerate, err, fields, start)
		return nil, err
	}

	fields["code_count"] = emergencyTableSize
	s.manager.logProtocol(requestID, ProtocolEmergencyGenerate, nil, fields, start)
	return table, nil
}

// ActivateEmergencyTable promotes a pending series to active for its scope.
// The previously active series for that scope is revoked first, so a crash
// between the two writes leaves the scope with no active table rather than
// two. Activating an already-active series is a no-op.
func (s *Service) ActivateEmergencyTable(seriesID, actor string) error {
	requestID := newRequestID()
	start := time.Now()

	fields := map[string]interface{}{
		audit.FieldActor:  actorOrDefault(actor, s.options.Actor),
		audit.FieldSeries: seriesID,
	}

	token, err := s.manager.acquire()
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolEmergencyActivate, err, fields, start)
		return err
	}
	defer token.Release()

	s.manager.rotationMu.RLock()
	defer s.manager.rotationMu.RUnlock()
	s.itemsMu.Lock()
	defer s.itemsMu.Unlock()

	series, err := s.loadEmergencySeries(seriesID)
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolEmergencyActivate, err, fields, start)
		return err
	}
	fields[audit.FieldScope] = series.Scope

	switch series.Status {
	case SeriesActive:
		s.manager.logProtocol(requestID, ProtocolEmergencyActivate, nil, fields, start)
		return nil
	case SeriesRevoked:
		err = fmt.Errorf("emergency series %s is revoked and cannot be reactivated", seriesID)
		s.manager.logProtocol(requestID, ProtocolEmergencyActivate, err, fields, start)
		return err
	}

	replaced, err := s.revokeActiveSeriesLocked(series.Scope, seriesID)
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolEmergencyActivate, err, fields, start)
		return err
	}
	if replaced != "" {
		fields["replaced_series"] = replaced
	}

	now := time.Now().UTC()
	series.Status = SeriesActive
	series.ActivatedAt = &now
	if err = s.saveEmergencySeries(series); err != nil {
		s.manager.logProtocol(requestID, ProtocolEmergencyActivate, err, fields, start)
		return err
	}

	s.manager.logProtocol(requestID, ProtocolEmergencyActivate, nil, fields, start)
	return nil
}

// revokeActiveSeriesLocked revokes whichever series is currently active for
// the scope, skipping keepID. Returns the revoked series ID, or "".
func (s *Service) revokeActiveSeriesLocked(scope, keepID string) (string, error) {
	records, err := s.systemItemsByType(emergencySeriesType)
	if err != nil {
		return "", err
	}

	for name, payload := range records {
		var other emergencySeries
		if err := json.Unmarshal(payload, &other); err != nil {
			return "", fmt.Errorf("failed to parse %s: %w", name, err)
		}
		if other.Scope != scope || other.Status != SeriesActive || other.SeriesID == keepID {
			continue
		}

		now := time.Now().UTC()
		other.Status = SeriesRevoked
		other.RevokedAt = &now
		if err := s.saveEmergencySeries(&other); err != nil {
			return "", err
		}
		return other.SeriesID, nil
	}
	return "", nil
}

// ValidateEmergencyCode checks one single-use code against a series.
// Verification order: series exists, series active, master code, position
// exists, position unused, code hash. Status, master and hash failures all
// surface as ErrInvalidEmergencyCode so a caller cannot probe which check
// failed; the audit trail records the precise reason. The used mark is
// persisted before success is reported, so a code that validated once never
// validates again, even across a crash.
func (s *Service) ValidateEmergencyCode(seriesID, masterCode, position, code, sourceIP string) (*EmergencyValidation, error) {
	requestID := newRequestID()
	start := time.Now()

	fields := map[string]interface{}{
		audit.FieldSeries:   seriesID,
		audit.FieldPosition: position,
	}
	if sourceIP != "" {
		fields[audit.FieldSourceIP] = sourceIP
	}

	token, err := s.manager.acquire()
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolEmergencyValidate, err, fields, start)
		return nil, err
	}
	defer token.Release()

	s.manager.rotationMu.RLock()
	defer s.manager.rotationMu.RUnlock()
	s.itemsMu.Lock()
	defer s.itemsMu.Unlock()

	series, err := s.loadEmergencySeries(seriesID)
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolEmergencyValidate, err, fields, start)
		return nil, err
	}
	fields[audit.FieldScope] = series.Scope

	if series.Status != SeriesActive {
		fields["failure_reason"] = fmt.Sprintf("series is %s", series.Status)
		err = ErrInvalidEmergencyCode
		s.manager.logProtocol(requestID, ProtocolEmergencyValidate, err, fields, start)
		return nil, err
	}

	masterOK, err := crypto.VerifyPassword(masterCode, series.MasterHash)
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolEmergencyValidate, err, fields, start)
		return nil, err
	}
	if !masterOK {
		fields["failure_reason"] = "master code mismatch"
		err = ErrInvalidEmergencyCode
		s.manager.logProtocol(requestID, ProtocolEmergencyValidate, err, fields, start)
		return nil, err
	}

	expectedHash, known := series.CodeHashes[position]
	if !known {
		err = fmt.Errorf("position %s in series %s: %w", position, seriesID, ErrCodeNotFound)
		s.manager.logProtocol(requestID, ProtocolEmergencyValidate, err, fields, start)
		return nil, err
	}

	if usedAt, used := series.UsedPositions[position]; used {
		fields["used_at"] = usedAt.Format(time.RFC3339)
		err = fmt.Errorf("position %s: %w", position, ErrCodeAlreadyUsed)
		s.manager.logProtocol(requestID, ProtocolEmergencyValidate, err, fields, start)
		return nil, err
	}

	candidate := emergencyCodeHash(seriesID, position, code)
	if !crypto.ConstantTimeCompare([]byte(candidate), []byte(expectedHash)) {
		fields["failure_reason"] = "code mismatch"
		err = ErrInvalidEmergencyCode
		s.manager.logProtocol(requestID, ProtocolEmergencyValidate, err, fields, start)
		return nil, err
	}

	// The used mark must be durable before the caller hears "valid".
	now := time.Now().UTC()
	series.UsedPositions[position] = now
	series.UsedCount++
	fireAlert := series.UsedCount >= emergencyAlertAt && !series.AlertFired
	if fireAlert {
		series.AlertFired = true
	}
	if err = s.saveEmergencySeries(series); err != nil {
		err = fmt.Errorf("failed to persist code use: %w", err)
		s.manager.logProtocol(requestID, ProtocolEmergencyValidate, err, fields, start)
		return nil, err
	}

	remaining := emergencyTableSize - series.UsedCount
	fields["used_count"] = series.UsedCount
	fields["remaining"] = remaining
	s.manager.logProtocol(requestID, ProtocolEmergencyValidate, nil, fields, start)

	if fireAlert {
		alertFields := map[string]interface{}{
			audit.FieldSeries: seriesID,
			audit.FieldScope:  series.Scope,
			audit.FieldReason: fmt.Sprintf("%d of %d codes used, generate a replacement table", series.UsedCount, emergencyTableSize),
			"used_count":      series.UsedCount,
			"remaining":       remaining,
		}
		s.manager.logProtocol(requestID, ProtocolEmergencyExhausted, nil, alertFields, start)
	}

	return &EmergencyValidation{
		SeriesID:               seriesID,
		Scope:                  series.Scope,
		Position:               position,
		UsedCount:              series.UsedCount,
		Remaining:              remaining,
		ReplacementRecommended: series.UsedCount >= emergencyAlertAt,
		ValidatedAt:            now,
	}, nil
}

// ListEmergencySeries reports every known series, newest first.
func (s *Service) ListEmergencySeries() ([]EmergencySeriesSummary, error) {
	token, err := s.manager.acquire()
	if err != nil {
		return nil, err
	}
	defer token.Release()

	s.itemsMu.Lock()
	defer s.itemsMu.Unlock()

	records, err := s.systemItemsByType(emergencySeriesType)
	if err != nil {
		return nil, err
	}

	out := make([]EmergencySeriesSummary, 0, len(records))
	for name, payload := range records {
		var series emergencySeries
		if err := json.Unmarshal(payload, &series); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		out = append(out, EmergencySeriesSummary{
			SeriesID:    series.SeriesID,
			Scope:       series.Scope,
			Status:      series.Status,
			UsedCount:   series.UsedCount,
			Remaining:   emergencyTableSize - series.UsedCount,
			AlertFired:  series.AlertFired,
			CreatedBy:   series.CreatedBy,
			CreatedAt:   series.CreatedAt,
			ActivatedAt: series.ActivatedAt,
			RevokedAt:   series.RevokedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SeriesID < out[j].SeriesID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
