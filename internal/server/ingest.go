package server

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"fscreentime/internal/db"
	"fscreentime/internal/models"
	"fscreentime/internal/schedule"
	"fscreentime/internal/usage"
	"fscreentime/pkg/logger"
)

const (
	maxIngestBody = 256 << 10
	maxBulkBody   = 4 << 20
	maxBulkDays   = 90
)

// ingestRequest is one device upload for one day. Entries is either the raw
// Screen Time text or an already structured list. Date is only read when the
// path carries no date.
type ingestRequest struct {
	Date          string          `json:"date"`
	Entries       json.RawMessage `json:"entries"`
	SystemVersion string          `json:"systemVersion"`
	DeviceName    string          `json:"deviceName"`
	Timezone      string          `json:"timezone"`
	TZOffsetHours *int            `json:"tzOffsetHours"`
}

type bulkDay struct {
	Entries       json.RawMessage `json:"entries"`
	SystemVersion string          `json:"systemVersion"`
	DeviceName    string          `json:"deviceName"`
}

type bulkRequest struct {
	IdentityID    string             `json:"identityId"`
	Days          map[string]bulkDay `json:"days"`
	Timezone      string             `json:"timezone"`
	TZOffsetHours *int               `json:"tzOffsetHours"`
}

var (
	gmtOffset = regexp.MustCompile(`^(?:GMT|UTC)([+-]\d{1,2})(?::?00)?$`)

	// deviceDate matches what Shortcuts emits for the current date, for
	// example "Mon, 23 Feb 2026 20:50:51 GMT+11".
	deviceDate = regexp.MustCompile(`(?i)^(?:[A-Za-z]{3},\s*)?(\d{1,2})\s+([A-Za-z]{3})\s+(\d{4})(?:\s+\d{1,2}:\d{2}(?::\d{2})?)?\s+((?:GMT|UTC)[+-]\d{1,2}(?::?\d{2})?)$`)
)

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	identityID := strings.TrimSpace(r.PathValue("identityId"))
	if identityID == "" {
		writeError(w, http.StatusBadRequest, "Missing identity id")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}
	var req ingestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	rawDate := r.PathValue("date")
	if rawDate == "" {
		rawDate = req.Date
	}
	date, deviceTZ, ok := parseIngestDate(rawDate)
	if !ok {
		writeError(w, http.StatusBadRequest, "Date must be YYYY-MM-DD or a device date such as \"Mon, 23 Feb 2026 20:50:51 GMT+11\"")
		return
	}
	if req.Timezone == "" {
		req.Timezone = deviceTZ
	}

	entries, err := decodeEntries(req.Entries)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	log := s.logger.With("identity_id", identityID, "date", date)
	ctx := r.Context()

	ledger, err := s.ledgerForWrite(ctx, identityID, log)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load usage")
		return
	}

	ledger.Days[date] = models.DayRecord{
		Shape:         models.DayShapeObject,
		Entries:       entries,
		SystemVersion: req.SystemVersion,
		DeviceName:    req.DeviceName,
	}
	applyTimezone(ledger, req.Timezone, req.TZOffsetHours)

	if err := s.deps.Ledgers.PutLedger(ctx, identityID, ledger); err != nil {
		log.Errorw("Failed to store ledger", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to store usage")
		return
	}
	log.Infow("Usage stored", "entries", len(entries))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stored": len(entries),
		"date":   date,
	})
}

// handleIngestBulk merges many days into the ledger in one write. Every day
// is validated before anything is stored.
func (s *Server) handleIngestBulk(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBulkBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}
	var req bulkRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	identityID := strings.TrimSpace(req.IdentityID)
	if identityID == "" {
		writeError(w, http.StatusBadRequest, "Missing identity id")
		return
	}
	if len(req.Days) == 0 {
		writeError(w, http.StatusBadRequest, "No days provided")
		return
	}
	if len(req.Days) > maxBulkDays {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Maximum %d days per request", maxBulkDays))
		return
	}

	days := make(map[string]models.DayRecord, len(req.Days))
	for date, day := range req.Days {
		if !validDate(date) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid date format: %q", date))
			return
		}
		entries, err := decodeEntries(day.Entries)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("%s: %v", date, err))
			return
		}
		days[date] = models.DayRecord{
			Shape:         models.DayShapeObject,
			Entries:       entries,
			SystemVersion: day.SystemVersion,
			DeviceName:    day.DeviceName,
		}
	}

	log := s.logger.With("identity_id", identityID)
	ctx := r.Context()

	ledger, err := s.ledgerForWrite(ctx, identityID, log)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load usage")
		return
	}
	for date, day := range days {
		ledger.Days[date] = day
	}
	applyTimezone(ledger, req.Timezone, req.TZOffsetHours)

	if err := s.deps.Ledgers.PutLedger(ctx, identityID, ledger); err != nil {
		log.Errorw("Failed to store ledger", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to store usage")
		return
	}
	log.Infow("Bulk usage stored", "days", len(days), "total_days", len(ledger.Days))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stored":    len(days),
		"totalDays": len(ledger.Days),
	})
}

// ledgerForWrite loads the ledger an upload is merged into. A missing or
// corrupt ledger starts fresh.
func (s *Server) ledgerForWrite(ctx context.Context, identityID string, log *logger.Logger) (*models.Ledger, error) {
	ledger, found, err := s.deps.Ledgers.GetLedger(ctx, identityID)
	switch {
	case errors.Is(err, db.ErrCorruptLedger):
		log.Warnw("Stored ledger is corrupt, starting a new one", "error", err)
		return models.NewLedger(), nil
	case err != nil:
		log.Errorw("Failed to load ledger", "error", err)
		return nil, err
	case !found || ledger == nil:
		return models.NewLedger(), nil
	}
	if ledger.Days == nil {
		ledger.Days = map[string]models.DayRecord{}
	}
	return ledger, nil
}

func applyTimezone(ledger *models.Ledger, timezone string, offsetHours *int) {
	if timezone != "" {
		ledger.Timezone = timezone
	}
	if offset, ok := resolveOffset(timezone, offsetHours); ok {
		ledger.TZOffsetHours = models.TZOffset(offset)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	want := s.deps.IngestAPIKey
	got := r.Header.Get("X-Api-Key")
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func validDate(date string) bool {
	t, err := time.Parse(schedule.DateLayout, date)
	return err == nil && t.Format(schedule.DateLayout) == date
}

// parseIngestDate accepts YYYY-MM-DD or a device date. For a device date it
// also returns the timezone label, e.g. "GMT+11". The day is the device's
// local calendar day, not the UTC one.
func parseIngestDate(raw string) (date, timezone string, ok bool) {
	raw = strings.TrimSpace(raw)
	if validDate(raw) {
		return raw, "", true
	}

	m := deviceDate.FindStringSubmatch(raw)
	if m == nil {
		return "", "", false
	}
	t, err := time.Parse("2 Jan 2006", m[1]+" "+m[2]+" "+m[3])
	if err != nil {
		return "", "", false
	}
	return t.Format(schedule.DateLayout), strings.ToUpper(m[4]), true
}

func decodeEntries(raw json.RawMessage) ([]models.Entry, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, errors.New("missing entries")
	}

	switch raw[0] {
	case '"':
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, errors.New("invalid entries")
		}
		return usage.Parse(text), nil
	case '[':
		var list []models.Entry
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, errors.New("invalid entries")
		}
		return usage.Clean(list), nil
	}
	return nil, errors.New("entries must be a string or a list")
}

// resolveOffset prefers an explicit tzOffsetHours and falls back to a
// "GMT+11" style timezone label.
func resolveOffset(timezone string, offsetHours *int) (int, bool) {
	if offsetHours != nil {
		return *offsetHours, true
	}
	m := gmtOffset.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(timezone)))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}
