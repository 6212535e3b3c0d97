package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/airsonde/airsonde/internal/metrics"
	"github.com/airsonde/airsonde/internal/models"
	"github.com/airsonde/airsonde/internal/store"
	"github.com/airsonde/airsonde/pkg/types"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, types.ErrorResponse{Code: code, Message: message})
}

// handleDetect scores one reading across all sensor fields. Every field gets
// a verdict, normal ones included; callers filter what they act on.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req types.DetectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "device_id is required")
		return
	}

	reading := models.Reading{
		Timestamp: req.Timestamp,
		DeviceID:  req.DeviceID,
		PM25:      req.PM25,
		PM10:      req.PM10,
		DBA:       req.DBA,
		Vibration: req.Vibration,
	}

	anomalies := make([]types.SensorAnomaly, 0, len(models.SensorFields))
	for _, field := range models.SensorFields {
		value, _ := reading.Value(field)
		pred := s.detector.Predict(models.SensorKey(req.DeviceID, field), value)
		anomalies = append(anomalies, types.SensorAnomaly{
			SensorType:   field,
			Category:     string(pred.Category),
			Confidence:   pred.Confidence,
			AnomalyScore: pred.AnomalyScore,
			Reason:       predictionReason(pred, field),
			Details:      pred.Details,
		})
	}

	overall, confidence := overallAssessment(anomalies)
	resp := &types.DetectResponse{
		Anomalies:         anomalies,
		Correlations:      crossSensorCorrelations(reading),
		OverallAssessment: overall,
		OverallConfidence: confidence,
		ProcessingTime:    time.Since(start).Seconds(),
	}

	mode := "single"
	if s.cfg.Ensemble {
		mode = "ensemble"
	}
	metrics.DetectionDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())

	if overall != string(models.CategoryNormal) {
		s.hub.BroadcastDetection(req.DeviceID, resp)
	}

	writeJSON(w, http.StatusOK, resp)
}

// predictionReason surfaces the strategy's own explanation when it has one.
func predictionReason(pred models.Prediction, field string) string {
	if r, ok := pred.Details["reason"].(string); ok && r != "" {
		return r
	}
	return fmt.Sprintf("ML analysis for %s", field)
}

// crossSensorCorrelations flags sensor pairs that move together in a single
// reading: the particulate fractions, and noise with vibration.
func crossSensorCorrelations(r models.Reading) []types.Correlation {
	out := make([]types.Correlation, 0, 2)
	if r.PM25 > 50 && r.PM10 > 100 {
		out = append(out, types.Correlation{
			Type:             "cross_sensor",
			Sensors:          []string{"pm2_5", "pm10"},
			CorrelationScore: 0.85,
			Description:      "High correlation between PM2.5 and PM10 readings",
		})
	}
	if r.DBA > 80 && r.Vibration > 0.1 {
		out = append(out, types.Correlation{
			Type:             "cross_sensor",
			Sensors:          []string{"dBA", "vibration"},
			CorrelationScore: 0.75,
			Description:      "High correlation between noise and vibration levels",
		})
	}
	return out
}

// overallAssessment combines per-sensor verdicts: the worst category wins,
// confidence is averaged over all verdicts including normal ones.
func overallAssessment(anomalies []types.SensorAnomaly) (string, float64) {
	if len(anomalies) == 0 {
		return string(models.CategoryNormal), 0
	}
	worst := models.CategoryNormal
	sum := 0.0
	for _, a := range anomalies {
		sum += a.Confidence
		if c := models.Category(a.Category); models.CategoryRank(c) > models.CategoryRank(worst) {
			worst = c
		}
	}
	return string(worst), sum / float64(len(anomalies))
}

// handleRetrain queues out-of-band training. An empty device_id retrains
// every model; an empty sensor_type covers all fields of the device.
func (s *Server) handleRetrain(w http.ResponseWriter, r *http.Request) {
	var req types.RetrainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.SensorType != "" && !validSensorField(req.SensorType) {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("unknown sensor type %q", req.SensorType))
		return
	}

	s.scheduler.RetrainNow(req.DeviceID, req.SensorType)

	msg := "Training initiated for all models"
	if req.DeviceID != "" {
		msg = fmt.Sprintf("Retraining initiated for %s", req.DeviceID)
		if req.SensorType != "" {
			msg = fmt.Sprintf("Retraining initiated for %s %s", req.DeviceID, req.SensorType)
		}
	}
	writeJSON(w, http.StatusAccepted, types.RetrainResponse{Message: msg, Status: "scheduled"})
}

func validSensorField(field string) bool {
	for _, f := range models.SensorFields {
		if f == field {
			return true
		}
	}
	return false
}

// handleModels lists training metadata, optionally filtered to one device.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	device := r.URL.Query().Get("device_id")

	recs, err := s.st.ListModelMeta(r.Context())
	if err != nil {
		metrics.StoreErrors.WithLabelValues("model_meta_list").Inc()
		writeError(w, http.StatusInternalServerError, "store_error", "model metadata unavailable")
		return
	}

	out := make([]types.ModelInfo, 0, len(recs))
	for _, rec := range recs {
		if device != "" && rec.DeviceID != device {
			continue
		}
		info := types.ModelInfo{
			DeviceID:      rec.DeviceID,
			SensorType:    rec.SensorType,
			ModelType:     rec.ModelType,
			Accuracy:      rec.Accuracy,
			ReadingsCount: rec.ReadingsCount,
		}
		if !rec.TrainedAt.IsZero() {
			t := rec.TrainedAt
			info.TrainedAt = &t
		}
		if !rec.LastUpdated.IsZero() {
			t := rec.LastUpdated
			info.LastUpdated = &t
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleReadings serves stored telemetry readings, newest first. A device_id
// filter narrows results to one device within the lookback window.
func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid hours %q", raw))
			return
		}
		hours = n
	}

	var (
		recs []*store.ReadingRecord
		err  error
	)
	if device := r.URL.Query().Get("device_id"); device == "" {
		recs, err = s.st.LatestReadings(r.Context(), limit)
	} else {
		since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
		recs, err = s.st.RecentReadings(r.Context(), device, since, limit)
		// RecentReadings reads oldest first for training; flip to newest first.
		for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
			recs[i], recs[j] = recs[j], recs[i]
		}
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("reading_query").Inc()
		writeError(w, http.StatusInternalServerError, "store_error", "reading history unavailable")
		return
	}

	out := make([]types.ReadingItem, 0, len(recs))
	for _, rec := range recs {
		out = append(out, types.ReadingItem{
			ID:         rec.ID,
			DeviceID:   rec.DeviceID,
			PM25:       rec.PM25,
			PM10:       rec.PM10,
			DBA:        rec.DBA,
			Vibration:  rec.Vibration,
			RecordedAt: rec.RecordedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAnomalies serves persisted anomaly history, newest first.
func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	q := store.AnomalyQuery{
		DeviceID: r.URL.Query().Get("device_id"),
		Severity: r.URL.Query().Get("severity"),
		Limit:    100,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid limit %q", raw))
			return
		}
		q.Limit = limit
	}

	recs, err := s.st.QueryAnomalies(r.Context(), q)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("anomaly_query").Inc()
		writeError(w, http.StatusInternalServerError, "store_error", "anomaly history unavailable")
		return
	}

	out := make([]types.AnomalyItem, 0, len(recs))
	for _, rec := range recs {
		out = append(out, types.AnomalyItem{
			ID:          rec.ID,
			DeviceID:    rec.DeviceID,
			SensorField: rec.SensorType,
			AnomalyType: rec.AnomalyType,
			Value:       rec.Value,
			Threshold:   rec.Threshold,
			Severity:    rec.Severity,
			Narrative:   rec.Narrative,
			DetectedAt:  rec.DetectedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleStats reports service statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := types.StatsResponse{
		Status:            "running",
		UptimeSeconds:     time.Since(s.startedAt).Seconds(),
		ModelsTrained:     len(s.detector.Sensors()),
		DatabaseConnected: s.st.Ping(r.Context()) == nil,
	}

	// Count failures leave the totals at zero; DatabaseConnected already
	// reports store health.
	if n, err := s.st.CountReadings(r.Context()); err == nil {
		resp.ReadingsStored = n
	}
	if n, err := s.st.CountAnomalies(r.Context()); err == nil {
		resp.AnomaliesStored = n
	}
	if sum, err := s.st.AnomalySummary(r.Context(), time.Now().UTC().Add(-24*time.Hour), time.Time{}); err == nil && len(sum) > 0 {
		resp.RecentBySeverity = sum
	}

	if last, next, ok := s.scheduler.CycleTimes(); ok {
		resp.LastTraining = &last
		resp.NextTraining = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHealth is the liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "airsonde-server",
	})
}
