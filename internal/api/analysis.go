package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"signal-heatmap-monitor/internal/analysis"
	"signal-heatmap-monitor/internal/cache"
	"signal-heatmap-monitor/internal/models"
)

const dateLayout = "2006-01-02"

// analysisQuery resolves the map, ssid_filter and date parameters shared by
// the analysis endpoints. The second return value holds the resolved
// parameters and keys the response cache.
func (s *Server) analysisQuery(v url.Values) (models.ReadingQuery, url.Values, error) {
	mapName := v.Get("map")
	if mapName == "" {
		mapName = s.cfg.DefaultMap
	}
	network := models.NetworkFilter(v.Get("ssid_filter"))
	if network == "" {
		network = models.NetworkMain
	}

	q, err := s.cfg.Query(mapName, network)
	if err != nil {
		return q, nil, err
	}
	if err := s.applyDateRange(&q, v.Get("start_date"), v.Get("end_date")); err != nil {
		return q, nil, err
	}

	norm := url.Values{}
	norm.Set("map", mapName)
	norm.Set("ssid_filter", string(network))
	if !q.StartDate.IsZero() {
		norm.Set("start_date", q.StartDate.Format(dateLayout))
		norm.Set("end_date", q.EndDate.Format(dateLayout))
	}
	return q, norm, nil
}

// applyDateRange sets the date range only when both ends are given
func (s *Server) applyDateRange(q *models.ReadingQuery, start, end string) error {
	if start == "" || end == "" {
		return nil
	}
	from, err := time.ParseInLocation(dateLayout, start, s.loc)
	if err != nil {
		return fmt.Errorf("invalid start_date: %s", start)
	}
	to, err := time.ParseInLocation(dateLayout, end, s.loc)
	if err != nil {
		return fmt.Errorf("invalid end_date: %s", end)
	}
	if to.Before(from) {
		return fmt.Errorf("end_date %s is before start_date %s", end, start)
	}
	q.StartDate, q.EndDate = from, to
	return nil
}

// serveAnalysis loads the filtered readings, runs fn over them and writes
// the result, going through the response cache when one is configured.
func (s *Server) serveAnalysis(w http.ResponseWriter, r *http.Request, kind string, fn func([]models.Reading) interface{}) {
	ctx := r.Context()
	q, norm, err := s.analysisQuery(r.URL.Query())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := cache.Key(r.URL.Path, norm)
	if s.cache != nil {
		body, ok, err := s.cache.Get(ctx, key)
		switch {
		case err != nil:
			s.logger.Warn("cache lookup failed", "key", key, "error", err)
		case ok:
			s.metrics.CacheHit()
			w.Header().Set("X-Cache", "HIT")
			w.WriteHeader(http.StatusOK)
			w.Write(body)
			return
		default:
			s.metrics.CacheMiss()
		}
	}

	start := time.Now()
	readings, err := s.store.QueryReadings(ctx, q)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	began := time.Now()
	data := fn(readings)
	s.metrics.ObserveAnalysis(kind, time.Since(began))

	body, err := json.Marshal(apiResponse{
		Success: true,
		Data:    data,
		Meta:    &meta{Total: len(readings), QueryMs: time.Since(start).Milliseconds()},
	})
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	body = append(body, '\n')

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, body, s.cfg.Cache.TTL); err != nil {
			s.logger.Warn("cache store failed", "key", key, "error", err)
		}
	}
	w.Header().Set("X-Cache", "MISS")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *Server) handleMapData(w http.ResponseWriter, r *http.Request) {
	s.serveAnalysis(w, r, "map", func(readings []models.Reading) interface{} {
		return analysis.BuildMapDataset(readings, s.analysis).Features()
	})
}

func (s *Server) handleCriticalPoints(w http.ResponseWriter, r *http.Request) {
	s.serveAnalysis(w, r, "problems", func(readings []models.Reading) interface{} {
		return analysis.RankProblemLocations(readings, s.analysis)
	})
}

func (s *Server) handleKPIs(w http.ResponseWriter, r *http.Request) {
	s.serveAnalysis(w, r, "kpi", func(readings []models.Reading) interface{} {
		return analysis.Summarize(readings, s.analysis)
	})
}
