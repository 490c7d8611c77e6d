package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/flaviompe/courierd/internal/analytics"
	"github.com/flaviompe/courierd/internal/auth"
	"github.com/flaviompe/courierd/internal/campaign"
	"github.com/flaviompe/courierd/internal/events"
)

// GET /api/analytics?type=summary|custom|template|user|realtime|campaigns
func (s *Server) handleAnalyticsGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	switch q.Get("type") {
	case "", "summary":
		report, err := s.deps.Analytics.Summary(r.Context())
		if err != nil {
			s.logger.Error("summary report failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to build summary")
			return
		}
		writeData(w, report)

	case "custom":
		start, err := parseDate(q.Get("startDate"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "startDate is required (ISO-8601)")
			return
		}
		end, err := parseDate(q.Get("endDate"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "endDate is required (ISO-8601)")
			return
		}

		filter := analytics.ReportFilter{
			TemplateID: q.Get("templateId"),
			CampaignID: q.Get("campaignId"),
			UserID:     q.Get("userId"),
		}
		report, err := s.deps.Analytics.Report(r.Context(), start, end, filter)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeData(w, report)

	case "template":
		templateID := q.Get("templateId")
		if templateID == "" {
			writeError(w, http.StatusBadRequest, "templateId is required")
			return
		}
		days := 30
		if raw := q.Get("days"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 {
				writeError(w, http.StatusBadRequest, "days must be a positive integer")
				return
			}
			days = parsed
		}

		m, err := s.deps.Analytics.TemplateMetrics(r.Context(), templateID, days)
		if err != nil {
			s.logger.Error("template metrics failed", "template_id", templateID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to compute template metrics")
			return
		}
		writeData(w, m)

	case "user":
		userID := q.Get("userId")
		if userID == "" {
			writeError(w, http.StatusBadRequest, "userId is required")
			return
		}

		m, err := s.deps.Analytics.UserMetrics(r.Context(), userID)
		if err != nil {
			s.logger.Error("user metrics failed", "user_id", userID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to compute user metrics")
			return
		}
		writeData(w, m)

	case "realtime":
		writeData(w, s.deps.Analytics.Realtime())

	case "campaigns":
		summaries, err := s.deps.Analytics.CampaignSummaries(r.Context())
		if err != nil {
			s.logger.Error("campaign summaries failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list campaigns")
			return
		}
		writeData(w, summaries)

	default:
		writeError(w, http.StatusBadRequest, "unknown analytics type: "+q.Get("type"))
	}
}

type analyticsActionRequest struct {
	Action string `json:"action"`

	// create-campaign / update-campaign
	CampaignID  string                 `json:"campaignId"`
	Name        string                 `json:"name"`
	TemplateID  string                 `json:"templateId"`
	Subject     string                 `json:"subject"`
	Body        string                 `json:"body"`
	Settings    *campaignSettingsPatch `json:"settings"`
	Recipients  []string               `json:"recipients"`
	ScheduledAt string                 `json:"scheduledAt"`

	// track-event
	EmailID   string            `json:"emailId"`
	EventType string            `json:"eventType"`
	UserEmail string            `json:"userEmail"`
	Metadata  map[string]string `json:"metadata"`
}

type campaignSettingsPatch struct {
	TrackOpens            *bool  `json:"trackOpens"`
	TrackClicks           *bool  `json:"trackClicks"`
	SuppressBounces       *bool  `json:"suppressBounces"`
	BatchSize             *int   `json:"batchSize"`
	DelayBetweenBatchesMs *int64 `json:"delayBetweenBatchesMs"`
}

func (p *campaignSettingsPatch) toPatch() campaign.SettingsPatch {
	if p == nil {
		return campaign.SettingsPatch{}
	}
	patch := campaign.SettingsPatch{
		TrackOpens:      p.TrackOpens,
		TrackClicks:     p.TrackClicks,
		SuppressBounces: p.SuppressBounces,
		BatchSize:       p.BatchSize,
	}
	if p.DelayBetweenBatchesMs != nil {
		d := time.Duration(*p.DelayBetweenBatchesMs) * time.Millisecond
		patch.DelayBetweenBatches = &d
	}
	return patch
}

// POST /api/analytics {action, ...}
func (s *Server) handleAnalyticsPost(w http.ResponseWriter, r *http.Request) {
	var req analyticsActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch req.Action {
	case "track-event":
		s.handleTrackEvent(w, r, req)
	case "create-campaign", "update-campaign", "start-campaign",
		"pause-campaign", "resume-campaign", "schedule-campaign":
		user := UserFromRequest(r)
		if user == nil || !user.HasPermission(auth.PermissionCampaignManage) {
			writeError(w, http.StatusForbidden,
				"required permission: "+string(auth.PermissionCampaignManage))
			return
		}
		s.handleCampaignAction(w, req, user)
	default:
		writeError(w, http.StatusBadRequest, "unknown action: "+req.Action)
	}
}

func (s *Server) handleTrackEvent(w http.ResponseWriter, r *http.Request, req analyticsActionRequest) {
	if req.EmailID == "" || req.EventType == "" || req.UserEmail == "" {
		writeError(w, http.StatusBadRequest, "emailId, eventType and userEmail are required")
		return
	}

	typ := events.Type(req.EventType)
	if !typ.Valid() {
		writeError(w, http.StatusBadRequest, "invalid eventType: "+req.EventType)
		return
	}

	eventID, err := s.deps.Analytics.TrackEvent(r.Context(), req.EmailID, typ, req.UserEmail, req.Metadata)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"eventId": eventID,
	})
}

func (s *Server) handleCampaignAction(w http.ResponseWriter, req analyticsActionRequest, user *auth.User) {
	switch req.Action {
	case "create-campaign":
		if req.Name == "" || req.TemplateID == "" {
			writeError(w, http.StatusBadRequest, "name and templateId are required")
			return
		}

		c, err := s.deps.Campaigns.Create(campaign.CreateSpec{
			Name:       req.Name,
			TemplateID: req.TemplateID,
			CreatedBy:  user.Username,
			Subject:    req.Subject,
			Body:       req.Body,
			Settings:   req.Settings.toPatch(),
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success":    true,
			"campaignId": c.ID,
		})

	case "update-campaign":
		if req.CampaignID == "" {
			writeError(w, http.StatusBadRequest, "campaignId is required")
			return
		}

		upd := campaign.Update{Settings: req.Settings.toPatch()}
		if req.Name != "" {
			upd.Name = &req.Name
		}
		if req.Subject != "" {
			upd.Subject = &req.Subject
		}
		if req.Body != "" {
			upd.Body = &req.Body
		}

		if !s.deps.Campaigns.Update(req.CampaignID, upd) {
			writeResult(w, false, "campaign not found")
			return
		}
		writeResult(w, true, "campaign updated")

	case "start-campaign":
		if req.CampaignID == "" {
			writeError(w, http.StatusBadRequest, "campaignId is required")
			return
		}
		if len(req.Recipients) == 0 {
			writeError(w, http.StatusBadRequest, "recipients are required")
			return
		}

		recipients := make([]campaign.Recipient, len(req.Recipients))
		for i, email := range req.Recipients {
			recipients[i] = campaign.Recipient{Email: email}
		}

		n, err := s.deps.Campaigns.Start(req.CampaignID, recipients)
		if err != nil {
			writeResult(w, false, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"enqueued": n,
		})

	case "pause-campaign":
		if !s.deps.Campaigns.Pause(req.CampaignID) {
			writeResult(w, false, "campaign not found or not running")
			return
		}
		writeResult(w, true, "campaign paused")

	case "resume-campaign":
		if !s.deps.Campaigns.Resume(req.CampaignID) {
			writeResult(w, false, "campaign not found or not paused")
			return
		}
		writeResult(w, true, "campaign resumed")

	case "schedule-campaign":
		if req.CampaignID == "" || req.ScheduledAt == "" {
			writeError(w, http.StatusBadRequest, "campaignId and scheduledAt are required")
			return
		}
		at, err := parseDate(req.ScheduledAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "scheduledAt must be ISO-8601")
			return
		}
		if err := s.deps.Campaigns.Schedule(req.CampaignID, at); err != nil {
			writeResult(w, false, err.Error())
			return
		}
		writeResult(w, true, "campaign scheduled")
	}
}

// parseDate accepts RFC 3339 timestamps and bare dates
func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("empty date")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}
