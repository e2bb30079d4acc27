package httpapi

import (
	"net/http"

	"github.com/ent0n29/pastexam/internal/protocol"
)

type uiSettingsResponse struct {
	APIBaseURL               string  `json:"api_base_url"`
	AIExamMaxArchives        int     `json:"ai_exam_max_archives"`
	AIExamDefaultTemperature float64 `json:"ai_exam_default_temperature"`
	DiscussionMaxLength      int     `json:"discussion_max_length"`
	AuthNoticeCooldownMS     int64   `json:"auth_notice_cooldown_ms"`
	AuthLandingRoute         string  `json:"auth_landing_route"`
}

func (s *Server) handleUISettings(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, uiSettingsResponse{
		APIBaseURL:               s.cfg.APIBaseURL,
		AIExamMaxArchives:        s.cfg.AIExamMaxArchives,
		AIExamDefaultTemperature: s.cfg.AIExamDefaultTemperature,
		DiscussionMaxLength:      protocol.MaxDiscussionMessageRunes,
		AuthNoticeCooldownMS:     s.cfg.AuthNoticeCooldown.Milliseconds(),
		AuthLandingRoute:         s.cfg.AuthLandingRoute,
	})
}
