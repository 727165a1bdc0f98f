package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tokfresh/internal/eventbus"
	"tokfresh/internal/notify"
	"tokfresh/internal/oauth"
	"tokfresh/internal/provision"
	"tokfresh/internal/schedule"
	logx "tokfresh/pkg/logx"
)

// maxBody caps request bodies; a Worker script is the largest legitimate one.
const maxBody = 1 << 20

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "time": s.opts.Now().UTC().Format(time.RFC3339)}
	if s.opts.Health != nil {
		for k, v := range s.opts.Health() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

type scheduleResponse struct {
	Start    string   `json:"start"`
	Timezone string   `json:"timezone"`
	Slots    []string `json:"slots"`
	Active   []string `json:"active"`
	Resets   []string `json:"resets"`
	Cron     string   `json:"cron"`
	Next     nextSlot `json:"next"`
	// Firings are the next UTC instants of Cron.
	Firings []time.Time `json:"firings"`
}

type nextSlot struct {
	Slot     string    `json:"slot"`
	At       time.Time `json:"at"`
	Tomorrow bool      `json:"tomorrow"`
	Label    string    `json:"label"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start := strings.TrimSpace(q.Get("start"))
	if start == "" {
		start = s.opts.DefaultStart
	}
	tz := strings.TrimSpace(q.Get("tz"))
	if tz == "" {
		tz = s.opts.DefaultTimezone
	}

	anchor, err := schedule.ParseTriggerTime(start)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	loc, err := schedule.LoadLocation(tz)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	now := s.opts.Now()
	sched := schedule.Compute(anchor)
	cron := schedule.ToCronSpec(sched, loc, now).String()
	firings, err := schedule.NextFirings(cron, now, schedule.ActiveSlots)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	active := make([]string, 0, schedule.ActiveSlots)
	for _, t := range sched.Active() {
		active = append(active, t.String())
	}
	resets := make([]string, 0, schedule.SlotCount)
	for _, t := range sched.ResetTimes() {
		resets = append(resets, t.String())
	}
	next := schedule.NextTrigger(sched, loc, now)

	writeJSON(w, http.StatusOK, scheduleResponse{
		Start:    anchor.String(),
		Timezone: loc.String(),
		Slots:    sched.Strings(),
		Active:   active,
		Resets:   resets,
		Cron:     cron,
		Next:     nextSlot{Slot: next.Slot.String(), At: next.At, Tomorrow: next.Tomorrow, Label: next.Label},
		Firings:  firings,
	})
}

type authURLResponse struct {
	URL       string `json:"url"`
	Verifier  string `json:"verifier"`
	Challenge string `json:"challenge"`
}

func (s *Server) handleAuthURL(w http.ResponseWriter, r *http.Request) {
	ar, err := s.opts.OAuth.AuthorizationRequest()
	if err != nil {
		s.log.Error("authorization request failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, authURLResponse{URL: ar.URL, Verifier: ar.Verifier, Challenge: ar.Challenge})
}

type exchangeRequest struct {
	Code     string `json:"code"`
	Verifier string `json:"verifier"`
}

type exchangeResponse struct {
	RefreshToken string `json:"refresh_token"`
	AccessToken  string `json:"access_token"`
}

func (s *Server) handleExchange(w http.ResponseWriter, r *http.Request) {
	var in exchangeRequest
	if err := decode(r, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if strings.TrimSpace(in.Code) == "" || strings.TrimSpace(in.Verifier) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Missing code or verifier"})
		return
	}

	tp, err := s.opts.OAuth.ExchangeCode(r.Context(), in.Code, in.Verifier)
	if err != nil {
		var he *oauth.HTTPError
		status := http.StatusBadGateway
		msg := err.Error()
		if errors.As(err, &he) {
			status = he.Status
			msg = fmt.Sprintf("Token exchange failed (%d): %s", he.Status, he.Body)
		}
		eventbus.Publish(s.opts.Bus, eventbus.TypeTokenExchange, eventbus.TokenExchange{Status: status})
		s.log.Warn("token exchange failed", logx.Int("status", status), logx.Err(err))
		writeJSON(w, status, errorBody{Error: msg})
		return
	}
	eventbus.Publish(s.opts.Bus, eventbus.TypeTokenExchange, eventbus.TokenExchange{Success: true, Status: http.StatusOK})
	writeJSON(w, http.StatusOK, exchangeResponse{RefreshToken: tp.RefreshToken, AccessToken: tp.AccessToken})
}

type verifyRequest struct {
	APIToken string `json:"apiToken"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var in verifyRequest
	if err := decode(r, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, provision.Verification{Error: err.Error()})
		return
	}
	if strings.TrimSpace(in.APIToken) == "" {
		writeJSON(w, http.StatusBadRequest, provision.Verification{Error: "Missing API token"})
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Provisioner.Verify(r.Context(), in.APIToken))
}

type deployRequest struct {
	APIToken     string `json:"apiToken"`
	AccountID    string `json:"accountId"`
	WorkerCode   string `json:"workerCode"`
	RefreshToken string `json:"refreshToken"`
	Schedule     string `json:"schedule"`
	Timezone     string `json:"timezone"`
	// NotificationConfig is either the encoded secret (a JSON string) or the
	// config object itself.
	NotificationConfig json.RawMessage `json:"notificationConfig,omitempty"`
}

type deployFailure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var in deployRequest
	if err := decode(r, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, deployFailure{Error: err.Error()})
		return
	}

	notification, err := parseNotification(in.NotificationConfig)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, deployFailure{Error: err.Error()})
		return
	}
	source := in.WorkerCode
	if strings.TrimSpace(source) == "" && s.opts.Generator != nil {
		if source, err = s.opts.Generator.Source(); err != nil {
			s.log.Error("worker source generation failed", logx.Err(err))
			writeJSON(w, http.StatusInternalServerError, deployFailure{Error: err.Error()})
			return
		}
	}

	req := provision.Request{
		APIToken:     in.APIToken,
		AccountID:    in.AccountID,
		WorkerSource: source,
		RefreshToken: in.RefreshToken,
		Cron:         in.Schedule,
		Timezone:     in.Timezone,
		Notification: notification,
	}
	if err := req.Validate(); err != nil {
		msg := err.Error()
		if errors.Is(err, provision.ErrMissingField) {
			msg = "Missing required fields: " + strings.ReplaceAll(msg, "\n", "; ")
		}
		writeJSON(w, http.StatusBadRequest, deployFailure{Error: msg})
		return
	}

	res := s.opts.Provisioner.Provision(r.Context(), req, nil)
	writeJSON(w, http.StatusOK, res)
}

func parseNotification(raw json.RawMessage) (*notify.Config, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var cfg notify.Config
	if raw[0] == '"' {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return nil, fmt.Errorf("notificationConfig: %w", err)
		}
		if strings.TrimSpace(encoded) == "" {
			return nil, nil
		}
		c, err := notify.Decode(encoded)
		if err != nil {
			return nil, err
		}
		cfg = c
	} else if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("notificationConfig: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
