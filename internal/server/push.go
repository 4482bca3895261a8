package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/relaykit/worker/internal/apierror"
	"github.com/relaykit/worker/internal/cache"
)

type registerPushDeviceRequest struct {
	Token       string `json:"token"`
	Platform    string `json:"platform"`
	BundleID    string `json:"bundleId,omitempty"`
	Environment string `json:"environment,omitempty"`
	DeviceName  string `json:"deviceName,omitempty"`
}

var validPushPlatforms = map[string]bool{"ios": true, "android": true}

func (s *Server) handleRegisterPushDevice(w http.ResponseWriter, r *http.Request) {
	var body registerPushDeviceRequest
	if err := readJSON(w, r, &body); err != nil {
		renderError(w, err)
		return
	}
	if strings.TrimSpace(body.Token) == "" {
		renderError(w, apierror.New(apierror.CodeInvalidPushToken, "token is required"))
		return
	}
	if !validPushPlatforms[body.Platform] {
		renderError(w, apierror.New(apierror.CodeInvalidPushToken, "platform must be ios or android"))
		return
	}

	now := time.Now().UTC()
	if err := s.store.UpsertPushDevice(cache.PushDevice{
		Token: body.Token, Platform: body.Platform, BundleID: body.BundleID,
		Environment: body.Environment, DeviceName: body.DeviceName,
		CreatedAt: now, UpdatedAt: now, LastSeenAt: &now,
	}); err != nil {
		renderError(w, apierror.New(apierror.CodeInternal, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "registered"})
}

type unregisterPushDeviceRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleUnregisterPushDevice(w http.ResponseWriter, r *http.Request) {
	var body unregisterPushDeviceRequest
	if err := readJSON(w, r, &body); err != nil {
		renderError(w, err)
		return
	}
	if strings.TrimSpace(body.Token) == "" {
		renderError(w, apierror.New(apierror.CodeInvalidPushToken, "token is required"))
		return
	}

	if err := s.store.DeletePushDevice(body.Token); err != nil {
		renderError(w, apierror.New(apierror.CodeInternal, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "unregistered"})
}
