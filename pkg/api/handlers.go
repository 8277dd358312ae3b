package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"freepress/pkg/discovery"
	"freepress/pkg/health"
	"freepress/pkg/node"
	"freepress/pkg/types"

	"go.uber.org/zap"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"health": s.backend.Health().String(),
	})
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReady reports ready once announcements can reach at least one peer.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	state := s.backend.Health()
	if state < health.MinimallyHealthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"health": state.String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
		"health": state.String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Status(r.Context()))
}

type manifestsResponse struct {
	Count     int              `json:"count"`
	Manifests []types.Manifest `json:"manifests"`
}

func (s *Server) handleManifests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := discovery.Filter{
		Tag:     q.Get("tag"),
		PubKey:  q.Get("publisher"),
		SiteCID: q.Get("site"),
	}
	if v := q.Get("latest"); v != "" {
		latest, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "latest must be a boolean")
			return
		}
		f.LatestOnly = latest
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = limit
	}

	found := s.backend.Manifests(f, discovery.ParseSortOrder(q.Get("sort")))
	writeJSON(w, http.StatusOK, manifestsResponse{Count: len(found), Manifests: found})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	res, err := s.backend.Publish(r.Context())
	if err != nil {
		s.logger.Warn("Publish request failed", zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type mirrorsResponse struct {
	Count   int                  `json:"count"`
	Mirrors []types.MirrorRecord `json:"mirrors"`
}

func (s *Server) handleMirrors(w http.ResponseWriter, r *http.Request) {
	recs, err := s.backend.Mirrors(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if recs == nil {
		recs = []types.MirrorRecord{}
	}
	writeJSON(w, http.StatusOK, mirrorsResponse{Count: len(recs), Mirrors: recs})
}

type mirrorRequest struct {
	CID string `json:"cid"`
}

func (s *Server) handleMirror(w http.ResponseWriter, r *http.Request) {
	var req mirrorRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.CID = strings.TrimSpace(req.CID)
	if req.CID == "" {
		writeError(w, http.StatusBadRequest, "cid is required")
		return
	}

	rec, err := s.backend.Mirror(r.Context(), req.CID)
	if err != nil {
		s.logger.Warn("Mirror request failed", zap.String("cid", req.CID), zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUnmirror(w http.ResponseWriter, r *http.Request) {
	cid := r.PathValue("cid")
	if err := s.backend.Unmirror(r.Context(), cid); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "cid": cid})
}

type keypairResponse struct {
	PublicKey string `json:"public_key"`
}

func (s *Server) handleKeypair(w http.ResponseWriter, _ *http.Request) {
	pub := s.backend.PublicKey()
	if pub == "" {
		writeError(w, http.StatusNotFound, node.ErrNoKeypair.Error())
		return
	}
	writeJSON(w, http.StatusOK, keypairResponse{PublicKey: pub})
}

func (s *Server) handleGenerateKeypair(w http.ResponseWriter, _ *http.Request) {
	pub, err := s.backend.GenerateKeypair()
	if err != nil {
		if !errors.Is(err, node.ErrKeypairExists) {
			s.logger.Error("Failed to generate keypair", zap.Error(err))
		}
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, keypairResponse{PublicKey: pub})
}
