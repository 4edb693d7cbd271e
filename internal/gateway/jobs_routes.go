package gateway

import (
	"net/http"
)

func (s *Server) jobsOrUnavailable(w http.ResponseWriter) bool {
	if s.cfg.Jobs == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("Job runner not configured"))
		return false
	}
	return true
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if !s.jobsOrUnavailable(w) {
		return
	}
	st, err := s.cfg.Jobs.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	if !s.jobsOrUnavailable(w) {
		return
	}
	d, err := s.cfg.Jobs.Detail(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleJobTrigger(w http.ResponseWriter, r *http.Request) {
	if !s.jobsOrUnavailable(w) {
		return
	}
	name := r.PathValue("name")
	if err := s.cfg.Jobs.Trigger(name); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Job " + name + " triggered"})
}

func (s *Server) handleJobEnable(w http.ResponseWriter, r *http.Request) {
	if !s.jobsOrUnavailable(w) {
		return
	}
	name := r.PathValue("name")
	if err := s.cfg.Jobs.Enable(r.Context(), name); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("job enabled", "job", name)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Job " + name + " enabled"})
}

func (s *Server) handleJobDisable(w http.ResponseWriter, r *http.Request) {
	if !s.jobsOrUnavailable(w) {
		return
	}
	name := r.PathValue("name")
	if err := s.cfg.Jobs.Disable(r.Context(), name); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("job disabled", "job", name)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Job " + name + " disabled"})
}
