package httpapi

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/cuemby/certd/pkg/certcrypto"
	"github.com/cuemby/certd/pkg/certerrors"
	"github.com/cuemby/certd/pkg/certevents"
	metrics "github.com/cuemby/certd/pkg/certmetrics"
	"github.com/cuemby/certd/pkg/certtypes"
	"github.com/cuemby/certd/pkg/lifecycle"
	"github.com/cuemby/certd/pkg/snapshot"
)

func (s *Server) handleListCertificates(w http.ResponseWriter, r *http.Request) {
	s.writeOK(w, s.reg.GetAllAsApiView(time.Now()))
}

func (s *Server) handleGetCertificate(w http.ResponseWriter, r *http.Request) {
	fp := r.PathValue("fp")
	view, ok := s.reg.GetAsApiView(fp, time.Now())
	if !ok {
		s.writeError(w, certerrors.New(certerrors.NotFound, "certificate "+fp+" not found"))
		return
	}
	s.writeOK(w, view)
}

// createCertificateRequest mirrors lifecycle.Options closely enough for a
// thin JSON decode; BitsOrCurve/Algorithm/KeyUsage default to what
// createNew needs when the caller requests a self-signed leaf.
type createCertificateRequest struct {
	Name              string                    `json:"name"`
	CommonName        string                    `json:"commonName"`
	Domains           []string                  `json:"domains"`
	IPs               []string                  `json:"ips"`
	Algorithm         certcrypto.Algorithm      `json:"algorithm"`
	BitsOrCurve       int                       `json:"bitsOrCurve"`
	KeyUsage          certtypes.KeyUsageConfig  `json:"keyUsage"`
	ExtendedKeyUsage  []string                  `json:"extendedKeyUsage"`
	IsCA              bool                      `json:"isCA"`
	PathLenConstraint *int                      `json:"pathLenConstraint"`
	Config            certtypes.Config          `json:"config"`
	Passphrase        string                    `json:"passphrase"`
	TakeSnapshot      *bool                     `json:"takeSnapshot"`
	Deploy            *bool                     `json:"deploy"`
}

func (s *Server) handleCreateCertificate(w http.ResponseWriter, r *http.Request) {
	var req createCertificateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, certerrors.Wrap(certerrors.BadInput, "decode request body", err))
		return
	}
	if req.Name == "" {
		s.writeError(w, certerrors.New(certerrors.BadInput, "name is required"))
		return
	}

	opts := lifecycle.Options{
		New: lifecycle.NewOptions{
			Name:              req.Name,
			CommonName:        req.CommonName,
			Domains:           req.Domains,
			IPs:               req.IPs,
			Algorithm:         req.Algorithm,
			BitsOrCurve:       req.BitsOrCurve,
			KeyUsage:          req.KeyUsage,
			ExtendedKeyUsage:  req.ExtendedKeyUsage,
			IsCA:              req.IsCA,
			PathLenConstraint: req.PathLenConstraint,
		},
		Config:       req.Config,
		Passphrase:   req.Passphrase,
		TakeSnapshot: req.TakeSnapshot,
		Deploy:       req.Deploy,
	}

	result, err := s.pipeline.CreateOrRenew(r.Context(), req.Name, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, envelope{Success: true, Data: result})
}

type renewRequest struct {
	Passphrase   string `json:"passphrase"`
	ValidityDays int    `json:"validityDays"`
	TakeSnapshot *bool  `json:"takeSnapshot"`
	Deploy       *bool  `json:"deploy"`
}

func (s *Server) handleRenewCertificate(w http.ResponseWriter, r *http.Request) {
	fp := r.PathValue("fp")
	var req renewRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, certerrors.Wrap(certerrors.BadInput, "decode request body", err))
			return
		}
	}
	result, err := s.pipeline.CreateOrRenew(r.Context(), fp, lifecycle.Options{
		Passphrase:   req.Passphrase,
		ValidityDays: req.ValidityDays,
		TakeSnapshot: req.TakeSnapshot,
		Deploy:       req.Deploy,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOK(w, result)
}

func (s *Server) handleDeleteCertificate(w http.ResponseWriter, r *http.Request) {
	fp := r.PathValue("fp")
	cert, ok := s.reg.Get(fp)
	if !ok {
		s.writeError(w, certerrors.New(certerrors.NotFound, "certificate "+fp+" not found"))
		return
	}
	if r.URL.Query().Get("deleteSnapshots") == "true" {
		for _, entry := range append([]certtypes.SnapshotEntry(nil), cert.Snapshots...) {
			if err := s.snapshots.DeleteSnapshot(cert, entry.ID); err != nil {
				s.logger.Warn().Int64("snapshot", entry.ID).Err(err).Msg("delete snapshot during certificate delete")
			}
		}
	}
	if s.vault != nil {
		if err := s.vault.Delete(cert.Fingerprint); err != nil {
			s.logger.Warn().Err(err).Msg("delete vault entry during certificate delete")
		}
	}
	// The live files must go too: the next reconcile would otherwise
	// rediscover the certificate and resurrect the entry just removed.
	for role, path := range cert.Paths {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Str("role", role).Str("path", path).Err(err).Msg("remove certificate file")
		}
	}
	s.reg.Remove(fp)
	if err := s.reg.Persist(); err != nil {
		s.writeError(w, err)
		return
	}
	s.reg.NotifyChanged(cert.Fingerprint, certevents.KindDelete)
	s.writeOK(w, map[string]string{"fingerprint": cert.Fingerprint})
}

func (s *Server) handleApplyIdle(w http.ResponseWriter, r *http.Request) {
	fp := r.PathValue("fp")
	result, err := s.pipeline.ApplyIdleSubjectsAndRenew(r.Context(), fp)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOK(w, result)
}

// sanRequest stages a SAN; an omitted "idle" defaults to true so new
// subjects land in the idle set and only take effect at the next renewal.
type sanRequest struct {
	Value string `json:"value"`
	Idle  *bool  `json:"idle"`
}

func (r sanRequest) idle() bool {
	return r.Idle == nil || *r.Idle
}

func (s *Server) handleAddDomain(w http.ResponseWriter, r *http.Request) {
	s.mutateSANs(w, r, func(cert *certtypes.Certificate, req sanRequest) any {
		return cert.AddDomain(req.Value, req.idle())
	})
}

func (s *Server) handleAddIP(w http.ResponseWriter, r *http.Request) {
	s.mutateSANs(w, r, func(cert *certtypes.Certificate, req sanRequest) any {
		return cert.AddIP(req.Value, req.idle())
	})
}

func (s *Server) mutateSANs(w http.ResponseWriter, r *http.Request, apply func(*certtypes.Certificate, sanRequest) any) {
	fp := r.PathValue("fp")
	var req sanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, certerrors.Wrap(certerrors.BadInput, "decode request body", err))
		return
	}
	cert, ok := s.reg.Get(fp)
	if !ok {
		s.writeError(w, certerrors.New(certerrors.NotFound, "certificate "+fp+" not found"))
		return
	}
	result := apply(cert, req)
	s.reg.Insert(cert)
	if err := s.reg.Persist(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOK(w, result)
}

func (s *Server) handleRemoveDomain(w http.ResponseWriter, r *http.Request) {
	s.removeSAN(w, r, r.PathValue("d"), func(cert *certtypes.Certificate, v string, idle bool) bool {
		return cert.RemoveDomain(v, idle)
	})
}

func (s *Server) handleRemoveIP(w http.ResponseWriter, r *http.Request) {
	s.removeSAN(w, r, r.PathValue("ip"), func(cert *certtypes.Certificate, v string, idle bool) bool {
		return cert.RemoveIP(v, idle)
	})
}

func (s *Server) removeSAN(w http.ResponseWriter, r *http.Request, value string, apply func(*certtypes.Certificate, string, bool) bool) {
	fp := r.PathValue("fp")
	idle := r.URL.Query().Get("idle") == "true"
	cert, ok := s.reg.Get(fp)
	if !ok {
		s.writeError(w, certerrors.New(certerrors.NotFound, "certificate "+fp+" not found"))
		return
	}
	removed := apply(cert, value, idle)
	s.reg.Insert(cert)
	if err := s.reg.Persist(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOK(w, map[string]bool{"removed": removed})
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	fp := r.PathValue("fp")
	cert, ok := s.reg.Get(fp)
	if !ok {
		s.writeError(w, certerrors.New(certerrors.NotFound, "certificate "+fp+" not found"))
		return
	}
	typ := r.URL.Query().Get("type")
	s.writeOK(w, snapshot.ListSnapshots(cert, typ))
}

type createSnapshotRequest struct {
	Description string `json:"description"`
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	fp := r.PathValue("fp")
	var req createSnapshotRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, certerrors.Wrap(certerrors.BadInput, "decode request body", err))
			return
		}
	}
	cert, ok := s.reg.Get(fp)
	if !ok {
		s.writeError(w, certerrors.New(certerrors.NotFound, "certificate "+fp+" not found"))
		return
	}
	entry, err := s.snapshots.CreateSnapshot(cert, certtypes.SnapshotBackup, certtypes.TriggerManual, req.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.reg.Insert(cert)
	if err := s.reg.Persist(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, envelope{Success: true, Data: entry})
}

func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	fp := r.PathValue("fp")
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, certerrors.Wrap(certerrors.BadInput, "invalid snapshot id", err))
		return
	}
	cert, ok := s.reg.Get(fp)
	if !ok {
		s.writeError(w, certerrors.New(certerrors.NotFound, "certificate "+fp+" not found"))
		return
	}
	if err := s.snapshots.DeleteSnapshot(cert, id); err != nil {
		s.writeError(w, err)
		return
	}
	s.reg.Insert(cert)
	if err := s.reg.Persist(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOK(w, map[string]int64{"id": id})
}

func (s *Server) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	fp := r.PathValue("fp")
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, certerrors.Wrap(certerrors.BadInput, "invalid snapshot id", err))
		return
	}
	result, err := s.pipeline.RestoreFromSnapshot(r.Context(), fp, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOK(w, result)
}

type rotateEncryptionKeyRequest struct {
	NewMasterKeyHex string `json:"newMasterKeyHex"`
}

func (s *Server) handleRotateEncryptionKey(w http.ResponseWriter, r *http.Request) {
	var req rotateEncryptionKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, certerrors.Wrap(certerrors.BadInput, "decode request body", err))
		return
	}
	newKey, err := hex.DecodeString(req.NewMasterKeyHex)
	if err != nil || len(newKey) != 32 {
		s.writeError(w, certerrors.New(certerrors.BadInput, "newMasterKeyHex must decode to 32 bytes"))
		return
	}
	if err := s.vault.RotateKey(newKey); err != nil {
		s.writeError(w, err)
		return
	}
	metrics.VaultRotationsTotal.Inc()
	s.writeOK(w, map[string]bool{"rotated": true})
}

func (s *Server) handleRenewalStatus(w http.ResponseWriter, r *http.Request) {
	next, scheduled := s.scheduler.NextRun()
	failures := map[string]string{}
	for _, cert := range s.reg.GetAll() {
		if cert.LastRenewalError != "" {
			failures[cert.Fingerprint] = cert.LastRenewalError
		}
	}
	status := map[string]any{
		"scheduled": scheduled,
		"pending":   s.reg.PendingChangesCount(),
		"failures":  failures,
	}
	if scheduled {
		status["nextRun"] = next
	}
	s.writeOK(w, status)
}

func (s *Server) handleRenewalCheck(w http.ResponseWriter, r *http.Request) {
	s.scheduler.TriggerSweep(r.Context())
	s.writeOK(w, map[string]bool{"triggered": true})
}

type renewalScheduleRequest struct {
	CronSpec string `json:"cronSpec"`
}

func (s *Server) handleRenewalSchedule(w http.ResponseWriter, r *http.Request) {
	var req renewalScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, certerrors.Wrap(certerrors.BadInput, "decode request body", err))
		return
	}
	if err := s.scheduler.SetCronSpec(req.CronSpec); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOK(w, map[string]string{"cronSpec": req.CronSpec})
}
