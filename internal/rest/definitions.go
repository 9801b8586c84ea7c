package rest

import (
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	apierror "github.com/pbinitiative/zenworkflow/internal/rest/error"
	"github.com/pbinitiative/zenworkflow/internal/rest/public"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenworkflow/pkg/bpmn/model/bpmn20"
	"github.com/pbinitiative/zenworkflow/pkg/zenerr"
)

const (
	contentTypeJSON = "application/json"
	contentTypeYAML = "application/yaml"
	contentTypeXML  = "application/xml"
)

func (s *Server) definitionRoutes(r chi.Router) {
	r.Get("/", s.listDefinitions)
	r.Post("/", s.createDefinition)
	r.Post("/import", s.importDefinition)
	r.Post("/validate", s.validateDefinition)
	r.Route("/{key}", func(r chi.Router) {
		r.Get("/", s.getDefinition)
		r.Get("/xml", s.exportDefinition(contentTypeXML, bpmn20.Serialize))
		r.Get("/yaml", s.exportDefinition(contentTypeYAML, model.EncodeYAML))
		r.Get("/versions", s.listVersions)
		r.Post("/versions", s.createVersion)
		r.Get("/versions/{version}", s.getVersion)
		r.Post("/versions/{version}/publish", s.publishVersion)
		r.Post("/versions/{version}/deprecate", s.deprecateVersion)
	})
}

// decodeModel reads a process model in the format named by the Content-Type
// header: JSON (default), YAML or BPMN 2.0 XML.
func decodeModel(w http.ResponseWriter, r *http.Request) (*model.Process, bool) {
	data, ok := readBody(w, r)
	if !ok {
		return nil, false
	}
	var (
		m   *model.Process
		err error
	)
	switch mediaType(r) {
	case contentTypeYAML, "application/x-yaml", "text/yaml":
		m, err = model.ParseYAML(data)
	case contentTypeXML, "text/xml":
		m, err = bpmn20.Parse(data)
	default:
		m, err = model.ParseJSON(data)
	}
	if err != nil {
		if _, ok := zenerr.As(err); ok {
			writeEngineError(w, r, err)
			return nil, false
		}
		writeError(w, r, http.StatusBadRequest, apierror.BadRequest(fmt.Errorf("invalid process model: %w", err)))
		return nil, false
	}
	return m, true
}

func mediaType(r *http.Request) string {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return contentTypeJSON
	}
	return mt
}

func versionParam(w http.ResponseWriter, r *http.Request) (int32, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, "version"), 10, 32)
	if err != nil || v < 1 {
		writeError(w, r, http.StatusBadRequest, apierror.BadRequest(fmt.Errorf("version must be a positive integer")))
		return 0, false
	}
	return int32(v), true
}

func (s *Server) listDefinitions(w http.ResponseWriter, r *http.Request) {
	definitions, err := s.engine.ListDefinitions(r.Context(), tenantOf(r))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, public.NewListResponse(definitions))
}

func (s *Server) createDefinition(w http.ResponseWriter, r *http.Request) {
	m, ok := decodeModel(w, r)
	if !ok {
		return
	}
	version, err := s.engine.CreateDefinition(r.Context(), tenantOf(r), m)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

// importDefinition creates a definition from a BPMN 2.0 XML document
// whatever the declared content type.
func (s *Server) importDefinition(w http.ResponseWriter, r *http.Request) {
	data, ok := readBody(w, r)
	if !ok {
		return
	}
	m, err := bpmn20.Parse(data)
	if err != nil {
		if _, ok := zenerr.As(err); ok {
			writeEngineError(w, r, err)
			return
		}
		writeError(w, r, http.StatusBadRequest, apierror.BadRequest(fmt.Errorf("invalid BPMN document: %w", err)))
		return
	}
	version, err := s.engine.CreateDefinition(r.Context(), tenantOf(r), m)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

func (s *Server) validateDefinition(w http.ResponseWriter, r *http.Request) {
	if mt := mediaType(r); mt == contentTypeXML || mt == "text/xml" {
		data, ok := readBody(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, bpmn20.Validate(data))
		return
	}
	m, ok := decodeModel(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Validate(m))
}

func (s *Server) getDefinition(w http.ResponseWriter, r *http.Request) {
	definition, err := s.engine.GetDefinition(r.Context(), tenantOf(r), chi.URLParam(r, "key"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, definition)
}

// exportDefinition serializes a version with encode: the one named by the
// version query parameter, the published one otherwise.
func (s *Server) exportDefinition(contentType string, encode func(*model.Process) ([]byte, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version, ok := int32Query(w, r, "version")
		if !ok {
			return
		}
		pv, err := s.engine.GetByKey(r.Context(), tenantOf(r), chi.URLParam(r, "key"), version)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		data, err := encode(pv.Model)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}

func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.engine.ListVersions(r.Context(), tenantOf(r), chi.URLParam(r, "key"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, public.NewListResponse(versions))
}

func (s *Server) createVersion(w http.ResponseWriter, r *http.Request) {
	m, ok := decodeModel(w, r)
	if !ok {
		return
	}
	version, err := s.engine.CreateVersion(r.Context(), tenantOf(r), chi.URLParam(r, "key"), m)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	version, ok := versionParam(w, r)
	if !ok {
		return
	}
	pv, err := s.engine.GetByKey(r.Context(), tenantOf(r), chi.URLParam(r, "key"), version)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pv)
}

func (s *Server) publishVersion(w http.ResponseWriter, r *http.Request) {
	version, ok := versionParam(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")
	if err := s.engine.Publish(r.Context(), tenantOf(r), key, version); err != nil {
		writeEngineError(w, r, err)
		return
	}
	s.writeVersion(w, r, key, version)
}

func (s *Server) deprecateVersion(w http.ResponseWriter, r *http.Request) {
	version, ok := versionParam(w, r)
	if !ok {
		return
	}
	var req public.DeprecateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	key := chi.URLParam(r, "key")
	if err := s.engine.Deprecate(r.Context(), tenantOf(r), key, version, req.Force); err != nil {
		writeEngineError(w, r, err)
		return
	}
	s.writeVersion(w, r, key, version)
}

func (s *Server) writeVersion(w http.ResponseWriter, r *http.Request, key string, version int32) {
	pv, err := s.engine.GetByKey(r.Context(), tenantOf(r), key, version)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pv)
}
