package api

import (
	"encoding/json"
	"net/http"

	"github.com/vjranagit/tmarchive/pkg/errs"
	"github.com/vjranagit/tmarchive/pkg/log"
	"github.com/vjranagit/tmarchive/pkg/query"
	"github.com/vjranagit/tmarchive/pkg/storage"
	"github.com/vjranagit/tmarchive/pkg/stream"
	"github.com/vjranagit/tmarchive/pkg/types"
)

// maxWriteBody bounds the size of one write request
const maxWriteBody = 16 << 20

// exportFlushEvery is how many exported records are buffered between flushes
const exportFlushEvery = 100

type pageResponse struct {
	Items             []types.Record `json:"items"`
	ContinuationToken string         `json:"continuationToken,omitempty"`
}

type writeResponse struct {
	Accepted int            `json:"accepted"`
	Records  []types.Record `json:"records,omitempty"`
}

// checkTable rejects malformed and unknown table names
func (s *Server) checkTable(tenant, table string) error {
	if !storage.ValidTable(table) {
		return errs.InvalidArgument("invalid table name %q", table)
	}
	if !s.storage.HasTable(tenant, table) {
		return errs.NotFound("table %q not found", table)
	}
	return nil
}

// pageDescriptor validates the request and builds a paged descriptor
func (s *Server) pageDescriptor(r *http.Request) (*query.Descriptor, error) {
	p, err := parseParams(r.URL.Query())
	if err != nil {
		return nil, err
	}
	d, err := p.Build(s.limits)
	if err != nil {
		return nil, err
	}
	if p.Pos != nil {
		log.Warn().
			Str("path", r.URL.Path).
			Int("pos", *p.Pos).
			Msg("Deprecated pos parameter, use the continuation token instead")
	}
	return d, nil
}

// servePage answers a list request with one page of src
func (s *Server) servePage(w http.ResponseWriter, r *http.Request, src stream.Source, d *query.Descriptor) {
	if err := d.CheckCursorSource(); err != nil {
		s.writeError(w, r, err)
		return
	}

	page, err := stream.BuildPage(r.Context(), src, d)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.metrics.Pages.Inc()
	s.metrics.RecordsScanned.Add(float64(len(page.Items)))
	resp := pageResponse{Items: page.Items, ContinuationToken: page.ContinuationToken()}
	if resp.Items == nil {
		resp.Items = []types.Record{}
	}
	if resp.ContinuationToken != "" {
		s.metrics.TokensIssued.Inc()
	}

	log.Debug().
		Str("tenant", tenantID(r)).
		Str("path", r.URL.Path).
		Int("limit", d.Limit).
		Str("order", d.Direction.String()).
		Int("items", len(resp.Items)).
		Bool("more", page.Next != nil).
		Msg("Page served")

	writeJSON(w, http.StatusOK, resp)
}

// handleTables lists the tables of the tenant
func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{
		"tables": s.storage.Tables(tenantID(r)),
	})
}

// handleList returns one page of a table
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	tenant, table := tenantID(r), r.PathValue("table")
	if err := s.checkTable(tenant, table); err != nil {
		s.writeError(w, r, err)
		return
	}

	d, err := s.pageDescriptor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.servePage(w, r, s.storage.Table(tenant, table), d)
}

// handleNames lists the distinct record names of a table
func (s *Server) handleNames(w http.ResponseWriter, r *http.Request) {
	tenant, table := tenantID(r), r.PathValue("table")
	if err := s.checkTable(tenant, table); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{
		"names": s.storage.Names(tenant, table),
	})
}

// handleExport streams every matching record as newline-delimited JSON.
// The stream ends when the range is exhausted or the client goes away.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	tenant, table := tenantID(r), r.PathValue("table")
	if err := s.checkTable(tenant, table); err != nil {
		s.writeError(w, r, err)
		return
	}

	p, err := parseParams(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := p.BuildStream()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	started := false
	start := func() {
		if !started {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.WriteHeader(http.StatusOK)
			started = true
		}
	}

	n := 0
	err = stream.Consume(r.Context(), s.storage.Table(tenant, table), d, stream.Handler{
		OnRecord: func(rec types.Record) {
			start()
			// A failed write means the client left; the request context
			// ends the scan.
			_ = enc.Encode(rec)
			n++
			if flusher != nil && n%exportFlushEvery == 0 {
				flusher.Flush()
			}
		},
	})
	s.metrics.RecordsScanned.Add(float64(n))

	if err != nil {
		if !started {
			s.writeError(w, r, err)
			return
		}
		// The status line is gone; cutting the stream short is all that is left.
		if errs.IsCancellation(err) {
			log.Debug().Str("table", table).Int("records", n).Msg("Export cancelled")
		} else {
			s.metrics.SourceFailures.WithLabelValues(table).Inc()
			log.Error(err).Str("tenant", tenant).Str("table", table).Int("records", n).Msg("Export aborted")
		}
		return
	}

	start()
	if flusher != nil {
		flusher.Flush()
	}
	log.Debug().Str("tenant", tenant).Str("table", table).Int("records", n).Msg("Export finished")
}

// handleWrite appends a JSON array of records to a table
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	tenant, table := tenantID(r), r.PathValue("table")

	var recs []types.Record
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWriteBody)).Decode(&recs); err != nil {
		s.writeError(w, r, errs.InvalidArgument("invalid request: %v", err))
		return
	}
	req := &types.WriteRequest{TenantID: tenant, Table: table, Records: recs}

	if s.writer != nil {
		if err := s.writer.Write(req); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.metrics.RecordsWritten.WithLabelValues(table).Add(float64(len(recs)))
		writeJSON(w, http.StatusAccepted, writeResponse{Accepted: len(recs)})
		return
	}

	stored, err := s.storage.Write(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.RecordsWritten.WithLabelValues(table).Add(float64(len(stored)))
	writeJSON(w, http.StatusOK, writeResponse{Accepted: len(stored), Records: stored})
}
