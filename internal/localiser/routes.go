package localiser

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/scanmatch/internal/geom"
	"github.com/banshee-data/scanmatch/internal/httputil"
	"github.com/banshee-data/scanmatch/internal/icp"
	"github.com/banshee-data/scanmatch/internal/monitor"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNoScan), errors.Is(err, icp.ErrNoReferences):
		return http.StatusConflict
	case errors.Is(err, icp.ErrNoCorrespondence):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// AttachAdminRoutes mounts the localiser's debug pages and APIs on mux
// under /debug/.
func (l *Localiser) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KVFunc("Revolutions", func() any { return l.published.Load() })
	debug.KVFunc("Last registered revolution", func() any {
		if fix := l.LastFix(); fix != nil {
			return fix.ScanSeq
		}
		return "none"
	})

	debug.HandleFunc("localiser", "Pipeline counters (JSON)", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, l.Status())
	})
	debug.HandleFunc("pose", "Latest registration (JSON)", l.handlePose)
	debug.HandleFunc("alignment", "Latest revolution aligned to the chosen reference", l.handleAlignment)
	debug.HandleSilentFunc("locate", l.handleLocate)
	debug.HandleSilentFunc("capture", l.handleCapture)
	debug.HandleFunc("references", "Reference set (JSON); POST name to add the latest revolution", l.handleReferences)
	debug.HandleSilentFunc("revolutions", l.handleTail)
	if l.db != nil {
		debug.HandleFunc("registrations", "Registration history (JSON)", l.handleRegistrations)
	}
}

func (l *Localiser) handlePose(w http.ResponseWriter, r *http.Request) {
	fix := l.LastFix()
	if fix == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "no registration yet")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fix)
}

// handleLocate runs a registration on the next revolution. The optional
// timeout parameter overrides the configured per-reference budget.
func (l *Localiser) handleLocate(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodPost) {
		return
	}
	timeout := l.cfg.RegisterTimeout
	if v := r.FormValue("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			httputil.WriteJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid timeout %q", v))
			return
		}
		timeout = d
	}
	fix, err := l.Locate(r.Context(), timeout)
	if err != nil {
		if fix != nil {
			httputil.WriteJSON(w, statusFor(err), fix)
			return
		}
		httputil.WriteJSONError(w, statusFor(err), err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fix)
}

func (l *Localiser) handleCapture(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodPost) {
		return
	}
	c, err := l.Capture(r.Context(), r.FormValue("name"))
	if err != nil {
		if errors.Is(err, ErrNoScan) {
			httputil.WriteJSONError(w, http.StatusConflict, err.Error())
			return
		}
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, c)
}

type referenceView struct {
	Name       string         `json:"name"`
	Prior      geom.Transform `json:"prior"`
	PointCount int            `json:"point_count"`
}

func (l *Localiser) handleReferences(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		refs := l.References()
		out := make([]referenceView, len(refs))
		for i, ref := range refs {
			out[i] = referenceView{Name: ref.Name, Prior: ref.Prior, PointCount: ref.Cloud.Len()}
		}
		httputil.WriteJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var prior geom.Transform
		for _, f := range []struct {
			key string
			dst *float64
		}{{"theta", &prior.Theta}, {"tx", &prior.Tx}, {"ty", &prior.Ty}} {
			v := r.FormValue(f.key)
			if v == "" {
				continue
			}
			x, err := strconv.ParseFloat(v, 64)
			if err != nil {
				httputil.WriteJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s %q", f.key, v))
				return
			}
			*f.dst = x
		}
		ref, err := l.AddReference(r.Context(), r.FormValue("name"), prior)
		if err != nil {
			if errors.Is(err, ErrNoScan) {
				httputil.WriteJSONError(w, http.StatusConflict, err.Error())
				return
			}
			httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, referenceView{Name: ref.Name, Prior: ref.Prior, PointCount: ref.Cloud.Len()})
	default:
		httputil.AllowMethods(w, r, http.MethodGet, http.MethodPost)
	}
}

func (l *Localiser) handleRegistrations(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.FormValue("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.WriteJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}
	regs, err := l.db.ListRegistrations(r.Context(), limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, regs)
}

// handleAlignment draws the newest revolution in the frame of the reference
// chosen by the last registration, before and after applying the fix.
func (l *Localiser) handleAlignment(w http.ResponseWriter, r *http.Request) {
	scan := l.latest.Load()
	if scan == nil {
		httputil.WriteJSONError(w, http.StatusConflict, ErrNoScan.Error())
		return
	}

	series := []monitor.Series{}
	subtitle := fmt.Sprintf("revolution=%d points=%d", scan.Seq, scan.Len())
	fix := l.LastFix()
	if fix != nil && fix.Error == "" {
		for _, ref := range l.References() {
			if ref.Name == fix.Reference {
				series = append(series, monitor.CloudSeries("reference "+ref.Name, ref.Cloud, "#9e9e9e"))
				break
			}
		}
		series = append(series, monitor.CloudSeries("aligned", scan.Cloud.Transformed(fix.Transform.Inverse()), "#42a5f5"))
		subtitle += fmt.Sprintf(" fix=%v from revolution %d", fix.Transform, fix.ScanSeq)
	}
	series = append(series, monitor.CloudSeries("raw", scan.Cloud, "#ef5350"))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := monitor.ScatterHTML(w, "Scan alignment", subtitle, series...); err != nil {
		opsf("render alignment: %v", err)
	}
}

// handleTail streams one server-sent event per published revolution.
func (l *Localiser) handleTail(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, ch := l.Subscribe(8)
	defer l.Unsubscribe(id)

	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case scan, ok := <-ch:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: {\"seq\":%d,\"points\":%d}\n\n", scan.Seq, scan.Len()); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
