// Package server exposes the EMA selection engine over HTTP, grounded in
// the original service's Flask routes: a path-style MEI source
// identifier followed by the measures/staves/beats selector and an
// optional completeness segment, plus an info.json endpoint.
package server

import (
	"context"
	"log"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/emaaddr/ema/internal/cache"
	"github.com/emaaddr/ema/internal/docinfo"
	"github.com/emaaddr/ema/internal/expr"
	"github.com/emaaddr/ema/internal/fetch"
	"github.com/emaaddr/ema/internal/meierr"
	"github.com/emaaddr/ema/internal/meitree"
	"github.com/emaaddr/ema/internal/slicer"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server wires a fetch client and cache into HTTP handlers.
type Server struct {
	Fetch *fetch.Client
	Cache *cache.Cache
}

// New builds a Server.
func New(f *fetch.Client, c *cache.Cache) *Server {
	return &Server{Fetch: f, Cache: c}
}

// Mux builds the ServeMux this server answers requests on.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{meipath...}", s.handleAddress)
	return mux
}

func (s *Server) handleAddress(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("meipath")
	segments := strings.Split(path, "/")

	if len(segments) >= 1 && strings.HasSuffix(segments[len(segments)-1], "info.json") {
		meipath := strings.TrimSuffix(strings.Join(segments, "/"), "/info.json")
		s.handleInfo(w, r, meipath)
		return
	}

	if len(segments) < 4 {
		writeError(w, meierr.BadRequestf("expected /<source>/<measures>/<staves>/<beats>[/<completeness>]"))
		return
	}
	n := len(segments)
	var completeness string
	var measures, staves, beats string
	if n >= 4 && looksLikeCompleteness(segments[n-1]) {
		completeness = segments[n-1]
		beats = segments[n-2]
		staves = segments[n-3]
		measures = segments[n-4]
		meipath := strings.Join(segments[:n-4], "/")
		s.handleSlice(w, r, meipath, measures, staves, beats, completeness)
		return
	}
	beats = segments[n-1]
	staves = segments[n-2]
	measures = segments[n-3]
	meipath := strings.Join(segments[:n-3], "/")
	s.handleSlice(w, r, meipath, measures, staves, beats, "")
}

func looksLikeCompleteness(seg string) bool {
	if seg == "compile" {
		return true
	}
	if seg == "" {
		return false
	}
	for _, tok := range strings.Split(seg, ",") {
		switch strings.TrimSpace(tok) {
		case "raw", "signature", "cut", "nospace":
		default:
			return false
		}
	}
	return true
}

func (s *Server) fetchDocument(ctx context.Context, meipath string) ([]byte, error) {
	if cached, ok := s.Cache.Get(meipath); ok {
		return cached, nil
	}
	data, err := s.Fetch.Get(ctx, meipath)
	if err != nil {
		return nil, err
	}
	s.Cache.Put(meipath, data)
	return data, nil
}

// completenessKinds lists the completeness options info.json advertises
// per spec.md, so a client can discover them without consulting docs.
var completenessKinds = []string{"raw", "signature", "nospace", "cut"}

// infoResponse is docinfo.Info plus the static completeness-kinds list
// spec.md mandates info.json carry.
type infoResponse struct {
	*docinfo.Info
	Completeness []string `json:"completeness"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request, meipath string) {
	data, err := s.fetchDocument(r.Context(), meipath)
	if err != nil {
		writeError(w, err)
		return
	}
	tree, err := meitree.Load(data)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := docinfo.Compute(tree)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	resp := infoResponse{Info: info, Completeness: completenessKinds}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("server: failed writing info.json response: %v", err)
	}
}

func (s *Server) handleSlice(w http.ResponseWriter, r *http.Request, meipath, measuresStr, stavesStr, beatsStr, completenessStr string) {
	data, err := s.fetchDocument(r.Context(), meipath)
	if err != nil {
		writeError(w, err)
		return
	}

	// all/all/@all is a byte-identical passthrough: return the document
	// exactly as fetched, without ever parsing it.
	if measuresStr == "all" && stavesStr == "all" && beatsStr == "@all" {
		w.Header().Set("Content-Type", "application/xml")
		w.Write(data)
		return
	}

	tree, err := meitree.Load(data)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := docinfo.Compute(tree)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := expr.Parse(info, measuresStr, stavesStr, beatsStr)
	if err != nil {
		writeError(w, err)
		return
	}

	if completenessStr == "compile" {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(result.Compiled))
		return
	}

	completeness, err := expr.ParseCompleteness(completenessStr)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := slicer.Slice(tree, info, result.Selections, completeness); err != nil {
		writeError(w, err)
		return
	}

	out, err := tree.Serialize()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Write(out)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(meierr.StatusCode(err))
	_ = json.NewEncoder(w).Encode(map[string]string{"message": err.Error()})
}
