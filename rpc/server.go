// Package rpc serves timber trees over a REST API. Every tree route selects
// its tree with the contractname and treeid request headers, or the
// contractName and treeId query parameters. Responses are JSON objects with
// a "data" member on success and an "error" member on failure.
package rpc

import (
	"context"
	"net/http"

	"github.com/eth2030/timber/ingest"
	"github.com/eth2030/timber/log"
	"github.com/eth2030/timber/metrics"
	"github.com/eth2030/timber/tree"
)

// Backend is the service the API exposes.
type Backend interface {
	// Tree returns the tree of key; with create set an unknown tree is
	// created, otherwise it is reported as ingest.ErrUnknownTree.
	Tree(key ingest.Key, create bool) (*tree.Tree, error)
	// StartIngestion starts feeding the tree of key from the ledger.
	StartIngestion(ctx context.Context, key ingest.Key) (ingest.StartStatus, error)
	IngestionStates() []ingest.KeyState
	Listeners() []ingest.Stats
	// Health returns a health report and whether the service is healthy.
	Health() (interface{}, bool)
}

// Config configures the API server.
type Config struct {
	CORSOrigins []string
	// MaxBodyBytes bounds request bodies; 0 means 50 MiB.
	MaxBodyBytes int64
}

const defaultMaxBody = 50 << 20

// Server is the REST API.
type Server struct {
	backend Backend
	cfg     Config
	log     *log.Logger
	mux     *http.ServeMux
	handler http.Handler
}

// NewServer creates the API server for backend.
func NewServer(backend Backend, cfg Config, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default().Module("rpc")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	s := &Server{
		backend: backend,
		cfg:     cfg,
		log:     logger,
		mux:     http.NewServeMux(),
	}
	s.routes()

	cors := DefaultCORSConfig()
	if len(cfg.CORSOrigins) > 0 {
		cors.AllowedOrigins = cfg.CORSOrigins
	}
	s.handler = MiddlewareChain(s.mux,
		RecoverMiddleware(logger),
		MetricsMiddleware(),
		LoggingMiddleware(logger),
		CORSMiddleware(cors),
	)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /start", s.handleStart)
	s.mux.HandleFunc("PATCH /update", s.handleUpdate)
	s.mux.HandleFunc("GET /siblingPath/{leafIndex}", s.handleSiblingPath)
	s.mux.HandleFunc("GET /path/{leafIndex}", s.handlePath)

	s.mux.HandleFunc("GET /metadata", s.handleMetadata)
	s.mux.HandleFunc("GET /metadata/root", s.handleRoot)

	s.mux.HandleFunc("POST /leaf", s.handleInsertLeaf)
	s.mux.HandleFunc("POST /leaves", s.handleInsertLeaves)
	s.mux.HandleFunc("GET /leaf/index/{leafIndex}", s.handleLeaf)
	s.mux.HandleFunc("GET /leaves", s.handleLeaves)
	s.mux.HandleFunc("GET /leaves/count", s.handleLeafCount)
	s.mux.HandleFunc("GET /node/index/{nodeIndex}", s.handleNode)

	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.handler
}
