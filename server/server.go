package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/journalkit/blobsync/synccache"
)

// Server exposes a SyncCache over HTTP, with a gRPC endpoint registered for
// reflection alongside it.
type Server struct {
	config  *Config
	cache   *synccache.SyncCache
	remote  synccache.RemoteStore
	grpcSrv *grpc.Server
	httpSrv *http.Server
}

// NewServer builds the remote store stack from config and wraps it in a
// SyncCache.
func NewServer(config *Config) (*Server, error) {
	var remote synccache.RemoteStore
	var err error
	switch config.Storage.Driver {
	case "s3":
		remote, err = synccache.NewS3RemoteStore(config.AWS.Region, config.AWS.S3.BucketName, config.AWS.S3.KeyPrefix)
	case "dynamodb":
		remote, err = synccache.NewDynamoDBRemoteStore(config.AWS.Region, config.AWS.DynamoDB.BlobsTable)
	default:
		err = fmt.Errorf("unknown storage driver: %s", config.Storage.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create remote store: %v", err)
	}

	// Layer the Redis cache in front when configured; continue without it on
	// failure.
	if config.AWS.ElastiCache.Address != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		layered, err := synccache.NewRedisRemoteCache(ctx, remote, config.AWS.ElastiCache.Address, config.AWS.ElastiCache.TTL)
		if err != nil {
			log.Printf("Warning: Failed to create Redis cache layer: %v. Continuing without it.", err)
		} else {
			remote = layered
			log.Printf("Successfully connected to Redis cache at %s", config.AWS.ElastiCache.Address)
		}
	}

	cache := synccache.New(remote, config.SyncOptions())

	grpcSrv := grpc.NewServer()
	reflection.Register(grpcSrv)

	return &Server{
		config:  config,
		cache:   cache,
		remote:  remote,
		grpcSrv: grpcSrv,
	}, nil
}

// Start starts the gRPC and HTTP servers and blocks until the HTTP server
// stops.
func (s *Server) Start() error {
	go func() {
		addr := fmt.Sprintf(":%d", s.config.Server.GRPCPort)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			log.Fatalf("Failed to listen on %s: %v", addr, err)
		}
		log.Printf("gRPC server listening on %s", addr)
		if err := s.grpcSrv.Serve(lis); err != nil {
			log.Fatalf("Failed to serve gRPC: %v", err)
		}
	}()

	addr := fmt.Sprintf(":%d", s.config.Server.HTTPPort)
	s.httpSrv = &http.Server{Addr: addr, Handler: s.routes()}
	log.Printf("HTTP server listening on %s", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop stops the servers, drains pending writes within the configured
// shutdown window and closes the remote store.
func (s *Server) Stop() {
	s.grpcSrv.GracefulStop()

	drain := time.Duration(s.config.Sync.ShutdownDrainMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if err := s.cache.Close(ctx); err != nil {
		log.Printf("Warning: shutdown drain incomplete: %v", err)
	}

	if closer, ok := s.remote.(io.Closer); ok {
		closer.Close()
	}
	if s.httpSrv != nil {
		s.httpSrv.Shutdown(context.Background())
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/blobs/", s.handleBlob)
	mux.HandleFunc("/api/flush", s.handleFlushAll)
	return mux
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	fmt.Fprintln(w, "blobsync server")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	available := s.cache.IsRemoteAvailable(r.Context())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":           "ok",
		"mode":             s.cache.Mode().String(),
		"remote_available": available,
	})
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/blobs/")
	if path == "" {
		http.Error(w, "blob key is required", http.StatusBadRequest)
		return
	}

	if strings.HasSuffix(path, "/flush") {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleFlushBlob(w, r, synccache.Key(strings.TrimSuffix(path, "/flush")))
		return
	}

	key := synccache.Key(path)
	switch r.Method {
	case http.MethodGet:
		s.handleGetBlob(w, r, key)
	case http.MethodPut, http.MethodPost:
		s.handlePutBlob(w, r, key)
	case http.MethodDelete:
		s.handleDeleteBlob(w, r, key)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request, key synccache.Key) {
	var rec *synccache.Record
	var err error
	if r.URL.Query().Get("fresh") == "true" {
		rec, err = s.cache.Reload(r.Context(), key)
	} else {
		rec, err = s.cache.Load(r.Context(), key)
	}
	if err != nil {
		if errors.Is(err, synccache.ErrNotFound) {
			http.Error(w, "blob not found", http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("failed to load blob: %v", err), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Blob-Origin", rec.Origin.String())
	if rec.Stale {
		w.Header().Set("X-Blob-Stale", "true")
	}
	w.Write(rec.Payload)
}

func (s *Server) handlePutBlob(w http.ResponseWriter, r *http.Request, key synccache.Key) {
	payload, err := ioutil.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read body: %v", err), http.StatusBadRequest)
		return
	}

	// The write is debounced; 202 tells the client it is scheduled, not
	// durable. Durability requires a flush.
	s.cache.Save(key, payload)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDeleteBlob(w http.ResponseWriter, r *http.Request, key synccache.Key) {
	if err := s.cache.Delete(r.Context(), key); err != nil {
		http.Error(w, fmt.Sprintf("failed to delete blob: %v", err), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFlushBlob(w http.ResponseWriter, r *http.Request, key synccache.Key) {
	if err := s.cache.FlushNow(r.Context(), key); err != nil {
		http.Error(w, fmt.Sprintf("failed to flush blob: %v", err), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFlushAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.cache.FlushAll(r.Context()); err != nil {
		http.Error(w, fmt.Sprintf("failed to flush: %v", err), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
