package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"wildlife-backend/cmd"
	"wildlife-backend/internal/api"
	"wildlife-backend/internal/database"
	"wildlife-backend/internal/detection"
	"wildlife-backend/internal/weights"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	ort "github.com/yalue/onnxruntime_go"
	"gorm.io/gorm"
)

type Config struct {
	Root        string `env:"ROOT" envDefault:"./wildlife-backend"`
	Port        int    `env:"PORT" envDefault:"8000"`
	DatabaseURL string `env:"DATABASE_URL" envDefault:""`

	ModelDir         string `env:"MODEL_DIR" envDefault:"./models"`
	OnnxRuntimeDylib string `env:"ONNX_RUNTIME_DYLIB"`
	BBoxModelURL     string `env:"BBOX_MODEL_URL" envDefault:""`
	PointDetectorURL string `env:"POINT_DETECTOR_URL" envDefault:""`

	Concurrency int   `env:"CONCURRENCY" envDefault:"4"`
	MaxUploadMB int64 `env:"MAX_UPLOAD_MB" envDefault:"500"`
}

const bboxModelFile = "wildlife_yolo.onnx"

func createDatabase(cfg Config) *gorm.DB {
	url := cfg.DatabaseURL
	if url == "" {
		url = filepath.Join(cfg.Root, "db", "wildlife.db")
	}

	db, err := database.NewDatabase(url)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	return db
}

// createBBoxBackend loads the local ONNX bounding-box model. A missing
// runtime or model is not fatal, the bbox endpoints will report 503 until
// the deployment is fixed.
func createBBoxBackend(ctx context.Context, cfg Config) detection.BoundingBoxBackend {
	if cfg.OnnxRuntimeDylib == "" {
		slog.Warn("ONNX_RUNTIME_DYLIB not set, bounding box model disabled")
		return nil
	}
	ort.SetSharedLibraryPath(cfg.OnnxRuntimeDylib)
	if err := ort.InitializeEnvironment(); err != nil {
		slog.Warn("could not init ONNX Runtime, bounding box model disabled", "error", err)
		return nil
	}

	if cfg.BBoxModelURL != "" {
		files := []weights.ModelFile{{Name: bboxModelFile, URL: cfg.BBoxModelURL}}
		if err := weights.EnsureModels(ctx, cfg.ModelDir, files); err != nil {
			slog.Warn("could not download bounding box model", "error", err)
		}
	}

	backend, err := detection.LoadOnnxBBoxBackend(filepath.Join(cfg.ModelDir, bboxModelFile))
	if err != nil {
		slog.Warn("could not load bounding box model", "error", err)
		return nil
	}
	return backend
}

func createPointBackend(cfg Config) detection.TiledPointBackend {
	if cfg.PointDetectorURL == "" {
		slog.Warn("POINT_DETECTOR_URL not set, point model disabled")
		return nil
	}
	return detection.NewTiledBackend(detection.NewRemotePatchDetector(cfg.PointDetectorURL))
}

func createServer(db *gorm.DB, bbox detection.BoundingBoxBackend, point detection.TiledPointBackend, cfg Config) *http.Server {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Minute))

	apiHandler := api.NewDetectionService(db, bbox, point, cfg.Concurrency, cfg.MaxUploadMB*1024*1024)

	r.Route("/api/v1", func(r chi.Router) {
		apiHandler.AddRoutes(r)
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}
}

func main() {
	cmd.LoadEnvFile()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating root directory: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(cfg.Root, "backend.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(f, os.Stderr))

	slog.Info("starting backend", "root", cfg.Root, "port", cfg.Port, "model_dir", cfg.ModelDir)

	db := createDatabase(cfg)

	bbox := createBBoxBackend(context.Background(), cfg)
	if backend, ok := bbox.(*detection.OnnxBBoxBackend); ok {
		defer backend.Release()
		defer func() {
			if err := ort.DestroyEnvironment(); err != nil {
				log.Printf("error destroying onnx env: %v", err)
			}
		}()
	}
	point := createPointBackend(cfg)

	server := createServer(db, bbox, point, cfg)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}
	}()

	log.Printf("API server listening on port %d", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v\n", cfg.Port, err)
	}

	log.Println("Server stopped.")
}
