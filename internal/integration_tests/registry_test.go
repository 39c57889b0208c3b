package integrationtests

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	backend "wildlife-backend/internal/api"
	"wildlife-backend/internal/database"
	"wildlife-backend/internal/detection"
	"wildlife-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/gorm"
)

func setupPostgresContainer(t *testing.T, ctx context.Context) string {
	dbName, dbUser, dbPassword := "test_db", "test_user", "test_password"

	postgresContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")

	t.Cleanup(func() {
		err := postgresContainer.Terminate(context.Background())
		require.NoError(t, err, "Failed to terminate PostgreSQL container")
	})

	connStr, err := postgresContainer.ConnectionString(ctx)
	require.NoError(t, err, "Failed to get PostgreSQL connection string")

	return connStr
}

func createPostgresDB(t *testing.T, ctx context.Context) *gorm.DB {
	db, err := database.NewDatabase(setupPostgresContainer(t, ctx))
	require.NoError(t, err)
	return db
}

type stubBBoxBackend struct {
	detections map[string][]detection.Detection
}

func (s *stubBBoxBackend) Detect(ctx context.Context, imagePath string, opts detection.BBoxOptions) ([]detection.Detection, error) {
	return s.detections[filepath.Base(imagePath)], nil
}

func (s *stubBBoxBackend) Classes() map[int]string {
	return map[int]string{0: "buffalo", 1: "elephant"}
}

func (s *stubBBoxBackend) Loaded() bool { return true }

func jpegBytes(t *testing.T) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 120, 90))
	for y := 0; y < 90; y++ {
		for x := 0; x < 120; x++ {
			img.Set(x, y, color.RGBA{R: 60, G: 110, B: 80, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestRegistryRoundTripOnPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()
	db := createPostgresDB(t, ctx)

	taskId, err := database.CreateTask(ctx, db, database.ModelBBox, "survey.zip", 4, map[string]any{"img_size": 640})
	require.NoError(t, err)

	require.NoError(t, database.CompleteTask(ctx, db, taskId, 3.1, 2, 2,
		map[string]int{"Búfalo": 2}, map[string]any{"detections": []any{}}))

	x, y := 12.0, 34.0
	require.NoError(t, database.SaveDetections(ctx, db, []database.Detection{
		{TaskId: taskId, ImageName: "a.jpg", Species: "buffalo", Confidence: 0.9, X: &x, Y: &y},
		{TaskId: taskId, ImageName: "b.jpg", Species: "buffalo", Confidence: 0.8, X: &x, Y: &y},
	}))

	task, result, err := database.GetTask(ctx, db, taskId)
	require.NoError(t, err)
	assert.Equal(t, database.TaskCompleted, task.Status)
	assert.Equal(t, 2, task.TotalDetections)
	require.NotNil(t, result)

	var counts map[string]int
	require.NoError(t, json.Unmarshal(task.SpeciesCounts, &counts))
	assert.Equal(t, map[string]int{"Búfalo": 2}, counts)

	// Terminal state survives concurrent completion attempts on a real
	// database too.
	err = database.FailTask(ctx, db, taskId, "late failure")
	assert.ErrorIs(t, err, database.ErrTaskTerminal)

	stats, err := database.GetStats(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalTasks)
	assert.Equal(t, 2, stats.TotalDetections)
	assert.Equal(t, map[string]int{"buffalo": 2}, stats.SpeciesHistogram)
}

func TestAnalyzeEndToEndOnPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()
	db := createPostgresDB(t, ctx)

	bbox := &stubBBoxBackend{detections: map[string][]detection.Detection{
		"a.jpg": {{
			ImageName:  "a.jpg",
			ClassId:    0,
			Confidence: 0.9,
			X:          30, Y: 30,
			Bbox: &detection.Bbox{X1: 20, Y1: 20, X2: 40, Y2: 40},
		}},
	}}

	service := backend.NewDetectionService(db, bbox, nil, 2, 64<<20)
	router := chi.NewRouter()
	service.AddRoutes(router)

	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	for _, name := range []string{"a.jpg", "b.jpg"} {
		f, err := zw.Create(name)
		require.NoError(t, err)
		_, err = f.Write(jpegBytes(t))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "survey.zip")
	require.NoError(t, err)
	_, err = part.Write(archive.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("include_annotated", "false"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/analyze/bbox", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, "received response: "+rec.Body.String())
	var resp api.AnalyzeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)

	task, result, err := database.GetTask(ctx, db, resp.TaskId)
	require.NoError(t, err)
	assert.Equal(t, database.TaskCompleted, task.Status)
	require.NotNil(t, result)

	var blob map[string]any
	require.NoError(t, json.Unmarshal(result.ResultData, &blob))
	assert.Equal(t, true, blob["success"])

	var rows []database.Detection
	require.NoError(t, db.Where("task_id = ?", resp.TaskId).Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "buffalo", rows[0].Species)
}
