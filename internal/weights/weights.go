// Package weights fetches model files that are not present locally, so a
// fresh deployment can start without manually staged checkpoints.
package weights

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/schollz/progressbar/v3"
)

// ModelFile names one downloadable model artifact.
type ModelFile struct {
	Name string // local filename, e.g. "best.onnx"
	URL  string
}

// EnsureModels downloads every listed model file that does not already
// exist under dir. Downloads go to a temp file first and are renamed into
// place, so a partial download never shadows a model.
func EnsureModels(ctx context.Context, dir string, files []ModelFile) error {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return fmt.Errorf("creating model dir: %w", err)
	}

	client := resty.New().SetTimeout(30 * time.Minute)

	for _, file := range files {
		target := filepath.Join(dir, file.Name)
		if info, err := os.Stat(target); err == nil {
			slog.Info("model file already exists", "file", file.Name, "size_mb", float64(info.Size())/(1024*1024))
			continue
		}
		if file.URL == "" {
			return fmt.Errorf("model file %s is missing and no download URL is configured", file.Name)
		}

		if err := download(ctx, client, file, target); err != nil {
			return fmt.Errorf("downloading %s: %w", file.Name, err)
		}
	}
	return nil
}

func download(ctx context.Context, client *resty.Client, file ModelFile, target string) error {
	slog.Info("downloading model file", "file", file.Name, "url", file.URL)

	resp, err := client.R().SetContext(ctx).SetDoNotParseResponse(true).Get(file.URL)
	if err != nil {
		return err
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.IsError() {
		return fmt.Errorf("server returned %s", resp.Status())
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), file.Name+".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	bar := progressbar.DefaultBytes(resp.RawResponse.ContentLength, file.Name)
	_, err = io.Copy(io.MultiWriter(tmp, bar), body)
	closeErr := tmp.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}

	return os.Rename(tmp.Name(), target)
}
