package translator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/nllbsidecar/nllb-sidecar/internal/selector"
)

// SafeModelDir builds the on-disk directory name for a (model, compute-type)
// combo: the model id with "/" replaced by "--", suffixed with the compute
// type (spec §6: "<artifact_dir>/<safe_model_id>-<compute_type>/").
func SafeModelDir(modelID, computeType string) string {
	safe := strings.ReplaceAll(modelID, "/", "--")
	return fmt.Sprintf("%s-%s", safe, computeType)
}

// Downloader fetches a pre-converted artifact repo into destPath.
type Downloader interface {
	Download(ctx context.Context, repoID, destPath string) error
}

// Converter converts upstream model weights into the engine's native
// format at the requested compute type.
type Converter interface {
	Convert(ctx context.Context, modelID, computeType, destPath string) error
}

// ArtifactManager resolves local artifact paths for models and tokenizers,
// implementing spec §4.6's three-tier fallback: local blob, pre-converted
// download, local conversion.
type ArtifactManager struct {
	baseDir   string
	catalog   *selector.Catalog
	downloader Downloader
	converter  Converter
	log        *zap.Logger
}

// NewArtifactManager creates an ArtifactManager rooted at baseDir.
func NewArtifactManager(log *zap.Logger, baseDir string, catalog *selector.Catalog, dl Downloader, cv Converter) *ArtifactManager {
	return &ArtifactManager{baseDir: baseDir, catalog: catalog, downloader: dl, converter: cv, log: log}
}

// ModelPath returns the directory a (model, compute-type) combo's artifact
// would live at, without ensuring it exists.
func (a *ArtifactManager) ModelPath(modelID, computeType string) string {
	return filepath.Join(a.baseDir, SafeModelDir(modelID, computeType))
}

// modelBlobName is the file whose presence marks a model directory as
// already materialized (CTranslate2's on-disk weight file).
const modelBlobName = "model.bin"

// EnsureModel implements spec §4.6 steps 1-4: resolve the local artifact
// path, and if it is not already materialized, download a known
// pre-converted artifact or else convert from upstream weights.
func (a *ArtifactManager) EnsureModel(ctx context.Context, modelID, computeType string) (string, error) {
	path := a.ModelPath(modelID, computeType)

	if _, err := os.Stat(filepath.Join(path, modelBlobName)); err == nil {
		a.log.Info("artifact already materialized", zap.String("path", path))
		return path, nil
	}

	if repoID, ok := a.catalog.PreConvertedRepoFor(modelID, computeType); ok {
		a.log.Info("downloading pre-converted artifact",
			zap.String("model_id", modelID), zap.String("compute_type", computeType), zap.String("repo", repoID))
		if err := a.downloader.Download(ctx, repoID, path); err == nil {
			return path, nil
		} else {
			a.log.Warn("pre-converted download failed, falling back to local conversion",
				zap.String("repo", repoID), zap.Error(err))
		}
	}

	a.log.Info("converting model locally",
		zap.String("model_id", modelID), zap.String("compute_type", computeType), zap.String("path", path))
	if err := a.converter.Convert(ctx, modelID, computeType, path); err != nil {
		return "", fmt.Errorf("translator: convert %s at %s: %w", modelID, computeType, err)
	}
	return path, nil
}

// tokenizerBlobName is the file marking a tokenizer artifact as present.
const tokenizerBlobName = "sentencepiece.bpe.model"

// EnsureTokenizer resolves (and if needed, downloads) the tokenizer
// artifact for a model id. Tokenizers are shared across compute-types of
// the same model (spec §4.6 step 7).
func (a *ArtifactManager) EnsureTokenizer(ctx context.Context, modelID string) (string, error) {
	safe := strings.ReplaceAll(modelID, "/", "--")
	path := filepath.Join(a.baseDir, safe, tokenizerBlobName)

	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := a.downloader.Download(ctx, modelID, filepath.Dir(path)); err != nil {
		return "", fmt.Errorf("translator: tokenizer for %s: %w", modelID, err)
	}
	return path, nil
}
