// Package internal holds turn-detector model metadata shared by the
// downloader and the ONNX detector.
package internal

import "path/filepath"

// ModelInfo holds metadata for a turn-detection model revision.
type ModelInfo struct {
	Name       string // "english", "multilingual"
	Repo       string
	Revision   string
	Size       int64
	SHA256Hash string // SHA-256 of the ONNX file; empty means unverified
	Files      []string
}

var (
	EnglishModel = ModelInfo{
		Name:       "english",
		Repo:       "livekit/turn-detector",
		Revision:   "v1.2.2-en",
		Size:       66 * 1024 * 1024,
		SHA256Hash: "fdd695a99bda01155fb0b5ce71d34cb9fd3902c62496db7a6c2c7bdeac310ac7",
		Files: []string{
			"onnx/model_q8.onnx",
			"tokenizer.json",
			"languages.json",
		},
	}

	MultilingualModel = ModelInfo{
		Name:     "multilingual",
		Repo:     "livekit/turn-detector",
		Revision: "v0.3.0-intl",
		Size:     281 * 1024 * 1024,
		Files: []string{
			"onnx/model_q8.onnx",
			"tokenizer.json",
			"languages.json",
		},
	}

	// AllModels enumerates every model the downloader must handle.
	AllModels = []ModelInfo{EnglishModel, MultilingualModel}
)

// ModelByName finds a model by its short name.
func ModelByName(name string) (ModelInfo, bool) {
	for _, model := range AllModels {
		if model.Name == name {
			return model, true
		}
	}
	return ModelInfo{}, false
}

// FileHashes maps filenames (including path) to their SHA-256 hashes for the
// English model revision. Files without an entry pass validation on existence.
var FileHashes = map[string]string{
	"onnx/model_q8.onnx": "fdd695a99bda01155fb0b5ce71d34cb9fd3902c62496db7a6c2c7bdeac310ac7",
	"tokenizer.json":     "c8219a662de786c94771323c3500377970f5eaa3afbeaef9390c9a51db9f7884",
	"languages.json":     "a9b71f62240293b05e6fa2b75ffc997ae00cefcc8da8b9567e39e3c356b7ee1",
}

// GetModelPath returns the directory where a revision is stored.
func GetModelPath(basePath, revision string) string {
	return filepath.Join(basePath, "turn-detector", revision)
}

// GetModelFilePath returns the absolute path to a specific file for a revision.
func GetModelFilePath(basePath, revision, filename string) string {
	return filepath.Join(GetModelPath(basePath, revision), filename)
}
