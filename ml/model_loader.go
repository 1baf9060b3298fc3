package ml

import (
	"errors"
)

// LoadModel loads the pipeline artifact at path.
func LoadModel(path string) (*Pipeline, error) {
	if path == "" {
		return nil, &LoadError{Path: path, Err: errors.New("model path is required")}
	}
	return LoadPipeline(path)
}
