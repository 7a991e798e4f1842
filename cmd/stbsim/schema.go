package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pscheid92/stbsettings/internal/domain"
)

func int64Ptr(v int64) *int64 { return &v }

func demoSchema() []domain.Parameter {
	return []domain.Parameter{
		{Name: "name", Title: "Device name", Type: domain.TypeString, Value: "living room"},
		{Name: "volume", Title: "Volume", Type: domain.TypeInteger, Value: int64(33), Min: int64Ptr(0), Max: int64Ptr(100)},
		{Name: "resolution", Title: "Resolution", Type: domain.TypeSelection, Value: "1080p", Options: []domain.Option{
			{Value: "720p", Title: "HD"},
			{Value: "1080p", Title: "Full HD"},
			{Value: "2160p", Title: "4K"},
		}},
		{Name: "subtitles", Title: "Subtitles", Type: domain.TypeBool, Value: false},
	}
}

// loadSchema reads a parameter list from path, or returns the demo schema when path is empty.
// The result is checked locally so typos surface before anything is sent.
func loadSchema(path string) ([]domain.Parameter, error) {
	if path == "" {
		return demoSchema(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	var params []domain.Parameter
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", path, err)
	}
	if _, err := domain.ValidateSchema(params); err != nil {
		return nil, fmt.Errorf("schema %s: %w", path, err)
	}
	return params, nil
}
