// Package asset defines the unit of work moved by a migration.
package asset

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Kind classifies an asset.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// ErrNoSourceLocations rejects a descriptor that cannot be downloaded.
var ErrNoSourceLocations = errors.New("descriptor has no source locations")

// ParseKind maps provider media labels onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "image", "photo", "picture":
		return KindImage, nil
	case "video", "movie":
		return KindVideo, nil
	default:
		return "", fmt.Errorf("unknown asset kind %q", s)
	}
}

// Descriptor is one asset to migrate. It is built once during enumeration and
// only read afterwards; copy it by value.
type Descriptor struct {
	ID              string     `json:"id"`
	Kind            Kind       `json:"kind"`
	DisplayName     string     `json:"displayName"`
	ContainerName   string     `json:"containerName,omitempty"`
	ContainerID     string     `json:"containerId,omitempty"`
	SourceLocations []string   `json:"sourceLocations"`
	Attributes      Attributes `json:"attributes"`
}

// Validate checks the descriptor can enter the pipeline.
func (d Descriptor) Validate() error {
	if len(d.SourceLocations) == 0 {
		return ErrNoSourceLocations
	}
	for _, loc := range d.SourceLocations {
		if strings.TrimSpace(loc) != "" {
			return nil
		}
	}
	return ErrNoSourceLocations
}

// Attributes carries the provider metadata captured at enumeration time.
// Zero values mean "unknown".
type Attributes struct {
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Tags        RawTags           `json:"tags,omitempty"`
	Format      string            `json:"format,omitempty"`
	CapturedAt  time.Time         `json:"capturedAt,omitzero"`
	ModifiedAt  time.Time         `json:"modifiedAt,omitzero"`
	UploadedAt  time.Time         `json:"uploadedAt,omitzero"`
	Width       int               `json:"width,omitempty"`
	Height      int               `json:"height,omitempty"`
	SizeBytes   int64             `json:"sizeBytes,omitempty"`
	Camera      *Camera           `json:"camera,omitempty"`
	Geo         *Geo              `json:"geo,omitempty"`
	Visibility  *Visibility       `json:"visibility,omitempty"`
	Views       int               `json:"views,omitempty"`
	License     string            `json:"license,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

type Camera struct {
	Make        string `json:"make,omitempty"`
	Model       string `json:"model,omitempty"`
	Exposure    string `json:"exposure,omitempty"`
	Aperture    string `json:"aperture,omitempty"`
	FocalLength string `json:"focalLength,omitempty"`
	ISO         int    `json:"iso,omitempty"`
}

type Geo struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  int     `json:"accuracy,omitempty"`
}

type Visibility struct {
	Public  bool `json:"public"`
	Friends bool `json:"friends"`
	Family  bool `json:"family"`
}

// RawTags holds tag entries as the provider delivered them. Entries may still
// contain delimiters; normalization happens during extraction.
type RawTags []string

// UnmarshalJSON accepts a delimiter-separated string, a list of strings, or
// arbitrarily nested lists of strings.
func (t *RawTags) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("parsing tags: %w", err)
	}
	var out RawTags
	if err := flattenTags(v, &out); err != nil {
		return err
	}
	*t = out
	return nil
}

func flattenTags(v any, out *RawTags) error {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		*out = append(*out, x)
	case float64:
		*out = append(*out, strconv.FormatFloat(x, 'f', -1, 64))
	case []any:
		for _, item := range x {
			if err := flattenTags(item, out); err != nil {
				return err
			}
		}
	case map[string]any:
		// Some providers wrap each tag as {"raw": "...", "_content": "..."}.
		for _, key := range []string{"raw", "_content", "name", "value"} {
			if s, ok := x[key].(string); ok {
				*out = append(*out, s)
				return nil
			}
		}
		return fmt.Errorf("unsupported tag object with keys %v", slices.Sorted(maps.Keys(x)))
	default:
		return fmt.Errorf("unsupported tag value of type %T", v)
	}
	return nil
}
