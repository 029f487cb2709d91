// Package metadata turns asset descriptors into the sidecar records stored
// next to each migrated asset.
package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/your-org/mediamigrate/internal/asset"
	migerr "github.com/your-org/mediamigrate/internal/errors"
)

// Container is the collection an asset was enumerated from.
type Container struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Sidecar is a flat metadata document. Absent values are omitted rather than
// stored as null or empty collections.
type Sidecar map[string]any

// Marshal encodes the sidecar with sorted keys and two-space indentation.
// Equal sidecars always encode to identical bytes.
func (s Sidecar) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]any(s)); err != nil {
		return nil, fmt.Errorf("encode sidecar: %w", err)
	}
	return buf.Bytes(), nil
}

// Extractor builds sidecars. The zero value is ready to use.
type Extractor struct {
	// Now stamps degraded records; defaults to time.Now.
	Now func() time.Time
}

// Extract never fails the pipeline: when the descriptor is inconsistent it
// returns a minimal record together with a METADATA error describing why.
func (e *Extractor) Extract(d asset.Descriptor, c Container) (Sidecar, *migerr.Error) {
	if problem := inconsistency(d, c); problem != "" {
		return e.Minimal(d), migerr.Metadata(d.ID, d.DisplayName, problem)
	}

	s := Sidecar{}
	s.set("id", d.ID)
	s.set("filename", d.DisplayName)
	s.set("kind", string(d.Kind))

	a := d.Attributes
	s.set("title", strings.TrimSpace(a.Title))
	s.set("description", strings.TrimSpace(a.Description))
	if tags := NormalizeTags(a.Tags); len(tags) > 0 {
		s["keywords"] = tags
	}

	format := strings.ToLower(strings.TrimPrefix(a.Format, "."))
	s.set("format", format)
	if a.SizeBytes > 0 {
		s["fileSize"] = a.SizeBytes
	}
	if a.Width > 0 && a.Height > 0 {
		s["width"] = a.Width
		s["height"] = a.Height
		s["dimensions"] = fmt.Sprintf("%dx%d", a.Width, a.Height)
	}

	s.setTime("capturedAt", a.CapturedAt)
	s.setTime("modifiedAt", a.ModifiedAt)
	s.setTime("uploadedAt", a.UploadedAt)

	album := c.Name
	if album == "" {
		album = d.ContainerName
	}
	albumID := c.ID
	if albumID == "" {
		albumID = d.ContainerID
	}
	s.set("album", album)
	s.set("albumId", albumID)
	s.set("albumDescription", strings.TrimSpace(c.Description))

	if cam := a.Camera; cam != nil {
		s.set("cameraMake", cam.Make)
		s.set("cameraModel", cam.Model)
		s.set("exposure", cam.Exposure)
		s.set("aperture", cam.Aperture)
		s.set("focalLength", cam.FocalLength)
		if cam.ISO > 0 {
			s["iso"] = cam.ISO
		}
	}
	if g := a.Geo; g != nil {
		s["latitude"] = g.Latitude
		s["longitude"] = g.Longitude
		if g.Accuracy > 0 {
			s["geoAccuracy"] = g.Accuracy
		}
	}
	if v := a.Visibility; v != nil {
		s["isPublic"] = v.Public
		s["isFriend"] = v.Friends
		s["isFamily"] = v.Family
	}
	if a.Views > 0 {
		s["views"] = a.Views
	}
	s.set("license", a.License)
	for k, v := range a.Extra {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		s.set("extra."+k, v)
	}
	return s, nil
}

// Minimal is the degraded record: id, filename and an extraction timestamp.
func (e *Extractor) Minimal(d asset.Descriptor) Sidecar {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	s := Sidecar{"capturedAt": now().UTC().Format(time.RFC3339)}
	s.set("id", d.ID)
	s.set("filename", d.DisplayName)
	return s
}

func inconsistency(d asset.Descriptor, c Container) string {
	a := d.Attributes
	switch {
	case strings.TrimSpace(d.ID) == "":
		return "descriptor has no id"
	case strings.TrimSpace(d.DisplayName) == "":
		return "descriptor has no display name"
	case a.Width < 0 || a.Height < 0:
		return fmt.Sprintf("negative dimensions %dx%d", a.Width, a.Height)
	case a.SizeBytes < 0:
		return fmt.Sprintf("negative byte size %d", a.SizeBytes)
	case a.Geo != nil && (!finite(a.Geo.Latitude) || !finite(a.Geo.Longitude)):
		return "coordinates are not finite numbers"
	case a.Geo != nil && (a.Geo.Latitude < -90 || a.Geo.Latitude > 90 || a.Geo.Longitude < -180 || a.Geo.Longitude > 180):
		return fmt.Sprintf("coordinates out of range (%f, %f)", a.Geo.Latitude, a.Geo.Longitude)
	case d.ContainerID != "" && c.ID != "" && d.ContainerID != c.ID:
		return fmt.Sprintf("descriptor container %s does not match context %s", d.ContainerID, c.ID)
	}
	return ""
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

func (s Sidecar) set(key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		s[key] = value
	}
}

func (s Sidecar) setTime(key string, t time.Time) {
	if !t.IsZero() {
		s[key] = t.UTC().Format(time.RFC3339)
	}
}

// NormalizeTags splits delimiter-separated entries and returns the distinct
// tags in first-seen order. Comparison is case-insensitive; the first spelling wins.
func NormalizeTags(raw asset.RawTags) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, entry := range raw {
		for _, tag := range strings.FieldsFunc(entry, isTagDelimiter) {
			tag = strings.Join(strings.Fields(tag), " ")
			if tag == "" {
				continue
			}
			key := strings.ToLower(tag)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, tag)
		}
	}
	return out
}

func isTagDelimiter(r rune) bool {
	switch r {
	case ',', ';', '|', '\n', '\r', '\t':
		return true
	}
	return false
}
